// Package transport supplies the byte-stream connections wire.Stream
// rides on. Two concrete transports are provided, BLE GATT (ble.go) and
// RFCOMM (rfcomm_linux.go); both implement Conn identically so manager
// and securechannel never branch on which one is in use — including for
// reconnect and OOB, which the original Android source left unsupported
// on its SPP transport but which this stack treats as a baseline
// capability every transport must provide.
package transport

import (
	"context"
	"io"
)

// Conn is the minimum a transport must provide to carry a wire.Stream.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
	RemoteAddr() string
}

// Dialer opens an outbound connection to a known peer address (the
// central/initiator role).
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// Listener accepts inbound connections (the peripheral/responder role).
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}
