//go:build linux

package transport

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/carlinkos/securelink/internal/errs"
)

// Bluetooth socket family constants. The Linux bluetooth headers define
// these outside golang.org/x/sys/unix's generated constant set, mirroring
// how the teacher's conn_linux.go reaches past the generated SockaddrInet4
// helpers with raw unix.Socket/unix.Bind calls when the stdlib net package
// has no concept of the address family it needs.
const (
	afBluetooth     = 31
	btProtoRFCOMM   = 3
	sockaddrRCSize  = 10 // sizeof(struct sockaddr_rc): family(2) + bdaddr(6) + channel(1), padded
	defaultRFCOMMCh = 1
)

// rfcommAddr packs a 6-byte Bluetooth device address and RFCOMM channel
// into the raw sockaddr_rc the kernel expects. addr is colon-separated hex
// ("AA:BB:CC:DD:EE:FF"), matching the scan-result address strings the BLE
// transport also uses so callers don't need to format differently per
// transport.
func rfcommAddr(addr string, channel uint8) ([unix.SizeofSockaddrAny]byte, error) {
	var raw [unix.SizeofSockaddrAny]byte
	var bdaddr [6]byte
	n, err := fmt.Sscanf(addr, "%02x:%02x:%02x:%02x:%02x:%02x",
		&bdaddr[5], &bdaddr[4], &bdaddr[3], &bdaddr[2], &bdaddr[1], &bdaddr[0])
	if err != nil || n != 6 {
		return raw, errs.New(errs.NotEstablished, "malformed bluetooth device address: "+addr)
	}

	raw[0] = byte(afBluetooth)
	raw[1] = byte(afBluetooth >> 8)
	copy(raw[2:8], bdaddr[:])
	raw[8] = channel
	return raw, nil
}

// RFCOMMDialer opens outbound RFCOMM connections over a raw AF_BLUETOOTH
// socket, the transport's central-role counterpart to BLEDialer.
type RFCOMMDialer struct {
	Channel uint8
}

func NewRFCOMMDialer() *RFCOMMDialer { return &RFCOMMDialer{Channel: defaultRFCOMMCh} }

func (d *RFCOMMDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_STREAM, btProtoRFCOMM)
	if err != nil {
		return nil, errs.Wrap(errs.StorageError, "open rfcomm socket", err)
	}

	sa, err := rfcommAddr(addr, d.Channel)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	connectDone := make(chan error, 1)
	go func() { connectDone <- connectRaw(fd, sa) }()

	select {
	case err := <-connectDone:
		if err != nil {
			unix.Close(fd)
			return nil, errs.Wrap(errs.StorageError, "rfcomm connect", err)
		}
	case <-ctx.Done():
		unix.Close(fd)
		return nil, errs.Wrap(errs.Cancelled, "rfcomm dial cancelled", ctx.Err())
	}

	return newRFCOMMConn(fd, addr), nil
}

// RFCOMMListener accepts inbound RFCOMM connections, the peripheral-role
// counterpart to BLEListener.
type RFCOMMListener struct {
	Channel uint8

	mu       sync.Mutex
	listenFD int
	closed   bool
}

func NewRFCOMMListener() *RFCOMMListener { return &RFCOMMListener{Channel: defaultRFCOMMCh} }

// Start opens and binds the listening socket. Must be called once before
// Accept.
func (l *RFCOMMListener) Start() error {
	fd, err := unix.Socket(afBluetooth, unix.SOCK_STREAM, btProtoRFCOMM)
	if err != nil {
		return errs.Wrap(errs.StorageError, "open rfcomm listen socket", err)
	}

	sa, err := rfcommAddr("00:00:00:00:00:00", l.Channel) // BDADDR_ANY
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := bindRaw(fd, sa); err != nil {
		unix.Close(fd)
		return errs.Wrap(errs.StorageError, "bind rfcomm socket", err)
	}
	if err := unix.Listen(fd, 4); err != nil {
		unix.Close(fd)
		return errs.Wrap(errs.StorageError, "listen on rfcomm socket", err)
	}

	l.mu.Lock()
	l.listenFD = fd
	l.mu.Unlock()
	return nil
}

func (l *RFCOMMListener) Accept(ctx context.Context) (Conn, error) {
	l.mu.Lock()
	fd := l.listenFD
	l.mu.Unlock()

	type acceptResult struct {
		fd   int
		addr string
		err  error
	}
	resc := make(chan acceptResult, 1)
	go func() {
		nfd, raw, err := acceptRaw(fd)
		if err != nil {
			resc <- acceptResult{err: err}
			return
		}
		resc <- acceptResult{fd: nfd, addr: peerAddrString(raw)}
	}()

	select {
	case res := <-resc:
		if res.err != nil {
			return nil, errs.Wrap(errs.StorageError, "rfcomm accept", res.err)
		}
		return newRFCOMMConn(res.fd, res.addr), nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "rfcomm accept cancelled", ctx.Err())
	}
}

func (l *RFCOMMListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.listenFD)
}

// peerAddrString reads the bdaddr out of a raw sockaddr_rc as produced by
// acceptRaw, in the same field layout rfcommAddr writes.
func peerAddrString(raw [unix.SizeofSockaddrAny]byte) string {
	b := raw[2:8]
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[5], b[4], b[3], b[2], b[1], b[0])
}

// rfcommConn wraps a connected RFCOMM file descriptor as a Conn.
type rfcommConn struct {
	fd     int
	addr   string
	mu     sync.Mutex
	closed bool
}

func newRFCOMMConn(fd int, addr string) *rfcommConn {
	return &rfcommConn{fd: fd, addr: addr}
}

func (c *rfcommConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		return n, errs.Wrap(errs.StorageError, "rfcomm read", err)
	}
	if n == 0 {
		return 0, errs.New(errs.NotEstablished, "rfcomm connection closed by peer")
	}
	return n, nil
}

func (c *rfcommConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		return n, errs.Wrap(errs.StorageError, "rfcomm write", err)
	}
	return n, nil
}

func (c *rfcommConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	unix.Shutdown(c.fd, unix.SHUT_RDWR)
	return unix.Close(c.fd)
}

func (c *rfcommConn) RemoteAddr() string { return c.addr }

// connectRaw and bindRaw issue the raw connect(2)/bind(2) syscalls against
// a sockaddr_rc the generated unix.Sockaddr types don't model; unix.Syscall
// is the same escape hatch the teacher's conn_linux.go uses for setsockopt
// calls the high-level wrappers don't cover.
func connectRaw(fd int, sa [unix.SizeofSockaddrAny]byte) error {
	_, _, errno := unix.Syscall(unix.SYS_CONNECT, uintptr(fd),
		uintptr(unsafe.Pointer(&sa[0])), uintptr(sockaddrRCSize))
	if errno != 0 {
		return errno
	}
	return nil
}

func bindRaw(fd int, sa [unix.SizeofSockaddrAny]byte) error {
	_, _, errno := unix.Syscall(unix.SYS_BIND, uintptr(fd),
		uintptr(unsafe.Pointer(&sa[0])), uintptr(sockaddrRCSize))
	if errno != 0 {
		return errno
	}
	return nil
}

// acceptRaw issues accept(2) directly and returns the raw peer sockaddr
// bytes, since the kernel's AF_BLUETOOTH sockaddr_rc isn't one of the
// families golang.org/x/sys/unix's high-level Accept parses.
func acceptRaw(fd int) (int, [unix.SizeofSockaddrAny]byte, error) {
	var raw [unix.SizeofSockaddrAny]byte
	size := uint32(sockaddrRCSize)
	nfd, _, errno := unix.Syscall(unix.SYS_ACCEPT, uintptr(fd),
		uintptr(unsafe.Pointer(&raw[0])), uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, raw, errno
	}
	return int(nfd), raw, nil
}
