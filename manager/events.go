package manager

import (
	"github.com/google/uuid"

	"github.com/carlinkos/securelink/internal/errs"
)

// ConnectionScope selects which connection-lifecycle subscribers a
// callback joins: just the one active-user device, or every device the
// manager ever establishes a session with.
type ConnectionScope int

const (
	ActiveUser ConnectionScope = iota
	All
)

// ConnectionEventKind enumerates the connection-lifecycle notifications a
// ConnectionCallback receives.
type ConnectionEventKind int

const (
	DeviceConnected ConnectionEventKind = iota
	DeviceDisconnected
	SecureChannelEstablished
	// AssociationFailed is delivered only to a StartAssociation/
	// StartOutOfBandAssociation callback, never to the general
	// connection-lifecycle registry, when that one pairing attempt
	// fails instead of reaching DeviceConnected.
	AssociationFailed
)

// ConnectionEvent is delivered to every ConnectionCallback whose scope
// matches the device involved.
type ConnectionEvent struct {
	Kind     ConnectionEventKind
	DeviceID uuid.UUID
	Err      error
}

// ConnectionCallback observes device connect/disconnect lifecycle,
// matching the public API's on_device_connected/on_device_disconnected.
type ConnectionCallback func(ConnectionEvent)

// DeviceEventKind enumerates the per-recipient notifications a
// DeviceCallback receives.
type DeviceEventKind int

const (
	MessageReceived DeviceEventKind = iota
	DeviceError
)

// DeviceEvent is delivered to the DeviceCallback registered for one
// (device, recipient) pair.
type DeviceEvent struct {
	Kind      DeviceEventKind
	DeviceID  uuid.UUID
	Recipient uuid.UUID
	Payload   []byte
	Err       error
}

// DeviceCallback observes messages and errors for one recipient on one
// device, matching the public API's on_message_received/on_device_error.
type DeviceCallback func(DeviceEvent)

func errorEvent(deviceID, recipient uuid.UUID, kind errs.Kind, msg string) DeviceEvent {
	return DeviceEvent{Kind: DeviceError, DeviceID: deviceID, Recipient: recipient, Err: errs.New(kind, msg)}
}
