package transport

import (
	"context"
	"errors"
)

// RecipientID identifies a broadcast target (a messaging group). Opaque to
// the core; its format belongs to the protocol client.
type RecipientID string

// Payload is the message content handed to Send.
type Payload struct {
	Text string
}

// RecipientInfo is the metadata returned by ListRecipients. Cached by the
// session after the connection opens.
type RecipientInfo struct {
	ID           RecipientID `json:"id"`
	Name         string      `json:"name"`
	Participants int         `json:"participants"`
	Description  string      `json:"description,omitempty"`
	Owner        string      `json:"owner,omitempty"`
}

// CloseReason describes why the transport connection closed. Recoverable
// closes drive reconnection; terminal ones (e.g. logged out) do not.
type CloseReason struct {
	Code        int
	Recoverable bool
	Err         error
}

// Events are the callbacks a Transport fires while connected. Handlers
// must be non-blocking; the session serializes them internally.
type Events struct {
	// PairingChallenge delivers authentication challenge data (e.g. a QR
	// payload) that must reach the tenant's client to complete pairing.
	PairingChallenge func(data string)
	// Opened fires when the session is established and Send may be used.
	Opened func()
	// Closed fires when the connection drops or logs out.
	Closed func(reason CloseReason)
}

var (
	// ErrSendFailed wraps per-recipient delivery failures. Recoverable:
	// the dispatcher absorbs it into the error count.
	ErrSendFailed = errors.New("transport: send failed")
	// ErrNotConnected is returned by transport calls that need an open
	// connection.
	ErrNotConnected = errors.New("transport: not connected")
)

// Transport is the abstract messaging capability the core depends on.
// One instance per tenant; the owning session never shares it.
//
// Connect starts the connection attempt and returns once the attempt is
// in flight; outcomes arrive via Events. Disconnect performs a
// best-effort logout and releases the connection.
type Transport interface {
	Connect(ctx context.Context, ev Events) error
	Send(ctx context.Context, to RecipientID, p Payload) error
	ListRecipients(ctx context.Context) ([]RecipientInfo, error)
	Disconnect(ctx context.Context) error
}

// Factory creates transports and owns per-tenant authentication material.
// ClearAuth removes stored credentials so the next Connect requires a
// fresh pairing ("forget this device").
type Factory interface {
	New(tenantID string) (Transport, error)
	ClearAuth(tenantID string) error
}
