package interfaces

import "piccollab/pkg/types"

// Connection is one live edit session as seen by the room logic.
// Implementations must make Send safe for concurrent use and must never
// block the caller on a slow peer.
type Connection interface {
	// GetID returns the unique connection id.
	GetID() string

	// GetUser returns the identity resolved at handshake, nil if unresolved.
	GetUser() *types.User

	// GetPictureID returns the room this connection is bound to.
	GetPictureID() int64

	// Send queues an already encoded frame for delivery.
	Send(data []byte) error

	// IsOpen reports whether the connection still accepts frames.
	IsOpen() bool

	// Close closes the connection; safe to call more than once.
	Close() error
}

// SessionHandler drives the connection lifecycle for the edit endpoint.
type SessionHandler interface {
	// Open admits a connection into its room.
	Open(conn Connection) error

	// Receive hands an inbound text frame over for asynchronous processing.
	Receive(conn Connection, payload []byte) error

	// Close runs the disconnect transition; it returns once the edit lock
	// and room membership of the connection are released.
	Close(conn Connection)
}
