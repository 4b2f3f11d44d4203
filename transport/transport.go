// Package transport defines the abstract bidirectional channel between the
// diagnostic client and a vehicle gateway.
//
// Two implementations exist: transport/doip speaks DoIP over TCP to a real
// gateway, and transport/sim is an in-memory responder used by tests and demo
// mode. The diagnostic client depends only on the Transport contract here.
package transport

import (
	"context"
	"errors"
	"time"
)

// Transport is the send-and-await-reply channel to the vehicle gateway.
//
// RoundTrip delivers one request to the module at target and suspends the
// caller until a reply arrives or timeout elapses. The diagnostic protocol is
// not multiplexed: implementations serialize RoundTrip calls internally so a
// second request is never issued before the first resolves.
type Transport interface {
	// Connect establishes the channel. Implementations may retry internally;
	// a returned error means the channel is unusable.
	Connect(ctx context.Context) error

	// Disconnect closes the channel. Idempotent; never returns an error.
	Disconnect()

	// RoundTrip sends request to the module addressed by target and returns
	// the reply payload. Fails with ErrNotConnected, ErrTimeout,
	// ErrInvalidResponse, or a wrapped underlying I/O error.
	RoundTrip(ctx context.Context, target uint16, request []byte, timeout time.Duration) ([]byte, error)
}

// Sentinel errors for the transport boundary. Underlying I/O failures are
// wrapped with %w and carry their original cause.
var (
	// ErrNotConnected is returned when RoundTrip is called before Connect or
	// after Disconnect.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrTimeout is returned when no reply arrived within the round-trip
	// timeout.
	ErrTimeout = errors.New("transport: timed out waiting for reply")

	// ErrInvalidResponse is returned when the gateway violated the wire
	// protocol (bad header, unexpected frame type).
	ErrInvalidResponse = errors.New("transport: invalid response framing")
)
