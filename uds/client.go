// Package uds implements the diagnostic service client: it frames a service
// identifier plus payload into a request, sends it through the transport, and
// validates and unwraps the reply.
//
// Services used by the coding layers:
//
//	0x10 diagnostic session control     0x22 read data by identifier
//	0x14 clear diagnostic information   0x27 security access
//	0x19 read DTC information           0x2E write data by identifier
//
// The client performs no retries: only the orchestrator knows whether a retry
// is safe (an idempotent read versus a write that may already have reached
// the ECU).
package uds

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/bimmercode/ecucoder/transport"
)

const positiveOffset = 0x40

// Service identifiers.
const (
	ServiceSessionControl  = 0x10
	ServiceClearDTC        = 0x14
	ServiceReadDTCInfo     = 0x19
	ServiceReadDataByID    = 0x22
	ServiceSecurityAccess  = 0x27
	ServiceWriteDataByID   = 0x2E
	negativeResponseMarker = 0x7F
)

// Session types for ServiceSessionControl.
const (
	SessionDefault  = 0x01
	SessionExtended = 0x03
)

// AllDTCGroups is the clear-DTC group mask selecting every group.
var AllDTCGroups = [3]byte{0xFF, 0xFF, 0xFF}

// Observer is notified after every round trip with its duration and outcome.
// The session layer uses it to sample link quality. May be nil.
type Observer func(d time.Duration, err error)

// Client speaks the diagnostic protocol to one module through a shared
// transport. Clients are cheap; create one per module address.
type Client struct {
	tp       transport.Transport
	target   uint16
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// Options configures optional Client behaviour.
type Options struct {
	// Timeout is the default per-request timeout. Default: 2s.
	Timeout time.Duration

	// Observer receives round-trip samples. May be nil.
	Observer Observer
}

// New creates a client for the module at target.
func New(tp transport.Transport, target uint16, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Client{
		tp:       tp,
		target:   target,
		timeout:  opts.Timeout,
		observer: opts.Observer,
		logger:   logger,
	}
}

// Target returns the module address this client talks to.
func (c *Client) Target() uint16 { return c.target }

// Request frames service and payload, performs one round trip, and returns
// the positive-response payload with the leading service byte stripped.
//
// Reply classification:
//   - empty reply                     → ErrEmptyResponse
//   - leading byte 0x7F               → *NegativeResponseError
//   - leading byte service+0x40       → payload after the leading byte
//   - anything else                   → *InvalidResponseError
func (c *Client) Request(ctx context.Context, service byte, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	frame := make([]byte, 1+len(payload))
	frame[0] = service
	copy(frame[1:], payload)

	start := time.Now()
	reply, err := c.tp.RoundTrip(ctx, c.target, frame, timeout)
	if c.observer != nil {
		c.observer(time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}

	if len(reply) == 0 {
		return nil, ErrEmptyResponse
	}
	switch reply[0] {
	case negativeResponseMarker:
		nerr := &NegativeResponseError{}
		if len(reply) > 1 {
			nerr.Service = reply[1]
		}
		if len(reply) > 2 {
			nerr.Code = reply[2]
		}
		c.logger.Debug("uds: negative response",
			"target", fmt.Sprintf("0x%04X", c.target),
			"service", fmt.Sprintf("0x%02X", nerr.Service),
			"nrc", fmt.Sprintf("0x%02X", nerr.Code),
		)
		return nil, nerr
	case service + positiveOffset:
		return reply[1:], nil
	default:
		return nil, &InvalidResponseError{Service: service, Got: reply[0]}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Convenience services
// ─────────────────────────────────────────────────────────────────────────────

// StartSession switches the module's diagnostic session (service 0x10).
func (c *Client) StartSession(ctx context.Context, sessionType byte) error {
	_, err := c.Request(ctx, ServiceSessionControl, []byte{sessionType}, 0)
	if err != nil {
		return fmt.Errorf("uds: start session 0x%02X: %w", sessionType, err)
	}
	return nil
}

// ReadDataByID reads the data stored under a 2-byte identifier (service
// 0x22). The identifier echo is validated and stripped.
func (c *Client) ReadDataByID(ctx context.Context, id uint16) ([]byte, error) {
	var did [2]byte
	binary.BigEndian.PutUint16(did[:], id)

	resp, err := c.Request(ctx, ServiceReadDataByID, did[:], 0)
	if err != nil {
		return nil, fmt.Errorf("uds: read 0x%04X: %w", id, err)
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("uds: read 0x%04X: response missing identifier echo", id)
	}
	if echo := binary.BigEndian.Uint16(resp[:2]); echo != id {
		return nil, &UnexpectedIdentifierError{Want: id, Got: echo}
	}
	return resp[2:], nil
}

// WriteDataByID writes data under a 2-byte identifier (service 0x2E).
func (c *Client) WriteDataByID(ctx context.Context, id uint16, data []byte) error {
	payload := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(payload[:2], id)
	copy(payload[2:], data)

	resp, err := c.Request(ctx, ServiceWriteDataByID, payload, 0)
	if err != nil {
		return fmt.Errorf("uds: write 0x%04X: %w", id, err)
	}
	if len(resp) >= 2 {
		if echo := binary.BigEndian.Uint16(resp[:2]); echo != id {
			return &UnexpectedIdentifierError{Want: id, Got: echo}
		}
	}
	return nil
}

// ClearDTCs erases stored trouble codes for the given group mask (service
// 0x14). Use AllDTCGroups to clear everything.
func (c *Client) ClearDTCs(ctx context.Context, group [3]byte) error {
	if _, err := c.Request(ctx, ServiceClearDTC, group[:], 0); err != nil {
		return fmt.Errorf("uds: clear DTCs: %w", err)
	}
	return nil
}

// ReadDTCInformation requests trouble-code records (service 0x19) and returns
// the raw record bytes after the subfunction echo and availability mask.
func (c *Client) ReadDTCInformation(ctx context.Context, subFunction, statusMask byte) ([]byte, error) {
	resp, err := c.Request(ctx, ServiceReadDTCInfo, []byte{subFunction, statusMask}, 0)
	if err != nil {
		return nil, fmt.Errorf("uds: read DTC information: %w", err)
	}
	// Subfunction echo + availability mask precede the records.
	if len(resp) < 2 {
		return nil, nil
	}
	return resp[2:], nil
}

// SecuritySeed requests the security-access seed for level (service 0x27,
// odd subfunction).
func (c *Client) SecuritySeed(ctx context.Context, level byte) ([]byte, error) {
	resp, err := c.Request(ctx, ServiceSecurityAccess, []byte{2*level - 1}, 0)
	if err != nil {
		return nil, fmt.Errorf("uds: security seed level %d: %w", level, err)
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("uds: security seed level %d: response missing subfunction echo", level)
	}
	return resp[1:], nil
}

// SecurityKey submits the computed key for level (service 0x27, even
// subfunction).
func (c *Client) SecurityKey(ctx context.Context, level byte, key []byte) error {
	payload := append([]byte{2 * level}, key...)
	if _, err := c.Request(ctx, ServiceSecurityAccess, payload, 0); err != nil {
		return fmt.Errorf("uds: security key level %d: %w", level, err)
	}
	return nil
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
