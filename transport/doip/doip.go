// Package doip implements the Transport contract over DoIP (Diagnostics over
// IP), the routed TCP envelope spoken by the vehicle gateway.
//
// Frame layout (big-endian throughout):
//
//	byte 0    protocol version (0x02)
//	byte 1    inverse version  (0xFD)
//	bytes 2-3 payload type
//	bytes 4-7 payload length
//	bytes 8+  payload
//
// Payload types used here:
//
//	0x0005 routing activation request:  SA(2) + activation type(1) + reserved(4)
//	0x0006 routing activation response: code 0x10 = success
//	0x8001 diagnostic message:          SA(2) + TA(2) + UDS bytes
//	0x8002 diagnostic message positive ACK (skipped while waiting for 0x8001)
//	0x8003 diagnostic message negative ACK
package doip

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/bimmercode/ecucoder/transport"
)

// ─────────────────────────────────────────────────────────────────────────────
// Wire constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	protocolVersion = 0x02
	inverseVersion  = 0xFD

	payloadRoutingActivationReq  = 0x0005
	payloadRoutingActivationResp = 0x0006
	payloadDiagnosticMessage     = 0x8001
	payloadDiagnosticPositiveACK = 0x8002
	payloadDiagnosticNegativeACK = 0x8003

	routingActivationSuccess = 0x10

	headerLen = 8
)

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config controls the DoIP connection. Zero-value fields fall back to the
// documented ENET defaults.
type Config struct {
	// Host is the gateway address. Default: "169.254.250.250" (ENET staticIP).
	Host string

	// Port is the gateway TCP port. Default: 6801. The ZGM DoIP variant
	// listens on 13400.
	Port int

	// SourceAddress is the tester's logical address. Default: 0x0E00.
	SourceAddress uint16

	// ConnectTimeout bounds the TCP dial plus routing activation exchange.
	// Default: 10s.
	ConnectTimeout time.Duration

	// ConnectAttempts is how many times Connect retries dial + activation.
	// Default: 3.
	ConnectAttempts int

	// ConnectDelay is the fixed delay between connect attempts. Default: 1s.
	ConnectDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.Host == "" {
		c.Host = "169.254.250.250"
	}
	if c.Port == 0 {
		c.Port = 6801
	}
	if c.SourceAddress == 0 {
		c.SourceAddress = 0x0E00
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.ConnectDelay <= 0 {
		c.ConnectDelay = time.Second
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Client
// ─────────────────────────────────────────────────────────────────────────────

// Client is the production Transport speaking DoIP over a single TCP
// connection. It serializes round trips with a mutex: the diagnostic protocol
// is not multiplexed and the gateway cannot interleave requests.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// New constructs an unconnected Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg.withDefaults()
	return &Client{cfg: cfg, logger: logger}
}

// Connect dials the gateway and performs routing activation. The dial and
// activation exchange are retried up to ConnectAttempts times; an activation
// rejected by the gateway with a response code is not retried, because the
// gateway has answered deliberately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	err := retry.Do(
		func() error { return c.dialAndActivate(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.ConnectAttempts)),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(c.cfg.ConnectDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("doip: connect %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}
	c.logger.Info("doip: connected",
		"gateway", c.cfg.Host,
		"port", c.cfg.Port,
		"source_address", fmt.Sprintf("0x%04X", c.cfg.SourceAddress),
	)
	return nil
}

func (c *Client) dialAndActivate(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := c.activateRouting(conn); err != nil {
		_ = conn.Close()
		return err
	}
	c.conn = conn
	return nil
}

// activateRouting sends the routing activation request and validates the
// gateway's answer.
func (c *Client) activateRouting(conn net.Conn) error {
	payload := make([]byte, 7)
	binary.BigEndian.PutUint16(payload[0:2], c.cfg.SourceAddress)
	payload[2] = 0x00 // default activation type
	// bytes 3-6 reserved, zero

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if err := writeFrame(conn, payloadRoutingActivationReq, payload, deadline); err != nil {
		return fmt.Errorf("routing activation send: %w", err)
	}

	ptype, resp, err := readFrame(conn, deadline)
	if err != nil {
		return fmt.Errorf("routing activation read: %w", err)
	}
	if ptype != payloadRoutingActivationResp {
		return retry.Unrecoverable(fmt.Errorf("%w: routing activation answered with payload type 0x%04X",
			transport.ErrInvalidResponse, ptype))
	}
	// Response payload: tester SA(2) + gateway SA(2) + response code(1) + ...
	if len(resp) < 5 {
		return retry.Unrecoverable(fmt.Errorf("%w: short routing activation response (%d bytes)",
			transport.ErrInvalidResponse, len(resp)))
	}
	if code := resp[4]; code != routingActivationSuccess {
		return retry.Unrecoverable(fmt.Errorf("doip: routing activation refused, code 0x%02X", code))
	}
	return nil
}

// Disconnect closes the connection. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.logger.Info("doip: disconnected", "gateway", c.cfg.Host)
	}
}

// RoundTrip wraps request in a diagnostic message to target and waits for the
// matching diagnostic reply. Diagnostic ACK frames (0x8002) from the gateway
// are consumed while waiting; a negative ACK (0x8003) fails the call.
func (c *Client) RoundTrip(ctx context.Context, target uint16, request []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, transport.ErrNotConnected
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	payload := make([]byte, 4+len(request))
	binary.BigEndian.PutUint16(payload[0:2], c.cfg.SourceAddress)
	binary.BigEndian.PutUint16(payload[2:4], target)
	copy(payload[4:], request)

	if err := writeFrame(c.conn, payloadDiagnosticMessage, payload, deadline); err != nil {
		return nil, c.failed(fmt.Errorf("doip: send to 0x%04X: %w", target, err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ptype, resp, err := readFrame(c.conn, deadline)
		if err != nil {
			return nil, c.failed(fmt.Errorf("doip: reply from 0x%04X: %w", target, err))
		}
		switch ptype {
		case payloadDiagnosticPositiveACK:
			continue
		case payloadDiagnosticNegativeACK:
			return nil, fmt.Errorf("doip: gateway rejected diagnostic message to 0x%04X", target)
		case payloadDiagnosticMessage:
			if len(resp) < 4 {
				return nil, fmt.Errorf("%w: diagnostic reply shorter than address header", transport.ErrInvalidResponse)
			}
			return resp[4:], nil
		default:
			return nil, fmt.Errorf("%w: unexpected payload type 0x%04X", transport.ErrInvalidResponse, ptype)
		}
	}
}

// failed tears the connection down after an I/O error so the next RoundTrip
// reports ErrNotConnected instead of reusing a broken socket.
func (c *Client) failed(err error) error {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return err
}

// ─────────────────────────────────────────────────────────────────────────────
// Frame I/O
// ─────────────────────────────────────────────────────────────────────────────

func writeFrame(conn net.Conn, payloadType uint16, payload []byte, deadline time.Time) error {
	frame := make([]byte, headerLen+len(payload))
	frame[0] = protocolVersion
	frame[1] = inverseVersion
	binary.BigEndian.PutUint16(frame[2:4], payloadType)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[headerLen:], payload)

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := conn.Write(frame); err != nil {
		if isTimeout(err) {
			return transport.ErrTimeout
		}
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func readFrame(conn net.Conn, deadline time.Time) (uint16, []byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		if isTimeout(err) {
			return 0, nil, transport.ErrTimeout
		}
		return 0, nil, fmt.Errorf("read header: %w", err)
	}
	if header[0] != protocolVersion || header[1] != inverseVersion {
		return 0, nil, fmt.Errorf("%w: bad version bytes %02X %02X",
			transport.ErrInvalidResponse, header[0], header[1])
	}

	ptype := binary.BigEndian.Uint16(header[2:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if length > 1<<20 {
		return 0, nil, fmt.Errorf("%w: implausible payload length %d", transport.ErrInvalidResponse, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		if isTimeout(err) {
			return 0, nil, transport.ErrTimeout
		}
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}
	return ptype, payload, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
