// Package sim implements the Transport contract with an in-memory gateway and
// scriptable ECUs. It is the development/demo alternative to the DoIP
// transport and the shared test double for everything above the transport
// boundary: tests configure per-ECU data, negative-response codes, and failure
// injection, then observe the exact write sequence a transaction produced.
package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bimmercode/ecucoder/transport"
)

// ─────────────────────────────────────────────────────────────────────────────
// Gateway
// ─────────────────────────────────────────────────────────────────────────────

// Gateway routes simulated diagnostic messages to registered ECUs. It is safe
// for concurrent use; round trips are serialized like the real transport.
type Gateway struct {
	mu        sync.Mutex
	connected bool
	ecus      map[uint16]*ECU

	// Latency, when non-zero, is added to every round trip.
	Latency time.Duration
}

// NewGateway creates an empty, unconnected gateway.
func NewGateway() *Gateway {
	return &Gateway{ecus: make(map[uint16]*ECU)}
}

// AddECU registers e at the given bus address, replacing any previous ECU.
func (g *Gateway) AddECU(address uint16, e *ECU) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ecus[address] = e
}

// Connect marks the gateway reachable.
func (g *Gateway) Connect(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = true
	return nil
}

// Disconnect marks the gateway unreachable. Idempotent.
func (g *Gateway) Disconnect() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = false
}

// RoundTrip delivers request to the ECU at target. An unknown target or a
// silenced ECU behaves like a real absent module: the call times out.
func (g *Gateway) RoundTrip(ctx context.Context, target uint16, request []byte, _ time.Duration) ([]byte, error) {
	g.mu.Lock()
	if !g.connected {
		g.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	e := g.ecus[target]
	latency := g.Latency
	g.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e == nil || e.Silent {
		return nil, transport.ErrTimeout
	}
	return e.handle(request), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ECU
// ─────────────────────────────────────────────────────────────────────────────

// WriteRecord is one observed write-by-identifier request.
type WriteRecord struct {
	ID   uint16
	Data []byte
}

// ECU is one scriptable module behind the gateway.
//
// Configure the public fields before use; they are read under the ECU mutex
// during handling. The FDL data identifier gets merge semantics: a write whose
// payload is a single "path=value" pair updates that one parameter, any other
// payload replaces the whole parameter document (which is how a restore write
// of a full pre-write snapshot behaves).
type ECU struct {
	mu sync.Mutex

	// DataByID is the identifier-addressed data store.
	DataByID map[uint16][]byte

	// FDLDataID marks the identifier carrying the parameter document.
	FDLDataID uint16

	// DTCRecords is the raw trouble-code payload returned by service 0x19,
	// appended after the subfunction echo and availability mask.
	DTCRecords []byte

	// Seed is returned for security-access seed requests.
	Seed []byte

	// AcceptKey validates a submitted security key. nil accepts everything.
	AcceptKey func(level byte, key []byte) bool

	// Silent suppresses all replies (the module "disappears").
	Silent bool

	// EmptyReply answers every request with a zero-length reply.
	EmptyReply bool

	// FailNextWrites makes the next N write-by-identifier requests answer
	// with WriteNRC (or 0x72 when WriteNRC is zero) without touching data.
	FailNextWrites int

	// WriteNRC, when non-zero, is the negative response code used for
	// injected write failures.
	WriteNRC byte

	writes  []WriteRecord
	cleared [][3]byte
}

// NewECU creates an ECU with an empty data store.
func NewECU() *ECU {
	return &ECU{DataByID: make(map[uint16][]byte)}
}

// SetData stores data under id.
func (e *ECU) SetData(id uint16, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DataByID[id] = append([]byte(nil), data...)
}

// Data returns a copy of the bytes stored under id.
func (e *ECU) Data(id uint16) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.DataByID[id]...)
}

// Writes returns the observed write requests in order.
func (e *ECU) Writes() []WriteRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]WriteRecord, len(e.writes))
	copy(out, e.writes)
	return out
}

// ClearedGroups returns the DTC group masks received via service 0x14.
func (e *ECU) ClearedGroups() [][3]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][3]byte, len(e.cleared))
	copy(out, e.cleared)
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Request handling
// ─────────────────────────────────────────────────────────────────────────────

func (e *ECU) handle(req []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.EmptyReply {
		return []byte{}
	}
	if len(req) == 0 {
		return negative(0x00, 0x13)
	}

	sid := req[0]
	switch sid {
	case 0x10: // session control
		if len(req) < 2 {
			return negative(sid, 0x13)
		}
		return []byte{0x50, req[1]}

	case 0x22: // read by identifier
		if len(req) < 3 {
			return negative(sid, 0x13)
		}
		id := binary.BigEndian.Uint16(req[1:3])
		data, ok := e.DataByID[id]
		if !ok {
			return negative(sid, 0x31)
		}
		resp := []byte{0x62, req[1], req[2]}
		return append(resp, data...)

	case 0x2E: // write by identifier
		if len(req) < 3 {
			return negative(sid, 0x13)
		}
		id := binary.BigEndian.Uint16(req[1:3])
		data := append([]byte(nil), req[3:]...)
		e.writes = append(e.writes, WriteRecord{ID: id, Data: data})
		if e.FailNextWrites > 0 {
			e.FailNextWrites--
			nrc := e.WriteNRC
			if nrc == 0 {
				nrc = 0x72
			}
			return negative(sid, nrc)
		}
		e.storeWrite(id, data)
		return []byte{0x6E, req[1], req[2]}

	case 0x14: // clear DTC
		if len(req) < 4 {
			return negative(sid, 0x13)
		}
		e.cleared = append(e.cleared, [3]byte{req[1], req[2], req[3]})
		e.DTCRecords = nil
		return []byte{0x54}

	case 0x19: // read DTC information
		if len(req) < 2 {
			return negative(sid, 0x13)
		}
		resp := []byte{0x59, req[1], 0xFF}
		return append(resp, e.DTCRecords...)

	case 0x27: // security access
		if len(req) < 2 {
			return negative(sid, 0x13)
		}
		sub := req[1]
		if sub%2 == 1 { // seed request
			resp := []byte{0x67, sub}
			return append(resp, e.Seed...)
		}
		if e.AcceptKey == nil || e.AcceptKey(sub/2, req[2:]) {
			return []byte{0x67, sub}
		}
		return negative(sid, 0x35)

	default:
		return negative(sid, 0x11)
	}
}

// storeWrite applies merge semantics on the FDL identifier and plain
// replacement everywhere else.
func (e *ECU) storeWrite(id uint16, data []byte) {
	if id == e.FDLDataID && e.FDLDataID != 0 {
		pair := string(data)
		if k, v, ok := strings.Cut(pair, "="); ok && !strings.Contains(pair, "\n") {
			e.DataByID[id] = mergeFDL(e.DataByID[id], k, v)
			return
		}
	}
	e.DataByID[id] = data
}

// mergeFDL updates one path=value pair within a newline-separated document,
// keeping the remaining pairs and their order stable.
func mergeFDL(doc []byte, path, value string) []byte {
	lines := []string{}
	if len(doc) > 0 {
		lines = strings.Split(string(doc), "\n")
	}
	replaced := false
	for i, line := range lines {
		if k, _, ok := strings.Cut(line, "="); ok && k == path {
			lines[i] = path + "=" + value
			replaced = true
		}
	}
	if !replaced {
		lines = append(lines, path+"="+value)
	}
	return []byte(strings.Join(lines, "\n"))
}

func negative(sid, nrc byte) []byte {
	return []byte{0x7F, sid, nrc}
}

// String implements fmt.Stringer for test diagnostics.
func (w WriteRecord) String() string {
	return fmt.Sprintf("0x%04X=%q", w.ID, w.Data)
}
