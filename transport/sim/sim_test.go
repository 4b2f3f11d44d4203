package sim_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bimmercode/ecucoder/transport"
	"github.com/bimmercode/ecucoder/transport/sim"
)

func roundTrip(t *testing.T, gw *sim.Gateway, target uint16, req []byte) []byte {
	t.Helper()
	resp, err := gw.RoundTrip(context.Background(), target, req, time.Second)
	if err != nil {
		t.Fatalf("RoundTrip % X: %v", req, err)
	}
	return resp
}

func TestUnknownAddressTimesOut(t *testing.T) {
	gw := sim.NewGateway()
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := gw.RoundTrip(context.Background(), 0x0099, []byte{0x10, 0x01}, time.Second)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("error %v, want ErrTimeout for an unregistered address", err)
	}
}

func TestFDLWritesMergeIntoDocument(t *testing.T) {
	e := sim.NewECU()
	e.FDLDataID = 0x3001
	e.SetData(0x3001, []byte("A=1\nB=2"))

	gw := sim.NewGateway()
	gw.AddECU(0x0063, e)
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A single pair updates in place; a new path appends.
	roundTrip(t, gw, 0x0063, append([]byte{0x2E, 0x30, 0x01}, "B=9"...))
	roundTrip(t, gw, 0x0063, append([]byte{0x2E, 0x30, 0x01}, "C=3"...))
	if got := e.Data(0x3001); !bytes.Equal(got, []byte("A=1\nB=9\nC=3")) {
		t.Fatalf("document after merges: %q", got)
	}

	// A multi-line payload replaces the document wholesale, which is how a
	// snapshot restore behaves.
	roundTrip(t, gw, 0x0063, append([]byte{0x2E, 0x30, 0x01}, "A=1\nB=2"...))
	if got := e.Data(0x3001); !bytes.Equal(got, []byte("A=1\nB=2")) {
		t.Fatalf("document after restore write: %q", got)
	}
}

func TestInjectedWriteFailureLeavesDataUntouched(t *testing.T) {
	e := sim.NewECU()
	e.SetData(0x3000, []byte("423"))
	e.FailNextWrites = 1
	e.WriteNRC = 0x33

	gw := sim.NewGateway()
	gw.AddECU(0x0063, e)
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp := roundTrip(t, gw, 0x0063, append([]byte{0x2E, 0x30, 0x00}, "6AC"...))
	if !bytes.Equal(resp, []byte{0x7F, 0x2E, 0x33}) {
		t.Fatalf("injected failure answered % X", resp)
	}
	if got := e.Data(0x3000); !bytes.Equal(got, []byte("423")) {
		t.Fatalf("data mutated by failed write: %q", got)
	}

	// The failure is one-shot and the attempt is still on the write log.
	resp = roundTrip(t, gw, 0x0063, append([]byte{0x2E, 0x30, 0x00}, "6AC"...))
	if !bytes.Equal(resp, []byte{0x6E, 0x30, 0x00}) {
		t.Fatalf("second write answered % X", resp)
	}
	if writes := e.Writes(); len(writes) != 2 {
		t.Fatalf("write log has %d entries, want both attempts", len(writes))
	}
}

func TestSecurityAccessSeedAndKey(t *testing.T) {
	e := sim.NewECU()
	e.Seed = []byte{0xAA, 0x55}
	e.AcceptKey = func(level byte, key []byte) bool {
		return level == 1 && bytes.Equal(key, []byte{0x55, 0xAA})
	}

	gw := sim.NewGateway()
	gw.AddECU(0x0063, e)
	if err := gw.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	resp := roundTrip(t, gw, 0x0063, []byte{0x27, 0x01})
	if !bytes.Equal(resp, []byte{0x67, 0x01, 0xAA, 0x55}) {
		t.Fatalf("seed reply % X", resp)
	}

	resp = roundTrip(t, gw, 0x0063, []byte{0x27, 0x02, 0x55, 0xAA})
	if !bytes.Equal(resp, []byte{0x67, 0x02}) {
		t.Fatalf("key accept reply % X", resp)
	}

	resp = roundTrip(t, gw, 0x0063, []byte{0x27, 0x02, 0x00, 0x00})
	if !bytes.Equal(resp, []byte{0x7F, 0x27, 0x35}) {
		t.Fatalf("wrong key reply % X", resp)
	}
}
