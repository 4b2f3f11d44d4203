package session_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/bimmercode/ecucoder/models"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/backup"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/coding"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/config"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/preflight"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/security"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/session"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/validate"
	"github.com/bimmercode/ecucoder/transport/sim"
)

const (
	gatewayAddr = 0x0010
	kombiAddr   = 0x0060
	hkfmAddr    = 0x0063
	voDID       = 0x3000
	fdlDID      = 0x3001
)

const testVIN = "WBA5A7C50FD000001"

type fixture struct {
	gw      *sim.Gateway
	gateway *sim.ECU
	kombi   *sim.ECU
	sess    *session.Session
	store   *backup.Store
}

func testCatalog() *config.Catalog {
	rules := validate.NewRuleset()
	rules.RegisterOption("6AC", validate.OptionRule{Description: "Intelligent emergency call"})
	return &config.Catalog{
		Rules: rules,
		Modules: map[string]models.Module{
			"KOMBI": {
				Name:             "KOMBI",
				Address:          kombiAddr,
				Operations:       []models.Operation{models.OpReadVO, models.OpWriteVO, models.OpReadDTC, models.OpClearDTC, models.OpReadFDL},
				SupportedChassis: []models.Chassis{models.ChassisG},
				VODataID:         voDID,
				FDLDataID:        fdlDID,
			},
			"HKFM": {
				Name:       "HKFM",
				Address:    hkfmAddr,
				Operations: []models.Operation{models.OpReadFDL, models.OpWriteFDL},
			},
		},
		DTCDescriptions: map[string]string{"P0420": "Catalyst system efficiency below threshold"},
	}
}

func newFixture(t *testing.T, opts session.Options) *fixture {
	t.Helper()

	gateway := sim.NewECU()
	gateway.SetData(0xF190, []byte(testVIN))
	kombi := sim.NewECU()

	gw := sim.NewGateway()
	gw.AddECU(gatewayAddr, gateway)
	gw.AddECU(kombiAddr, kombi)
	// hkfmAddr deliberately absent so the scan sees a non-responder.

	store, err := backup.Open(filepath.Join(t.TempDir(), "backups.db"), nil)
	if err != nil {
		t.Fatalf("backup.Open() err = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts.GatewayAddress = gatewayAddr
	sess := session.New(gw, testCatalog(), store, opts, nil)
	if err := sess.Open(context.Background()); err != nil {
		t.Fatalf("Open() err = %v", err)
	}
	t.Cleanup(sess.Close)

	return &fixture{gw: gw, gateway: gateway, kombi: kombi, sess: sess, store: store}
}

func TestReadVINCached(t *testing.T) {
	f := newFixture(t, session.Options{})

	vin, err := f.sess.ReadVIN(context.Background())
	if err != nil {
		t.Fatalf("ReadVIN() err = %v", err)
	}
	if vin != testVIN {
		t.Fatalf("ReadVIN() = %q, want %q", vin, testVIN)
	}

	// A second read is served from cache: wipe the ECU data and read again.
	f.gateway.SetData(0xF190, nil)
	vin, err = f.sess.ReadVIN(context.Background())
	if err != nil {
		t.Fatalf("ReadVIN() cached err = %v", err)
	}
	if vin != testVIN {
		t.Fatalf("cached ReadVIN() = %q, want %q", vin, testVIN)
	}
}

func TestScanModules(t *testing.T) {
	f := newFixture(t, session.Options{})

	found, err := f.sess.ScanModules(context.Background())
	if err != nil {
		t.Fatalf("ScanModules() err = %v", err)
	}
	if len(found) != 1 || found[0].Name != "KOMBI" {
		t.Fatalf("ScanModules() = %v, want [KOMBI]", found)
	}

	scans := f.sess.Audit().EntriesOfType(models.AuditModuleScan)
	if len(scans) != 1 {
		t.Fatalf("moduleScan entries = %d, want 1", len(scans))
	}
}

func TestReadDTCs(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.kombi.DTCRecords = []byte{0x04, 0x20, 0x0F}

	codes, err := f.sess.ReadDTCs(context.Background(), testCatalog().Modules["KOMBI"])
	if err != nil {
		t.Fatalf("ReadDTCs() err = %v", err)
	}
	if len(codes) != 1 {
		t.Fatalf("got %d DTCs, want 1", len(codes))
	}
	if codes[0].Code != "P0420" || !codes[0].Active {
		t.Fatalf("DTC = %+v", codes[0])
	}
	if codes[0].Description != "Catalyst system efficiency below threshold" {
		t.Fatalf("description = %q", codes[0].Description)
	}
}

func TestClearDTCs(t *testing.T) {
	f := newFixture(t, session.Options{})

	if err := f.sess.ClearDTCs(context.Background(), testCatalog().Modules["KOMBI"]); err != nil {
		t.Fatalf("ClearDTCs() err = %v", err)
	}
	if groups := f.kombi.ClearedGroups(); len(groups) != 1 || groups[0] != [3]byte{0xFF, 0xFF, 0xFF} {
		t.Fatalf("cleared groups = %v", groups)
	}
}

func TestClearDTCsUnsupported(t *testing.T) {
	f := newFixture(t, session.Options{})

	err := f.sess.ClearDTCs(context.Background(), testCatalog().Modules["HKFM"])
	var uerr *coding.UnsupportedOperationError
	if !errors.As(err, &uerr) {
		t.Fatalf("ClearDTCs() err = %v, want UnsupportedOperationError", err)
	}
}

func TestReadVOEnrichesDescriptions(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.kombi.SetData(voDID, []byte("423,6AC"))

	entries, err := f.sess.ReadVO(context.Background(), testCatalog().Modules["KOMBI"])
	if err != nil {
		t.Fatalf("ReadVO() err = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[1].Code != "6AC" || entries[1].Description != "Intelligent emergency call" {
		t.Fatalf("entry = %+v, want catalog description", entries[1])
	}
	if entries[0].Description != "" {
		t.Fatalf("unknown code got description %q", entries[0].Description)
	}
}

func TestReadFDL(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.kombi.SetData(fdlDID, []byte("KOMBI.TACHO=mph\nKOMBI.SPRACHE=en"))

	doc, err := f.sess.ReadFDL(context.Background(), testCatalog().Modules["KOMBI"])
	if err != nil {
		t.Fatalf("ReadFDL() err = %v", err)
	}
	if doc["KOMBI.TACHO"] != "mph" || doc["KOMBI.SPRACHE"] != "en" {
		t.Fatalf("doc = %v", doc)
	}
}

func TestUnlock(t *testing.T) {
	keys := func(seed []byte, _ uint16, _ byte) ([]byte, error) {
		// Test algorithm: byte-wise complement of the seed.
		key := make([]byte, len(seed))
		for i, b := range seed {
			key[i] = ^b
		}
		return key, nil
	}

	f := newFixture(t, session.Options{Keys: keys})
	f.kombi.Seed = []byte{0x12, 0x34}
	f.kombi.AcceptKey = func(_ byte, key []byte) bool {
		return bytes.Equal(key, []byte{0xED, 0xCB})
	}

	if err := f.sess.Unlock(context.Background(), testCatalog().Modules["KOMBI"], 1); err != nil {
		t.Fatalf("Unlock() err = %v", err)
	}
}

func TestUnlockWithoutAlgorithmFails(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.kombi.Seed = []byte{0x12, 0x34}

	err := f.sess.Unlock(context.Background(), testCatalog().Modules["KOMBI"], 1)
	if !errors.Is(err, security.ErrUnavailable) {
		t.Fatalf("Unlock() err = %v, want ErrUnavailable", err)
	}
}

func TestCodeVOThroughSession(t *testing.T) {
	f := newFixture(t, session.Options{})
	f.kombi.SetData(voDID, []byte("423"))

	vehicle := &models.Vehicle{VIN: testVIN, Chassis: models.ChassisG}
	res, err := f.sess.CodeVO(context.Background(), coding.VORequest{
		Request: coding.Request{
			Vehicle: vehicle,
			Module:  testCatalog().Modules["KOMBI"],
			Conditions: coding.Conditions{
				ChargerConnected: true,
				Ignition:         preflight.IgnitionOn,
				BatteryVoltage:   13.5,
			},
		},
		Change: models.VOChange{Add: []models.VOEntry{{Code: "6AC"}}},
	})
	if err != nil {
		t.Fatalf("CodeVO() err = %v", err)
	}
	if len(res.FinalOptions) != 2 {
		t.Fatalf("FinalOptions = %v", res.FinalOptions)
	}
	if got := f.kombi.Data(voDID); string(got) != "423,6AC" {
		t.Fatalf("module data = %q", got)
	}
	if backups, _ := f.store.List(testVIN); len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}
}

func TestSessionPreflightUsesStore(t *testing.T) {
	f := newFixture(t, session.Options{})
	vehicle := &models.Vehicle{VIN: testVIN, Chassis: models.ChassisG}
	module := testCatalog().Modules["KOMBI"]
	cond := coding.Conditions{
		ChargerConnected: true,
		Ignition:         preflight.IgnitionOn,
		BatteryVoltage:   13.5,
	}

	res := f.sess.Preflight(vehicle, module, cond)
	if res.Passed {
		t.Fatalf("Preflight() passed with no backup, failures = %v", res.Failures)
	}

	if _, err := f.store.Create(vehicle, &module, []byte("423")); err != nil {
		t.Fatalf("Create() err = %v", err)
	}
	if res := f.sess.Preflight(vehicle, module, cond); !res.Passed {
		t.Fatalf("Preflight() failed with backup present: %v", res.Failures)
	}
}

func TestLinkQualitySampling(t *testing.T) {
	f := newFixture(t, session.Options{})

	if _, err := f.sess.ReadVIN(context.Background()); err != nil {
		t.Fatalf("ReadVIN() err = %v", err)
	}
	// One round trip against a module that does not exist: a timeout sample.
	_, _ = f.sess.ReadDTCs(context.Background(), models.Module{
		Name:       "GHOST",
		Address:    0x00FF,
		Operations: []models.Operation{models.OpReadDTC},
	})

	q := f.sess.LinkQuality()
	if q.PacketLoss <= 0 || q.PacketLoss >= 1 {
		t.Fatalf("PacketLoss = %v, want a fraction in (0,1)", q.PacketLoss)
	}
}
