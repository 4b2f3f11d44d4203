// Package app assembles the full coding stack: catalog, backup store,
// transport, audit sinks, and the session facade. It owns startup ordering
// and shutdown ordering; nothing else in the repository wires components
// together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bimmercode/ecucoder/pkg/ecucoder/audit"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/backup"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/config"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/security"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/session"
	"github.com/bimmercode/ecucoder/transport"
	"github.com/bimmercode/ecucoder/transport/doip"
	"github.com/bimmercode/ecucoder/transport/sim"
)

// demoVIN identifies the simulated vehicle in -sim mode.
const demoVIN = "WBADEMO0000000001"

// didVIN is the data identifier answering VIN reads on the gateway.
const didVIN = 0xF190

// ─────────────────────────────────────────────────────────────────────────────
// Config
// ─────────────────────────────────────────────────────────────────────────────

// Config carries everything the App needs to build the stack. Zero-value
// fields fall back to documented defaults.
type Config struct {
	// ConfigPaths locates the YAML catalog directories.
	ConfigPaths config.Paths

	// BackupDBPath is the bbolt file holding coding backups.
	// Default: "ecucoder.db".
	BackupDBPath string

	// Sim replaces the DoIP transport with an in-process simulated vehicle
	// seeded from the catalog. The gateway answers VIN reads and one ECU is
	// registered per catalog module.
	Sim bool

	// DoIPHost and DoIPPort address the vehicle gateway. Defaults are the
	// ENET values (169.254.250.250:6801).
	DoIPHost string
	DoIPPort int

	// SourceAddress is the tester's logical address. Default 0x0E00.
	SourceAddress uint16

	// GatewayAddress is the diagnostic address answering identification
	// reads. Default 0x0010.
	GatewayAddress uint16

	// RequestTimeout bounds each diagnostic round trip. Default 2s.
	RequestTimeout time.Duration

	// ScanConcurrency limits parallel probes during module scans. Default 8.
	ScanConcurrency int

	// AuditFilePath, when non-empty, appends every audit entry as a JSON
	// line to this file.
	AuditFilePath string

	// MQTTBroker, when non-empty, publishes every audit entry to this
	// broker on MQTTTopic.
	MQTTBroker string
	MQTTTopic  string

	// Keys computes security-access keys for Unlock. Default: unavailable.
	Keys security.KeyFunc
}

func (c *Config) withDefaults() {
	if c.BackupDBPath == "" {
		c.BackupDBPath = "ecucoder.db"
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// App
// ─────────────────────────────────────────────────────────────────────────────

// App owns the assembled stack. Build it with New, bring it up with Start,
// and tear it down with Stop.
type App struct {
	cfg    Config
	logger *slog.Logger

	catalog   *config.Catalog
	store     *backup.Store
	tp        transport.Transport
	sess      *session.Session
	auditFile *os.File
}

// New creates an unstarted App.
func New(cfg Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	cfg.withDefaults()
	return &App{cfg: cfg, logger: logger}
}

// Session exposes the running session. Valid between Start and Stop.
func (a *App) Session() *session.Session { return a.sess }

// Catalog exposes the loaded catalog. Valid after Start.
func (a *App) Catalog() *config.Catalog { return a.catalog }

// Store exposes the backup store. Valid between Start and Stop.
func (a *App) Store() *backup.Store { return a.store }

// Start loads configuration, opens storage, builds the transport, and opens
// the diagnostic session. On any error it unwinds whatever it already built.
func (a *App) Start(ctx context.Context) error {
	// ── 1. Catalog ───────────────────────────────────────────────────────
	catalog, err := config.Load(a.cfg.ConfigPaths, a.logger)
	if err != nil {
		return fmt.Errorf("app: load catalog: %w", err)
	}
	a.catalog = catalog

	// ── 2. Backup store ──────────────────────────────────────────────────
	store, err := backup.Open(a.cfg.BackupDBPath, a.logger)
	if err != nil {
		return fmt.Errorf("app: open backup store: %w", err)
	}
	a.store = store

	// ── 3. Transport ─────────────────────────────────────────────────────
	if a.cfg.Sim {
		a.tp = a.buildSimGateway()
		a.logger.Info("app: using simulated vehicle", "vin", demoVIN)
	} else {
		a.tp = doip.New(doip.Config{
			Host:          a.cfg.DoIPHost,
			Port:          a.cfg.DoIPPort,
			SourceAddress: a.cfg.SourceAddress,
		}, a.logger)
	}

	// ── 4. Audit sinks ───────────────────────────────────────────────────
	sinks, err := a.buildSinks()
	if err != nil {
		a.unwind()
		return err
	}

	// ── 5. Session ───────────────────────────────────────────────────────
	a.sess = session.New(a.tp, a.catalog, a.store, session.Options{
		GatewayAddress:  a.cfg.GatewayAddress,
		RequestTimeout:  a.cfg.RequestTimeout,
		ScanConcurrency: a.cfg.ScanConcurrency,
		Keys:            a.cfg.Keys,
	}, a.logger, sinks...)

	if err := a.sess.Open(ctx); err != nil {
		a.sess.Close()
		a.unwind()
		return err
	}

	a.logger.Info("app: started",
		"modules", len(a.catalog.Modules),
		"backup_db", a.cfg.BackupDBPath,
		"sim", a.cfg.Sim,
	)
	return nil
}

// Stop tears the stack down in reverse order of Start. Safe to call after a
// failed Start.
func (a *App) Stop() {
	// Session first: sealing the audit log flushes and closes the sinks.
	if a.sess != nil {
		a.sess.Close()
		a.sess = nil
	}
	a.unwind()
	a.logger.Info("app: stopped")
}

// unwind releases resources Start acquired before the session existed.
func (a *App) unwind() {
	if a.auditFile != nil {
		_ = a.auditFile.Close()
		a.auditFile = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("app: closing backup store", "error", err)
		}
		a.store = nil
	}
}

// buildSinks assembles the optional audit fan-out targets.
func (a *App) buildSinks() ([]audit.Sink, error) {
	var sinks []audit.Sink

	if a.cfg.AuditFilePath != "" {
		f, err := os.OpenFile(a.cfg.AuditFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("app: open audit file: %w", err)
		}
		a.auditFile = f
		sinks = append(sinks, audit.NewWriterSink(f, a.logger))
	}

	if a.cfg.MQTTBroker != "" {
		pub, err := audit.NewPublisher(audit.MQTTConfig{
			Broker: a.cfg.MQTTBroker,
			Topic:  a.cfg.MQTTTopic,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: audit publisher: %w", err)
		}
		sinks = append(sinks, pub)
	}

	return sinks, nil
}

// buildSimGateway seeds an in-process vehicle from the catalog: the gateway
// ECU answers VIN reads, and every catalog module gets an ECU with empty
// coding data at its declared identifiers.
func (a *App) buildSimGateway() *sim.Gateway {
	gw := sim.NewGateway()

	gwAddr := a.cfg.GatewayAddress
	if gwAddr == 0 {
		gwAddr = 0x0010
	}
	gateway := sim.NewECU()
	gateway.SetData(didVIN, []byte(demoVIN))
	gw.AddECU(gwAddr, gateway)

	for _, m := range a.catalog.Modules {
		e := sim.NewECU()
		if m.VODataID != 0 {
			e.SetData(m.VODataID, nil)
		}
		if m.FDLDataID != 0 {
			e.SetData(m.FDLDataID, nil)
		}
		e.FDLDataID = m.FDLDataID
		gw.AddECU(m.Address, e)
	}
	return gw
}

// noopWriter discards log output.
type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
