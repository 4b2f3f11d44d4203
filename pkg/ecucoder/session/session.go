// Package session ties the layers together into one vehicle diagnostic
// session: connect, identify, scan modules, read and clear trouble codes,
// read coding data, and run guarded coding transactions. One Session maps
// to one transport connection; diagnostic requests on it are sequential.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/errgroup"

	"github.com/bimmercode/ecucoder/models"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/audit"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/backup"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/coding"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/config"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/preflight"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/security"
	"github.com/bimmercode/ecucoder/transport"
	"github.com/bimmercode/ecucoder/uds"
	"github.com/bimmercode/ecucoder/uds/dtc"
)

// DID of the vehicle identification number.
const didVIN = 0xF190

// reportDTCByStatusMask is the read-DTC subfunction the session uses.
const reportDTCByStatusMask = 0x02

// Options configures a Session.
type Options struct {
	// GatewayAddress answers identification reads (VIN). Default 0x0010.
	GatewayAddress uint16

	// RequestTimeout bounds each diagnostic round trip. Default 2s.
	RequestTimeout time.Duration

	// ScanConcurrency limits parallel probes during ScanModules. Default 8.
	ScanConcurrency int

	// CacheTTL bounds how long identification reads are cached. Default 5m.
	CacheTTL time.Duration

	// Keys computes security-access keys. Default security.Unavailable.
	Keys security.KeyFunc
}

func (o Options) withDefaults() Options {
	if o.GatewayAddress == 0 {
		o.GatewayAddress = 0x0010
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Second
	}
	if o.ScanConcurrency <= 0 {
		o.ScanConcurrency = 8
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.Keys == nil {
		o.Keys = security.Unavailable
	}
	return o
}

// Session is one diagnostic connection to one vehicle.
type Session struct {
	tp      transport.Transport
	catalog *config.Catalog
	store   *backup.Store
	log     *audit.Log
	orch    *coding.Orchestrator
	opts    Options
	monitor *Monitor
	cache   *ttlcache.Cache[uint32, []byte]
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[uint16]*uds.Client
}

// New assembles a session over the given transport and catalog. The audit
// log is created here and sealed by Close; callers pass sinks through.
func New(tp transport.Transport, catalog *config.Catalog, store *backup.Store, opts Options, logger *slog.Logger, sinks ...audit.Sink) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	opts = opts.withDefaults()

	log := audit.NewLog(logger, sinks...)
	cache := ttlcache.New[uint32, []byte](
		ttlcache.WithTTL[uint32, []byte](opts.CacheTTL),
	)
	go cache.Start()

	return &Session{
		tp:      tp,
		catalog: catalog,
		store:   store,
		log:     log,
		orch:    coding.New(store, log, catalog.Rules, logger),
		opts:    opts,
		monitor: NewMonitor(),
		cache:   cache,
		logger:  logger,
		clients: make(map[uint16]*uds.Client),
	}
}

// Open connects the transport and records the session start.
func (s *Session) Open(ctx context.Context) error {
	if err := s.tp.Connect(ctx); err != nil {
		s.append(models.AuditConnect, false, "connect failed", map[string]string{"error": err.Error()})
		return fmt.Errorf("session: connect: %w", err)
	}
	s.append(models.AuditConnect, true, "session opened", nil)
	return nil
}

// Close seals the audit log and disconnects. Safe to call once.
func (s *Session) Close() {
	s.append(models.AuditDisconnect, true, "session closed", nil)
	s.log.Seal()
	s.cache.Stop()
	s.tp.Disconnect()
}

// Audit exposes the session's audit log for querying and for sinks.
func (s *Session) Audit() *audit.Log { return s.log }

// LinkQuality reports the measured link quality over recent round trips.
func (s *Session) LinkQuality() models.LinkQuality { return s.monitor.Snapshot() }

// client returns the cached diagnostic client for a module address.
func (s *Session) client(addr uint16) *uds.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[addr]
	if !ok {
		c = uds.New(s.tp, addr, uds.Options{
			Timeout:  s.opts.RequestTimeout,
			Observer: s.monitor.Observe,
		}, s.logger)
		s.clients[addr] = c
	}
	return c
}

func cacheKey(addr, did uint16) uint32 {
	return uint32(addr)<<16 | uint32(did)
}

// ─────────────────────────────────────────────────────────────────────────────
// Identification
// ─────────────────────────────────────────────────────────────────────────────

// ReadVIN reads the vehicle identification number from the gateway.
// Repeated calls within the cache TTL do not re-query the vehicle.
func (s *Session) ReadVIN(ctx context.Context) (string, error) {
	key := cacheKey(s.opts.GatewayAddress, didVIN)
	if item := s.cache.Get(key); item != nil {
		return string(item.Value()), nil
	}

	raw, err := s.client(s.opts.GatewayAddress).ReadDataByID(ctx, didVIN)
	if err != nil {
		s.append(models.AuditReadVIN, false, "VIN read failed", map[string]string{"error": err.Error()})
		return "", fmt.Errorf("session: read VIN: %w", err)
	}
	vin := string(raw)
	s.cache.Set(key, raw, ttlcache.DefaultTTL)
	s.append(models.AuditReadVIN, true, "read VIN", map[string]string{"vin": vin})
	return vin, nil
}

// ScanModules probes every catalog module and returns those that respond,
// sorted by name. Probes are reads only and run concurrently; the transport
// serializes the actual round trips.
func (s *Session) ScanModules(ctx context.Context) ([]models.Module, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ScanConcurrency)

	var mu sync.Mutex
	var found []models.Module

	for _, m := range s.catalog.Modules {
		m := m
		g.Go(func() error {
			if err := s.client(m.Address).StartSession(ctx, uds.SessionDefault); err != nil {
				s.logger.Debug("session: module did not respond", "module", m.Name, "error", err.Error())
				return nil // absence is not an error
			}
			mu.Lock()
			found = append(found, m)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("session: module scan: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	s.append(models.AuditModuleScan, true, fmt.Sprintf("scan found %d of %d modules", len(found), len(s.catalog.Modules)), map[string]string{
		"found": fmt.Sprintf("%d", len(found)),
	})
	return found, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Trouble codes
// ─────────────────────────────────────────────────────────────────────────────

// ReadDTCs reads and decodes the module's stored trouble codes.
func (s *Session) ReadDTCs(ctx context.Context, module models.Module) ([]models.DTC, error) {
	if !module.Supports(models.OpReadDTC) {
		return nil, &coding.UnsupportedOperationError{Module: module.Name, Op: models.OpReadDTC}
	}
	records, err := s.client(module.Address).ReadDTCInformation(ctx, reportDTCByStatusMask, 0xFF)
	if err != nil {
		s.append(models.AuditReadDTC, false, "DTC read failed", map[string]string{"module": module.Name, "error": err.Error()})
		return nil, fmt.Errorf("session: read DTCs from %s: %w", module.Name, err)
	}
	codes := dtc.Parse(records, s.catalog.DTCDescriptions)
	s.append(models.AuditReadDTC, true, fmt.Sprintf("read %d DTC(s) from %s", len(codes), module.Name), map[string]string{
		"module": module.Name,
		"count":  fmt.Sprintf("%d", len(codes)),
	})
	return codes, nil
}

// ClearDTCs erases all trouble-code groups on the module.
func (s *Session) ClearDTCs(ctx context.Context, module models.Module) error {
	if !module.Supports(models.OpClearDTC) {
		return &coding.UnsupportedOperationError{Module: module.Name, Op: models.OpClearDTC}
	}
	if err := s.client(module.Address).ClearDTCs(ctx, uds.AllDTCGroups); err != nil {
		s.append(models.AuditClearDTC, false, "DTC clear failed", map[string]string{"module": module.Name, "error": err.Error()})
		return fmt.Errorf("session: clear DTCs on %s: %w", module.Name, err)
	}
	s.append(models.AuditClearDTC, true, fmt.Sprintf("cleared DTCs on %s", module.Name), map[string]string{"module": module.Name})
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Coding data reads
// ─────────────────────────────────────────────────────────────────────────────

// ReadVO reads the module's vehicle-order option list, enriched with
// catalog descriptions.
func (s *Session) ReadVO(ctx context.Context, module models.Module) ([]models.VOEntry, error) {
	if !module.Supports(models.OpReadVO) {
		return nil, &coding.UnsupportedOperationError{Module: module.Name, Op: models.OpReadVO}
	}
	raw, err := s.client(module.Address).ReadDataByID(ctx, module.VODataID)
	if err != nil {
		s.append(models.AuditReadVO, false, "VO read failed", map[string]string{"module": module.Name, "error": err.Error()})
		return nil, fmt.Errorf("session: read VO from %s: %w", module.Name, err)
	}
	entries := coding.ParseVO(raw)
	for i, e := range entries {
		if rule, ok := s.catalog.Rules.Option(e.Code); ok {
			entries[i].Description = rule.Description
		}
	}
	s.append(models.AuditReadVO, true, fmt.Sprintf("read %d option(s) from %s", len(entries), module.Name), map[string]string{
		"module": module.Name,
		"count":  fmt.Sprintf("%d", len(entries)),
	})
	return entries, nil
}

// ReadFDL reads the module's function-data document as a path→value map.
func (s *Session) ReadFDL(ctx context.Context, module models.Module) (map[string]string, error) {
	if !module.Supports(models.OpReadFDL) {
		return nil, &coding.UnsupportedOperationError{Module: module.Name, Op: models.OpReadFDL}
	}
	raw, err := s.client(module.Address).ReadDataByID(ctx, module.FDLDataID)
	if err != nil {
		s.append(models.AuditReadFDL, false, "FDL read failed", map[string]string{"module": module.Name, "error": err.Error()})
		return nil, fmt.Errorf("session: read FDL from %s: %w", module.Name, err)
	}
	doc := coding.ParseFDLDocument(raw)
	s.append(models.AuditReadFDL, true, fmt.Sprintf("read %d parameter(s) from %s", len(doc), module.Name), map[string]string{
		"module": module.Name,
		"count":  fmt.Sprintf("%d", len(doc)),
	})
	return doc, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Security access
// ─────────────────────────────────────────────────────────────────────────────

// Unlock switches the module into the extended diagnostic session and runs
// the seed/key exchange at the given access level through the injected key
// function. Without a licensed algorithm this fails with
// security.ErrUnavailable before any key is sent.
func (s *Session) Unlock(ctx context.Context, module models.Module, level byte) error {
	c := s.client(module.Address)
	if err := c.StartSession(ctx, uds.SessionExtended); err != nil {
		return fmt.Errorf("session: unlock %s: %w", module.Name, err)
	}
	seed, err := c.SecuritySeed(ctx, level)
	if err != nil {
		return fmt.Errorf("session: unlock %s: %w", module.Name, err)
	}
	key, err := s.opts.Keys(seed, module.Address, level)
	if err != nil {
		return fmt.Errorf("session: unlock %s: %w", module.Name, err)
	}
	if err := c.SecurityKey(ctx, level, key); err != nil {
		return fmt.Errorf("session: unlock %s: %w", module.Name, err)
	}
	s.logger.Info("session: module unlocked", "module", module.Name, "level", level)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Coding transactions
// ─────────────────────────────────────────────────────────────────────────────

// CodeVO runs a guarded vehicle-order transaction against the module named
// in the request. The cached identification reads are dropped afterwards.
func (s *Session) CodeVO(ctx context.Context, req coding.VORequest) (*coding.Result, error) {
	defer s.cache.DeleteAll()
	return s.orch.ApplyVO(ctx, s.client(req.Module.Address), req)
}

// CodeFDL runs a guarded function-data transaction against the module named
// in the request.
func (s *Session) CodeFDL(ctx context.Context, req coding.FDLRequest) (*coding.Result, error) {
	defer s.cache.DeleteAll()
	return s.orch.ApplyFDL(ctx, s.client(req.Module.Address), req)
}

// Preflight evaluates the safety gate standalone, with the has-backup rule
// answered from the backup store. Useful for a dry-run before coding.
func (s *Session) Preflight(vehicle *models.Vehicle, module models.Module, cond coding.Conditions) preflight.Result {
	hasBackup := false
	if _, err := s.store.Latest(vehicle.VIN, module.Name); err == nil {
		hasBackup = true
	}
	return preflight.Check(preflight.Input{
		ChargerConnected: cond.ChargerConnected,
		Link:             cond.Link,
		Ignition:         cond.Ignition,
		BatteryVoltage:   cond.BatteryVoltage,
		Chassis:          vehicle.Chassis,
		SupportedChassis: module.SupportedChassis,
		HasBackup:        hasBackup,
	})
}

func (s *Session) append(typ models.AuditType, success bool, desc string, details map[string]string) {
	if err := s.log.Append(models.AuditEntry{
		Type:        typ,
		Description: desc,
		Success:     success,
		Details:     details,
	}); err != nil {
		s.logger.Warn("session: audit append failed", "error", err.Error())
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
