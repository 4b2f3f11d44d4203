// Package coding implements the guarded write transactions for vehicle-order
// and function-data coding. Both run the same state machine:
//
//	Idle → Preflighting → Validating → BackingUp → Writing
//	    → Verifying → Committed
//	    → RollingBack → RolledBack | RollbackFailed
//
// The ordering invariant the whole safety model rests on: no write request
// is ever sent to a module without a verified backup already durably stored
// for that module. Any error during Writing, including caller cancellation,
// triggers a restore from that backup.
package coding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bimmercode/ecucoder/models"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/audit"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/backup"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/preflight"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/validate"
)

// DataClient is the slice of the diagnostic client the orchestrator needs:
// one read and one write per data identifier on a fixed target module.
type DataClient interface {
	Target() uint16
	ReadDataByID(ctx context.Context, id uint16) ([]byte, error)
	WriteDataByID(ctx context.Context, id uint16, data []byte) error
}

// Conditions carries the measured environment state fed to the safety gate.
type Conditions struct {
	ChargerConnected bool
	Link             models.LinkQuality
	Ignition         preflight.Ignition
	BatteryVoltage   float64
}

// Request is the common input of both transaction kinds.
type Request struct {
	Vehicle    *models.Vehicle
	Module     models.Module
	Conditions Conditions

	// SkipPreflight bypasses the safety gate. For bench setups only.
	SkipPreflight bool

	// SkipVerify disables the post-write read-back comparison, accepting
	// a positive protocol response as sufficient proof of success.
	SkipVerify bool
}

// VORequest asks for a vehicle-order delta to be applied.
type VORequest struct {
	Request
	Change models.VOChange
}

// FDLRequest asks for parameter changes to be written, in caller order.
type FDLRequest struct {
	Request
	Changes []models.FDLChange
}

// Result reports a committed transaction.
type Result struct {
	// Backup is the pre-write snapshot stored before the first write.
	Backup *models.BackupPayload

	// Warnings are validation outcomes that did not abort the transaction.
	Warnings []validate.Result

	// FinalOptions is the merged option set written (VO transactions).
	FinalOptions []models.VOEntry

	// Written is the number of parameter writes issued (FDL transactions).
	Written int
}

// Orchestrator runs coding transactions. Transactions against the same
// module are serialized by a per-module lock; different modules proceed
// independently.
type Orchestrator struct {
	store  *backup.Store
	log    *audit.Log
	rules  *validate.Ruleset
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uint16]*sync.Mutex
}

// New creates an orchestrator over the given backup store, audit log, and
// validation ruleset.
func New(store *backup.Store, log *audit.Log, rules *validate.Ruleset, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &Orchestrator{
		store:  store,
		log:    log,
		rules:  rules,
		logger: logger,
		locks:  make(map[uint16]*sync.Mutex),
	}
}

// moduleLock returns the mutex serializing transactions for one bus address.
func (o *Orchestrator) moduleLock(addr uint16) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		o.locks[addr] = l
	}
	return l
}

// tx tracks one transaction's position in the state machine.
type tx struct {
	state  State
	module string
	logger *slog.Logger
}

func (t *tx) to(next State) {
	t.logger.Debug("coding: state transition",
		"module", t.module,
		"from", t.state.String(),
		"to", next.String(),
	)
	t.state = next
}

// ─────────────────────────────────────────────────────────────────────────────
// VO coding
// ─────────────────────────────────────────────────────────────────────────────

// ApplyVO runs one vehicle-order coding transaction: read the current option
// list, back it up, write the merged set, verify, or restore on failure.
func (o *Orchestrator) ApplyVO(ctx context.Context, client DataClient, req VORequest) (*Result, error) {
	lock := o.moduleLock(req.Module.Address)
	lock.Lock()
	defer lock.Unlock()

	t := &tx{state: Idle, module: req.Module.Name, logger: o.logger}

	if err := o.preflight(t, req.Request); err != nil {
		return nil, err
	}

	// Validating.
	t.to(Validating)
	if !req.Module.Supports(models.OpWriteVO) {
		return nil, &UnsupportedOperationError{Module: req.Module.Name, Op: models.OpWriteVO}
	}
	var warnings []validate.Result
	for _, entry := range append(append([]models.VOEntry(nil), req.Change.Add...), req.Change.Remove...) {
		res := o.rules.CheckOption(req.Vehicle, entry.Code)
		switch res.Outcome {
		case validate.Incompatible:
			return nil, &IncompatibleChangeError{Code: res.Code, Reason: res.Reason}
		case validate.Warning:
			o.logger.Warn("coding: validation warning", "code", res.Code, "reason", res.Reason)
			warnings = append(warnings, res)
		}
	}

	// BackingUp.
	t.to(BackingUp)
	payload, current, err := o.takeBackup(ctx, client, req.Request, req.Module.VODataID)
	if err != nil {
		return nil, err
	}

	// Writing.
	t.to(Writing)
	final := req.Change.Apply(ParseVO(current))
	encoded := EncodeVO(final)

	writeErr := client.WriteDataByID(ctx, req.Module.VODataID, encoded)
	if writeErr == nil && !req.SkipVerify {
		t.to(Verifying)
		writeErr = o.verifyRead(ctx, client, req.Module.VODataID, encoded)
	}
	if writeErr != nil {
		return nil, o.rollback(ctx, t, client, req.Request, req.Module.VODataID, payload, writeErr)
	}

	// Committed.
	t.to(Committed)
	o.appendAudit(models.AuditWriteVO, true, fmt.Sprintf("applied VO delta to %s", req.Module.Name), map[string]string{
		"vin":      req.Vehicle.VIN,
		"module":   req.Module.Name,
		"added":    fmt.Sprintf("%d", len(req.Change.Add)),
		"removed":  fmt.Sprintf("%d", len(req.Change.Remove)),
		"checksum": payload.Metadata.Checksum,
	}, warnings)

	return &Result{Backup: payload, Warnings: warnings, FinalOptions: final}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// FDL coding
// ─────────────────────────────────────────────────────────────────────────────

// ApplyFDL runs one function-data coding transaction. Parameter writes are
// issued sequentially in caller order; later writes may depend on earlier
// ones taking effect, so they are never batched or parallelized.
func (o *Orchestrator) ApplyFDL(ctx context.Context, client DataClient, req FDLRequest) (*Result, error) {
	lock := o.moduleLock(req.Module.Address)
	lock.Lock()
	defer lock.Unlock()

	t := &tx{state: Idle, module: req.Module.Name, logger: o.logger}

	if err := o.preflight(t, req.Request); err != nil {
		return nil, err
	}

	// Validating.
	t.to(Validating)
	if !req.Module.Supports(models.OpWriteFDL) {
		return nil, &UnsupportedOperationError{Module: req.Module.Name, Op: models.OpWriteFDL}
	}
	for _, ch := range req.Changes {
		res := o.rules.CheckParameter(req.Vehicle, ch.Parameter.Path, ch.NewValue)
		if res.Outcome == validate.Incompatible {
			return nil, &IncompatibleChangeError{Code: res.Code, Reason: res.Reason}
		}
	}

	// BackingUp.
	t.to(BackingUp)
	payload, _, err := o.takeBackup(ctx, client, req.Request, req.Module.FDLDataID)
	if err != nil {
		return nil, err
	}

	// Writing, one request per parameter.
	t.to(Writing)
	written := 0
	for _, ch := range req.Changes {
		writeErr := client.WriteDataByID(ctx, req.Module.FDLDataID, EncodeFDL(ch))
		if writeErr == nil && !req.SkipVerify {
			t.to(Verifying)
			writeErr = o.verifyFDL(ctx, client, req.Module.FDLDataID, ch)
			t.to(Writing)
		}
		if writeErr != nil {
			return nil, o.rollback(ctx, t, client, req.Request, req.Module.FDLDataID, payload, writeErr)
		}
		written++
	}

	// Committed.
	t.to(Committed)
	o.appendAudit(models.AuditWriteFDL, true, fmt.Sprintf("wrote %d parameter(s) to %s", written, req.Module.Name), map[string]string{
		"vin":      req.Vehicle.VIN,
		"module":   req.Module.Name,
		"written":  fmt.Sprintf("%d", written),
		"checksum": payload.Metadata.Checksum,
	}, nil)

	return &Result{Backup: payload, Written: written}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared phases
// ─────────────────────────────────────────────────────────────────────────────

// preflight runs the safety gate unless the caller opted out. The backup
// rule is satisfied ahead of time: this transaction always stores a backup
// before its first write, and any previously stored backup counts too.
func (o *Orchestrator) preflight(t *tx, req Request) error {
	t.to(Preflighting)
	if req.SkipPreflight {
		o.logger.Warn("coding: preflight skipped by caller", "module", req.Module.Name)
		return nil
	}

	hasBackup := false
	if _, err := o.store.Latest(req.Vehicle.VIN, req.Module.Name); err == nil {
		hasBackup = true
	} else if !errors.Is(err, backup.ErrNotFound) {
		o.logger.Warn("coding: backup lookup failed during preflight", "error", err.Error())
	}

	res := preflight.Check(preflight.Input{
		ChargerConnected: req.Conditions.ChargerConnected,
		Link:             req.Conditions.Link,
		Ignition:         req.Conditions.Ignition,
		BatteryVoltage:   req.Conditions.BatteryVoltage,
		Chassis:          req.Vehicle.Chassis,
		SupportedChassis: req.Module.SupportedChassis,
		HasBackup:        hasBackup,
		WillCreateBackup: true,
	})
	if !res.Passed {
		return &PreflightError{Failures: res.Failures}
	}
	return nil
}

// takeBackup reads the module's current data for the affected identifier and
// persists it. Returns the stored payload and the raw current data.
func (o *Orchestrator) takeBackup(ctx context.Context, client DataClient, req Request, did uint16) (*models.BackupPayload, []byte, error) {
	current, err := client.ReadDataByID(ctx, did)
	if err != nil {
		return nil, nil, &BackupError{Module: req.Module.Name, Err: fmt.Errorf("read current data: %w", err)}
	}
	payload, err := o.store.Create(req.Vehicle, &req.Module, current)
	if err != nil {
		return nil, nil, &BackupError{Module: req.Module.Name, Err: err}
	}
	o.appendAudit(models.AuditBackup, true, fmt.Sprintf("backed up %s before write", req.Module.Name), map[string]string{
		"vin":      req.Vehicle.VIN,
		"module":   req.Module.Name,
		"bytes":    fmt.Sprintf("%d", len(current)),
		"checksum": payload.Metadata.Checksum,
	}, nil)
	return payload, current, nil
}

// verifyRead re-reads the identifier and compares against the intended
// encoding. A mismatch counts as a write failure.
func (o *Orchestrator) verifyRead(ctx context.Context, client DataClient, did uint16, want []byte) error {
	got, err := client.ReadDataByID(ctx, did)
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	if string(got) != string(want) {
		return fmt.Errorf("verify mismatch: module holds %q, wrote %q", got, want)
	}
	return nil
}

// verifyFDL re-reads the function-data document and checks the parameter
// took its new value.
func (o *Orchestrator) verifyFDL(ctx context.Context, client DataClient, did uint16, ch models.FDLChange) error {
	got, err := client.ReadDataByID(ctx, did)
	if err != nil {
		return fmt.Errorf("verify read: %w", err)
	}
	doc := ParseFDLDocument(got)
	if value, ok := doc[ch.Parameter.Path]; !ok || value != ch.NewValue {
		return fmt.Errorf("verify mismatch: parameter %s holds %q, wrote %q", ch.Parameter.Path, value, ch.NewValue)
	}
	return nil
}

// rollback writes the backup payload back to the module after a failed
// write. It runs on a context detached from the caller's cancellation: the
// cancellation that failed the write must not also abort the restore.
func (o *Orchestrator) rollback(ctx context.Context, t *tx, client DataClient, req Request, did uint16, payload *models.BackupPayload, writeErr error) error {
	t.to(RollingBack)
	o.logger.Error("coding: write failed, restoring backup",
		"module", req.Module.Name,
		"error", writeErr.Error(),
	)

	rctx := context.WithoutCancel(ctx)

	data, err := o.store.Restore(payload)
	if err == nil {
		err = client.WriteDataByID(rctx, did, data)
	}
	if err != nil {
		t.to(RollbackFailed)
		o.appendAudit(models.AuditRestore, false, fmt.Sprintf("restore of %s failed, module state unknown", req.Module.Name), map[string]string{
			"vin":    req.Vehicle.VIN,
			"module": req.Module.Name,
			"error":  err.Error(),
		}, nil)
		return &CodingError{Module: req.Module.Name, Err: writeErr, Restored: false, RestoreErr: err}
	}

	t.to(RolledBack)
	o.appendAudit(models.AuditRestore, true, fmt.Sprintf("restored %s to pre-write state", req.Module.Name), map[string]string{
		"vin":      req.Vehicle.VIN,
		"module":   req.Module.Name,
		"checksum": payload.Metadata.Checksum,
	}, nil)
	return &CodingError{Module: req.Module.Name, Err: writeErr, Restored: true}
}

// appendAudit records one entry, folding validation warnings into details.
func (o *Orchestrator) appendAudit(typ models.AuditType, success bool, desc string, details map[string]string, warnings []validate.Result) {
	if o.log == nil {
		return
	}
	for i, w := range warnings {
		details[fmt.Sprintf("warning_%d", i)] = fmt.Sprintf("%s: %s", w.Code, w.Reason)
	}
	if err := o.log.Append(models.AuditEntry{
		Type:        typ,
		Description: desc,
		Success:     success,
		Details:     details,
	}); err != nil {
		o.logger.Warn("coding: audit append failed", "error", err.Error())
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
