package coding

import (
	"fmt"
	"strings"

	"github.com/bimmercode/ecucoder/models"
)

// PreflightError aborts a transaction before any ECU contact: the safety
// gate rejected the vehicle or environment state. Failures lists every
// violated rule.
type PreflightError struct {
	Failures []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("coding: preflight failed: %s", strings.Join(e.Failures, "; "))
}

// IncompatibleChangeError aborts a transaction before any ECU contact: a
// requested option or parameter is incompatible with the vehicle.
type IncompatibleChangeError struct {
	Code   string
	Reason string
}

func (e *IncompatibleChangeError) Error() string {
	return fmt.Sprintf("coding: incompatible change %q: %s", e.Code, e.Reason)
}

// UnsupportedOperationError aborts a transaction before any ECU contact: the
// module does not declare support for the requested operation.
type UnsupportedOperationError struct {
	Module string
	Op     models.Operation
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("coding: module %s does not support %s", e.Module, e.Op)
}

// BackupError aborts a transaction with the module untouched: the pre-write
// snapshot could not be read or durably stored, so no write was attempted.
type BackupError struct {
	Module string
	Err    error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("coding: backup for module %s failed: %v", e.Module, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// CodingError is a failed write transaction. Restored distinguishes the two
// terminal outcomes:
//
//   - Restored true: the write failed and the backup was written back; the
//     module is in its pre-transaction state but the operation did not
//     happen. RestoreErr is nil.
//   - Restored false: the write failed AND the restore failed; the module
//     may be in an unknown partial state and needs manual intervention.
//     RestoreErr says why the restore failed.
//
// Callers must never conflate the two.
type CodingError struct {
	Module     string
	Err        error
	Restored   bool
	RestoreErr error
}

func (e *CodingError) Error() string {
	if e.Restored {
		return fmt.Sprintf("coding: write to module %s failed (module restored to previous state): %v", e.Module, e.Err)
	}
	return fmt.Sprintf("coding: write to module %s failed AND restore failed, module state unknown, manual intervention required: write: %v; restore: %v", e.Module, e.Err, e.RestoreErr)
}

func (e *CodingError) Unwrap() error { return e.Err }
