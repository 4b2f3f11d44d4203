package coding

import "fmt"

// State is a coding transaction's position in the write state machine.
//
//	Idle → Preflighting → Validating → BackingUp → Writing
//	    → Verifying → Committed
//	    → RollingBack → RolledBack | RollbackFailed
type State int

const (
	Idle State = iota
	Preflighting
	Validating
	BackingUp
	Writing
	Verifying
	Committed
	RollingBack
	RolledBack
	RollbackFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preflighting:
		return "preflighting"
	case Validating:
		return "validating"
	case BackingUp:
		return "backingUp"
	case Writing:
		return "writing"
	case Verifying:
		return "verifying"
	case Committed:
		return "committed"
	case RollingBack:
		return "rollingBack"
	case RolledBack:
		return "rolledBack"
	case RollbackFailed:
		return "rollbackFailed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
