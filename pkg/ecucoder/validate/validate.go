// Package validate checks option and parameter changes against the static
// compatibility catalog before any write is attempted.
//
// Two independent checks combine into one outcome per entry:
//
//   - chassis support: each code may declare the chassis families it applies
//     to; a vehicle outside the set is incompatible.
//   - revision gating: each code may declare a minimum integration-step
//     triple; a vehicle below it is incompatible. Vehicles with no known
//     revision skip this check.
//
// Option codes absent from the catalog pass with a warning rather than
// failing: the catalog is not exhaustive, and blocking every unlisted code
// would make the tool useless on new option codes. The warning is surfaced
// to the operator and recorded in the audit log. Parameters are stricter:
// an unlisted parameter path is incompatible, because writing an arbitrary
// path with an unchecked value has no safe interpretation.
package validate

import (
	"fmt"
	"slices"

	"github.com/bimmercode/ecucoder/models"
)

// Outcome classifies one checked entry.
type Outcome int

const (
	// Valid entries proceed silently.
	Valid Outcome = iota

	// Warning entries proceed, but the reason must be surfaced to the
	// operator and recorded in the audit log.
	Warning

	// Incompatible entries abort the transaction.
	Incompatible
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Warning:
		return "warning"
	case Incompatible:
		return "incompatible"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of checking one option code or parameter value.
type Result struct {
	Code    string
	Outcome Outcome

	// Reason is empty for Valid results.
	Reason string
}

// OptionRule is the catalog entry for one vehicle-order option code.
type OptionRule struct {
	Description string

	// Chassis lists the chassis families the option applies to. Empty
	// means every chassis.
	Chassis []models.Chassis

	// MinIStep is the minimum integration step required, nil if any.
	MinIStep *models.IStep
}

// ParameterRule is the catalog entry for one function-data parameter path.
type ParameterRule struct {
	Type models.ValueType

	// Allowed lists the accepted serialized values. Empty means any value
	// of the declared type.
	Allowed []string

	Chassis  []models.Chassis
	MinIStep *models.IStep
	Risk     models.RiskLevel
}

// Ruleset holds the registered compatibility rules. Build one through the
// config loader, or register rules directly in tests. A Ruleset is immutable
// after construction and safe for concurrent readers.
type Ruleset struct {
	options    map[string]OptionRule
	parameters map[string]ParameterRule
}

// NewRuleset returns an empty Ruleset.
func NewRuleset() *Ruleset {
	return &Ruleset{
		options:    make(map[string]OptionRule),
		parameters: make(map[string]ParameterRule),
	}
}

// RegisterOption adds or replaces the rule for an option code.
func (r *Ruleset) RegisterOption(code string, rule OptionRule) {
	r.options[code] = rule
}

// RegisterParameter adds or replaces the rule for a parameter path.
func (r *Ruleset) RegisterParameter(path string, rule ParameterRule) {
	r.parameters[path] = rule
}

// Option returns the registered rule for code.
func (r *Ruleset) Option(code string) (OptionRule, bool) {
	rule, ok := r.options[code]
	return rule, ok
}

// Parameter returns the registered rule for path.
func (r *Ruleset) Parameter(path string) (ParameterRule, bool) {
	rule, ok := r.parameters[path]
	return rule, ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Checks
// ─────────────────────────────────────────────────────────────────────────────

// CheckOption evaluates one option code against the vehicle.
func (r *Ruleset) CheckOption(vehicle *models.Vehicle, code string) Result {
	rule, ok := r.options[code]
	if !ok {
		return Result{
			Code:    code,
			Outcome: Warning,
			Reason:  "option not in compatibility catalog",
		}
	}
	if reason := checkChassis(vehicle.Chassis, rule.Chassis); reason != "" {
		return Result{Code: code, Outcome: Incompatible, Reason: reason}
	}
	if reason := checkRevision(vehicle.IStep, rule.MinIStep); reason != "" {
		return Result{Code: code, Outcome: Incompatible, Reason: reason}
	}
	return Result{Code: code, Outcome: Valid}
}

// CheckParameter evaluates one parameter path and its serialized new value
// against the vehicle. Parameters have no warning path: the outcome is
// either Valid or Incompatible.
func (r *Ruleset) CheckParameter(vehicle *models.Vehicle, path, value string) Result {
	rule, ok := r.parameters[path]
	if !ok {
		return Result{
			Code:    path,
			Outcome: Incompatible,
			Reason:  "parameter not in catalog",
		}
	}
	if reason := checkChassis(vehicle.Chassis, rule.Chassis); reason != "" {
		return Result{Code: path, Outcome: Incompatible, Reason: reason}
	}
	if reason := checkRevision(vehicle.IStep, rule.MinIStep); reason != "" {
		return Result{Code: path, Outcome: Incompatible, Reason: reason}
	}
	if len(rule.Allowed) > 0 && !slices.Contains(rule.Allowed, value) {
		return Result{
			Code:    path,
			Outcome: Incompatible,
			Reason:  fmt.Sprintf("value %q not in allowed set", value),
		}
	}
	return Result{Code: path, Outcome: Valid}
}

func checkChassis(have models.Chassis, supported []models.Chassis) string {
	if len(supported) == 0 {
		return ""
	}
	if slices.Contains(supported, have) {
		return ""
	}
	return fmt.Sprintf("not supported on chassis %s", have)
}

func checkRevision(have, min *models.IStep) string {
	if min == nil || have == nil {
		return ""
	}
	if have.AtLeast(*min) {
		return ""
	}
	return fmt.Sprintf("requires integration step %s or later, vehicle has %s", min, have)
}
