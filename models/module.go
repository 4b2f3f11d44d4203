package models

// Operation is one diagnostic operation a module may declare support for.
type Operation string

const (
	OpReadDTC  Operation = "readDTC"
	OpClearDTC Operation = "clearDTC"
	OpReadVO   Operation = "readVO"
	OpWriteVO  Operation = "writeVO"
	OpReadFDL  Operation = "readFDL"
	OpWriteFDL Operation = "writeFDL"
)

// RiskLevel classifies how dangerous it is to mutate a module or parameter.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Module identifies one ECU reachable through the gateway. Modules are
// resolved from the catalog and confirmed by probing; their lifetime is the
// duration of a diagnostic session.
type Module struct {
	// Name is the short module name, e.g. "DME" or "KOMBI".
	Name string `json:"name"`

	// Address is the diagnostic bus (DoIP target) address, e.g. 0x12 for DME.
	Address uint16 `json:"address"`

	// DefinitionVersion is the coding-definition version the module reports,
	// when known.
	DefinitionVersion string `json:"definition_version,omitempty"`

	// Risk classifies the consequence of miscoding this module.
	Risk RiskLevel `json:"risk"`

	// Operations is the set of operations the module supports.
	Operations []Operation `json:"operations"`

	// SupportedChassis lists the chassis families this module definition
	// applies to. A preflight gate rejects vehicles outside this set.
	SupportedChassis []Chassis `json:"supported_chassis"`

	// VODataID is the data identifier holding the module's vehicle-option
	// list; the VO coding domain reads and writes this identifier.
	VODataID uint16 `json:"vo_did"`

	// FDLDataID is the data identifier the FDL coding domain targets.
	FDLDataID uint16 `json:"fdl_did"`
}

// Supports reports whether the module declares support for op.
func (m Module) Supports(op Operation) bool {
	for _, o := range m.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// SupportsChassis reports whether c is in the module's supported set.
func (m Module) SupportsChassis(c Chassis) bool {
	for _, s := range m.SupportedChassis {
		if s == c {
			return true
		}
	}
	return false
}
