package models

import "sort"

// VOEntry is a single vehicle-option code plus its optional human-readable
// description from the catalog.
type VOEntry struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// VOChange is the delta input to a VO coding transaction: options to add and
// options to remove. A VOChange never mutates in place; Apply returns a new
// option set.
type VOChange struct {
	Add    []VOEntry `json:"add,omitempty"`
	Remove []VOEntry `json:"remove,omitempty"`
}

// Apply merges the change into current and returns the resulting option set:
// removals first, then additions, de-duplicated by code, sorted
// lexicographically by code. Applying an empty change returns the current set
// unchanged apart from ordering.
func (c VOChange) Apply(current []VOEntry) []VOEntry {
	removed := make(map[string]bool, len(c.Remove))
	for _, e := range c.Remove {
		removed[e.Code] = true
	}

	merged := make(map[string]VOEntry, len(current)+len(c.Add))
	for _, e := range current {
		if !removed[e.Code] {
			merged[e.Code] = e
		}
	}
	for _, e := range c.Add {
		merged[e.Code] = e
	}

	out := make([]VOEntry, 0, len(merged))
	for _, e := range merged {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// ValueType declares how an FDL parameter value is interpreted.
type ValueType string

const (
	TypeEnum    ValueType = "enum"
	TypeBoolean ValueType = "boolean"
	TypeInteger ValueType = "integer"
	TypeFloat   ValueType = "float"
	TypeString  ValueType = "string"
)

// FDLParameter describes one hierarchical coding parameter.
type FDLParameter struct {
	// Path is the hierarchical parameter path, e.g. "EXHAUST/KLAPPE_OFFEN".
	Path string `json:"path"`

	// Type is the declared value type.
	Type ValueType `json:"type"`

	// Allowed, when non-empty, restricts values to this set.
	Allowed []string `json:"allowed,omitempty"`

	// Risk classifies the consequence of changing this parameter.
	Risk RiskLevel `json:"risk"`
}

// FDLChange pairs a parameter with its intended new value, optionally carrying
// the previously observed value for the audit trail.
type FDLChange struct {
	Parameter FDLParameter `json:"parameter"`
	NewValue  string       `json:"new_value"`

	// PreviousValue is the last value observed before the change, when the
	// caller read it. Audit-only; never consulted by the write path.
	PreviousValue string `json:"previous_value,omitempty"`
}
