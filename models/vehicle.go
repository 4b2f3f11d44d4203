// Package models defines the core data structures shared across all layers of
// the coding tool. These types represent the canonical in-memory form of every
// entity the diagnostic and coding layers exchange; every other package depends
// on this package and nothing here depends on any other internal package.
package models

import "fmt"

// Chassis identifies a vehicle chassis generation family.
type Chassis string

const (
	ChassisE Chassis = "E"
	ChassisF Chassis = "F"
	ChassisG Chassis = "G"
)

// KnownChassis lists every chassis family the tool understands.
var KnownChassis = []Chassis{ChassisE, ChassisF, ChassisG}

// IStep is the software integration step of a vehicle: an ordered
// (year, month, patch) marker gating feature and definition compatibility.
type IStep struct {
	Year  int `json:"year" yaml:"year"`
	Month int `json:"month" yaml:"month"`
	Patch int `json:"patch" yaml:"patch"`
}

// AtLeast reports whether i is the same as or newer than min.
// Greater year always wins; equal years compare months; equal year and month
// compare patch levels.
func (i IStep) AtLeast(min IStep) bool {
	if i.Year != min.Year {
		return i.Year > min.Year
	}
	if i.Month != min.Month {
		return i.Month > min.Month
	}
	return i.Patch >= min.Patch
}

func (i IStep) String() string {
	return fmt.Sprintf("%d.%d.%d", i.Year, i.Month, i.Patch)
}

// Vehicle is an immutable description of the connected vehicle. It is replaced
// wholesale whenever the session re-reads identification data; nothing mutates
// a Vehicle in place.
type Vehicle struct {
	// VIN is the vehicle identification number, treated as an opaque stable
	// identifier (no checksum validation at this layer).
	VIN string `json:"vin"`

	// Chassis is the chassis generation family.
	Chassis Chassis `json:"chassis"`

	// IStep is the software integration step, when known. nil means unknown;
	// revision-gated compatibility checks are skipped in that case.
	IStep *IStep `json:"istep,omitempty"`

	// Options is the set of option codes currently coded on the vehicle,
	// sorted by code.
	Options []VOEntry `json:"options,omitempty"`
}

// LinkQuality is a point-in-time sample of the diagnostic link health. It
// feeds the preflight gate only and is never persisted.
type LinkQuality struct {
	// LatencyMs is the observed round-trip latency in milliseconds.
	LatencyMs float64 `json:"latency_ms"`

	// PacketLoss is the observed loss ratio in [0, 1].
	PacketLoss float64 `json:"packet_loss"`
}
