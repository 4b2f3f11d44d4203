// Package preflight implements the safety gate evaluated before any coding
// transaction. Check is a pure function: no I/O, no side effects, every rule
// evaluated independently so the operator sees all violations at once.
package preflight

import (
	"fmt"
	"slices"

	"github.com/bimmercode/ecucoder/models"
)

// Limits every coding transaction must satisfy.
const (
	MaxLatencyMs  = 100.0
	MaxPacketLoss = 0.01
	MinVoltage    = 12.0
)

// Ignition is the reported ignition state.
type Ignition string

const (
	IgnitionOff       Ignition = "off"
	IgnitionAccessory Ignition = "accessory"
	IgnitionOn        Ignition = "on"
)

// Input carries the vehicle and environment state the gate evaluates.
type Input struct {
	ChargerConnected bool
	Link             models.LinkQuality
	Ignition         Ignition
	BatteryVoltage   float64

	// Chassis is the vehicle's chassis family; SupportedChassis is the
	// target module's supported set.
	Chassis          models.Chassis
	SupportedChassis []models.Chassis

	// HasBackup reports whether a backup for this VIN+module already
	// exists. WillCreateBackup reports that the caller's transaction
	// creates one before writing; either satisfies the backup rule.
	HasBackup        bool
	WillCreateBackup bool
}

// Result is the gate verdict. Passed is true iff Failures is empty.
type Result struct {
	Passed   bool
	Failures []string
}

// Check evaluates every rule against in and returns the aggregated verdict.
func Check(in Input) Result {
	var failures []string

	if !in.ChargerConnected {
		failures = append(failures, "battery charger not connected")
	}
	if in.Link.LatencyMs > MaxLatencyMs {
		failures = append(failures, fmt.Sprintf("link latency %.2f ms exceeds %.0f ms", in.Link.LatencyMs, MaxLatencyMs))
	}
	if in.Link.PacketLoss > MaxPacketLoss {
		failures = append(failures, fmt.Sprintf("packet loss %.2f%% exceeds %.0f%%", in.Link.PacketLoss*100, MaxPacketLoss*100))
	}
	if in.Ignition != IgnitionOn {
		failures = append(failures, fmt.Sprintf("ignition is %q, must be on", string(in.Ignition)))
	}
	if in.BatteryVoltage < MinVoltage {
		failures = append(failures, fmt.Sprintf("battery voltage %.2f V below %.1f V", in.BatteryVoltage, MinVoltage))
	}
	if len(in.SupportedChassis) > 0 && !slices.Contains(in.SupportedChassis, in.Chassis) {
		failures = append(failures, fmt.Sprintf("chassis %s not supported by module", in.Chassis))
	}
	if !in.HasBackup && !in.WillCreateBackup {
		failures = append(failures, "no backup exists for this module")
	}

	return Result{Passed: len(failures) == 0, Failures: failures}
}
