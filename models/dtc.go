package models

// DTCCategory is the 2-bit category discriminator of a diagnostic trouble
// code, rendered as its conventional letter prefix.
type DTCCategory string

const (
	CategoryPowertrain DTCCategory = "P"
	CategoryChassis    DTCCategory = "C"
	CategoryBody       DTCCategory = "B"
	CategoryNetwork    DTCCategory = "U"
)

// DTC is one decoded diagnostic trouble code record.
type DTC struct {
	// Code is the category letter followed by the 4-hex-digit raw code,
	// e.g. "P0420".
	Code string `json:"code"`

	// Category is the 2-bit category discriminator from the raw code.
	Category DTCCategory `json:"category"`

	// Status bits, each independent.
	Active    bool `json:"active"`
	Confirmed bool `json:"confirmed"`
	Pending   bool `json:"pending"`
	Stored    bool `json:"stored"`

	// Description is the human-readable text from the static description
	// table, or "unknown code" when the code is not listed.
	Description string `json:"description"`
}
