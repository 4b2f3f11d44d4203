// Package dtc decodes raw trouble-code records returned by the read-DTC
// service into model values.
package dtc

import (
	"encoding/binary"
	"fmt"

	"github.com/bimmercode/ecucoder/models"
)

// recordSize is the fixed on-wire size of one trouble-code record: a 2-byte
// code followed by a status byte.
const recordSize = 3

// Status byte bits.
const (
	statusActive    = 0x01
	statusConfirmed = 0x02
	statusPending   = 0x04
	statusStored    = 0x08
)

// categories maps the top two bits of the raw code to the letter prefix.
var categories = [4]models.DTCCategory{
	models.CategoryPowertrain,
	models.CategoryChassis,
	models.CategoryBody,
	models.CategoryNetwork,
}

// Parse decodes a sequence of fixed-size trouble-code records. A trailing
// partial record is dropped. Descriptions come from table, keyed by the
// rendered code; unknown codes get a placeholder description.
func Parse(data []byte, table map[string]string) []models.DTC {
	out := make([]models.DTC, 0, len(data)/recordSize)
	for len(data) >= recordSize {
		raw := binary.BigEndian.Uint16(data[:2])
		status := data[2]
		data = data[recordSize:]

		category := categories[raw>>14]
		code := fmt.Sprintf("%s%04X", category, raw)

		description, ok := table[code]
		if !ok {
			description = "unknown code"
		}
		out = append(out, models.DTC{
			Code:        code,
			Category:    category,
			Active:      status&statusActive != 0,
			Confirmed:   status&statusConfirmed != 0,
			Pending:     status&statusPending != 0,
			Stored:      status&statusStored != 0,
			Description: description,
		})
	}
	return out
}
