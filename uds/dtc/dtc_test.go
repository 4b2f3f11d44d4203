package dtc_test

import (
	"testing"

	"github.com/bimmercode/ecucoder/models"
	"github.com/bimmercode/ecucoder/uds/dtc"
)

var descriptions = map[string]string{
	"P0420": "Catalyst system efficiency below threshold",
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want []models.DTC
	}{
		{
			name: "powertrain code with all status bits",
			data: []byte{0x04, 0x20, 0x0F},
			want: []models.DTC{{
				Code:        "P0420",
				Category:    models.CategoryPowertrain,
				Active:      true,
				Confirmed:   true,
				Pending:     true,
				Stored:      true,
				Description: "Catalyst system efficiency below threshold",
			}},
		},
		{
			name: "chassis code stored only",
			data: []byte{0x51, 0x34, 0x08},
			want: []models.DTC{{
				Code:        "C5134",
				Category:    models.CategoryChassis,
				Stored:      true,
				Description: "unknown code",
			}},
		},
		{
			name: "empty input",
			data: nil,
			want: []models.DTC{},
		},
		{
			name: "trailing partial record dropped",
			data: []byte{0x04, 0x20, 0x0F, 0x51},
			want: []models.DTC{{
				Code:        "P0420",
				Category:    models.CategoryPowertrain,
				Active:      true,
				Confirmed:   true,
				Pending:     true,
				Stored:      true,
				Description: "Catalyst system efficiency below threshold",
			}},
		},
		{
			name: "body and network categories",
			data: []byte{0x80, 0x01, 0x00, 0xC1, 0x00, 0x01},
			want: []models.DTC{
				{
					Code:        "B8001",
					Category:    models.CategoryBody,
					Description: "unknown code",
				},
				{
					Code:        "UC100",
					Category:    models.CategoryNetwork,
					Active:      true,
					Description: "unknown code",
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dtc.Parse(tt.data, descriptions)
			if len(got) != len(tt.want) {
				t.Fatalf("Parse() returned %d records, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("record %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
