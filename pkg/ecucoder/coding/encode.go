package coding

import (
	"strings"

	"github.com/bimmercode/ecucoder/models"
)

// ParseVO decodes a module's vehicle-order data: a comma-joined list of
// option codes. Whitespace around codes is tolerated, empty items dropped.
func ParseVO(data []byte) []models.VOEntry {
	var out []models.VOEntry
	for _, item := range strings.Split(string(data), ",") {
		code := strings.TrimSpace(item)
		if code == "" {
			continue
		}
		out = append(out, models.VOEntry{Code: code})
	}
	return out
}

// EncodeVO serializes an option list as the comma-joined code list the
// module stores. Callers pass the already merged and sorted final set.
func EncodeVO(entries []models.VOEntry) []byte {
	codes := make([]string, len(entries))
	for i, e := range entries {
		codes[i] = e.Code
	}
	return []byte(strings.Join(codes, ","))
}

// EncodeFDL serializes one parameter change as the "path=value" pair the
// module expects, one write per parameter.
func EncodeFDL(change models.FDLChange) []byte {
	return []byte(change.Parameter.Path + "=" + change.NewValue)
}

// ParseFDLDocument splits a module's function-data document into a
// path→value map. Lines without "=" are ignored.
func ParseFDLDocument(data []byte) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		path, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[path] = value
	}
	return out
}
