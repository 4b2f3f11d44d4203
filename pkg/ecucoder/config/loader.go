// Package config provides YAML catalog loading for the coding client.
//
// It reads four directory trees (driven by environment variables) and
// produces a Catalog value used by the rest of the application.
//
//	ECUCODER_OPTION_DEFINITIONS_DIRECTORY_PATH    → option rules
//	ECUCODER_PARAMETER_DEFINITIONS_DIRECTORY_PATH → parameter rules
//	ECUCODER_DTC_DEFINITIONS_DIRECTORY_PATH       → DTC descriptions
//	ECUCODER_MODULE_DEFINITIONS_DIRECTORY_PATH    → module definitions
package config

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bimmercode/ecucoder/models"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/validate"
)

// ─────────────────────────────────────────────────────────────────────────────
// Paths
// ─────────────────────────────────────────────────────────────────────────────

// Paths holds the directory locations for every catalog tree.
type Paths struct {
	Options    string // ECUCODER_OPTION_DEFINITIONS_DIRECTORY_PATH
	Parameters string // ECUCODER_PARAMETER_DEFINITIONS_DIRECTORY_PATH
	DTCs       string // ECUCODER_DTC_DEFINITIONS_DIRECTORY_PATH
	Modules    string // ECUCODER_MODULE_DEFINITIONS_DIRECTORY_PATH
}

// PathsFromEnv reads each path from its environment variable, falling back
// to the documented default when the variable is unset or empty.
func PathsFromEnv() Paths {
	return Paths{
		Options:    envOr("ECUCODER_OPTION_DEFINITIONS_DIRECTORY_PATH", "/etc/ecucoder/catalog/options"),
		Parameters: envOr("ECUCODER_PARAMETER_DEFINITIONS_DIRECTORY_PATH", "/etc/ecucoder/catalog/parameters"),
		DTCs:       envOr("ECUCODER_DTC_DEFINITIONS_DIRECTORY_PATH", "/etc/ecucoder/catalog/dtcs"),
		Modules:    envOr("ECUCODER_MODULE_DEFINITIONS_DIRECTORY_PATH", "/etc/ecucoder/catalog/modules"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────────────────────────────────────

// Catalog is the fully parsed representation of all catalog trees. It is
// immutable after Load and safe for concurrent readers.
type Catalog struct {
	// Rules holds the option and parameter compatibility rules ready for
	// the validation engine.
	Rules *validate.Ruleset

	// Modules maps module name → definition.
	Modules map[string]models.Module

	// DTCDescriptions maps rendered trouble-code ("P0420") → description.
	DTCDescriptions map[string]string
}

// ModuleByAddress returns the catalog module with the given bus address.
func (c *Catalog) ModuleByAddress(addr uint16) (models.Module, bool) {
	for _, m := range c.Modules {
		if m.Address == addr {
			return m, true
		}
	}
	return models.Module{}, false
}

// ─────────────────────────────────────────────────────────────────────────────
// Load
// ─────────────────────────────────────────────────────────────────────────────

// Load reads all catalog directories specified by paths and returns a fully
// resolved Catalog. Errors from individual files are accumulated and
// returned together so that operators see all problems at once.
//
// If a directory does not exist, that section is skipped silently (the
// corresponding map will be empty). This allows partial deployments.
func Load(paths Paths, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}

	var errs []string
	rules := validate.NewRuleset()

	// 1. Option rules ————————————————————————————————————————————————————————
	if err := loadOptions(paths.Options, rules, logger); err != nil {
		errs = append(errs, err.Error())
	}

	// 2. Parameter rules —————————————————————————————————————————————————————
	if err := loadParameters(paths.Parameters, rules, logger); err != nil {
		errs = append(errs, err.Error())
	}

	// 3. DTC descriptions ————————————————————————————————————————————————————
	dtcs, err := loadDTCs(paths.DTCs, logger)
	if err != nil {
		errs = append(errs, err.Error())
	}

	// 4. Module definitions ——————————————————————————————————————————————————
	modules, err := loadModules(paths.Modules, logger)
	if err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %d error(s):\n  %s", len(errs), strings.Join(errs, "\n  "))
	}

	return &Catalog{
		Rules:           rules,
		Modules:         modules,
		DTCDescriptions: dtcs,
	}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Option rules
// ─────────────────────────────────────────────────────────────────────────────

type rawOptionEntry struct {
	Description string   `yaml:"description"`
	Chassis     []string `yaml:"chassis"`
	MinIStep    string   `yaml:"min_istep"`
}

func loadOptions(dir string, rules *validate.Ruleset, logger *slog.Logger) error {
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list options dir %q: %w", dir, err)
	}

	for _, path := range files {
		var raw map[string]rawOptionEntry
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed option file", "file", path, "error", err.Error())
			continue
		}
		for code, entry := range raw {
			minStep, err := parseIStep(entry.MinIStep)
			if err != nil {
				logger.Warn("config: skip option with bad min_istep", "code", code, "error", err.Error())
				continue
			}
			rules.RegisterOption(code, validate.OptionRule{
				Description: entry.Description,
				Chassis:     parseChassisList(entry.Chassis),
				MinIStep:    minStep,
			})
		}
		logger.Debug("config: loaded option file", "file", path, "count", len(raw))
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Parameter rules
// ─────────────────────────────────────────────────────────────────────────────

type rawParameterEntry struct {
	Type     string   `yaml:"type"`
	Allowed  []string `yaml:"allowed"`
	Risk     string   `yaml:"risk"`
	Chassis  []string `yaml:"chassis"`
	MinIStep string   `yaml:"min_istep"`
}

func loadParameters(dir string, rules *validate.Ruleset, logger *slog.Logger) error {
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list parameters dir %q: %w", dir, err)
	}

	for _, path := range files {
		var raw map[string]rawParameterEntry
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed parameter file", "file", path, "error", err.Error())
			continue
		}
		for pth, entry := range raw {
			minStep, err := parseIStep(entry.MinIStep)
			if err != nil {
				logger.Warn("config: skip parameter with bad min_istep", "path", pth, "error", err.Error())
				continue
			}
			rules.RegisterParameter(pth, validate.ParameterRule{
				Type:     models.ValueType(entry.Type),
				Allowed:  entry.Allowed,
				Risk:     models.RiskLevel(entry.Risk),
				Chassis:  parseChassisList(entry.Chassis),
				MinIStep: minStep,
			})
		}
		logger.Debug("config: loaded parameter file", "file", path, "count", len(raw))
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// DTC descriptions
// ─────────────────────────────────────────────────────────────────────────────

func loadDTCs(dir string, logger *slog.Logger) (map[string]string, error) {
	result := make(map[string]string)
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("list dtcs dir %q: %w", dir, err)
	}

	for _, path := range files {
		var raw map[string]string
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed dtc file", "file", path, "error", err.Error())
			continue
		}
		for code, desc := range raw {
			result[code] = desc
		}
		logger.Debug("config: loaded dtc file", "file", path, "count", len(raw))
	}
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Module definitions
// ─────────────────────────────────────────────────────────────────────────────

type rawModuleEntry struct {
	Address           uint16   `yaml:"address"`
	Risk              string   `yaml:"risk"`
	DefinitionVersion string   `yaml:"definition_version"`
	Chassis           []string `yaml:"chassis"`
	Operations        []string `yaml:"operations"`
	VODataID          uint16   `yaml:"vo_did"`
	FDLDataID         uint16   `yaml:"fdl_did"`
}

func loadModules(dir string, logger *slog.Logger) (map[string]models.Module, error) {
	result := make(map[string]models.Module)
	files, err := yamlFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, fmt.Errorf("list modules dir %q: %w", dir, err)
	}

	for _, path := range files {
		var raw map[string]rawModuleEntry
		if err := decodeFile(path, &raw); err != nil {
			logger.Warn("config: skip malformed module file", "file", path, "error", err.Error())
			continue
		}
		for name, entry := range raw {
			ops := make([]models.Operation, len(entry.Operations))
			for i, op := range entry.Operations {
				ops[i] = models.Operation(op)
			}
			result[name] = models.Module{
				Name:              name,
				Address:           entry.Address,
				DefinitionVersion: entry.DefinitionVersion,
				Risk:              models.RiskLevel(entry.Risk),
				Operations:        ops,
				SupportedChassis:  parseChassisList(entry.Chassis),
				VODataID:          entry.VODataID,
				FDLDataID:         entry.FDLDataID,
			}
		}
		logger.Debug("config: loaded module file", "file", path, "count", len(raw))
	}
	return result, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// parseIStep parses a "year.month.patch" triple, e.g. "2020.3.0". An empty
// string means no minimum and returns nil.
func parseIStep(s string) (*models.IStep, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("istep %q: want year.month.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("istep %q: %w", s, err)
		}
		nums[i] = n
	}
	return &models.IStep{Year: nums[0], Month: nums[1], Patch: nums[2]}, nil
}

func parseChassisList(raw []string) []models.Chassis {
	if len(raw) == 0 {
		return nil
	}
	out := make([]models.Chassis, len(raw))
	for i, c := range raw {
		out[i] = models.Chassis(strings.ToUpper(c))
	}
	return out
}

// yamlFiles returns all *.yml / *.yaml files under dir, sorted by path.
func yamlFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yml" || ext == ".yaml" {
			paths = append(paths, p)
		}
		return nil
	})
	return paths, err
}

// decodeFile opens path and unmarshals the YAML content into out.
func decodeFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(false) // extra keys are tolerated
	return dec.Decode(out)
}

// ─────────────────────────────────────────────────────────────────────────────
// no-op logger writer
// ─────────────────────────────────────────────────────────────────────────────

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
