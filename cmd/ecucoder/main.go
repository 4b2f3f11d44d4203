// Command ecucoder is the vehicle coding CLI.
//
// It loads the YAML catalog from directories specified by environment
// variables (or command-line flags), connects to the vehicle gateway over
// DoIP (or to an in-process simulated vehicle with -sim), runs a single
// diagnostic operation, and exits.
//
// Usage:
//
//	ecucoder -op <operation> [flags]
//
// Operations: scan, vin, read-dtc, clear-dtc, read-vo, code-vo, read-fdl,
// code-fdl, backups, export-backup, import-backup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/bimmercode/ecucoder/models"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/app"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/coding"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/config"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/preflight"
	"github.com/bimmercode/ecucoder/pkg/ecucoder/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ecucoder: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ── Flags ────────────────────────────────────────────────────────────
	var (
		logLevel string
		logFmt   string
		op       string
		module   string

		simMode  bool
		doipHost string
		doipPort int

		backupDB   string
		auditFile  string
		mqttBroker string
		mqttTopic  string

		// Vehicle identity for coding operations.
		chassis string
		istep   string

		// Measured conditions fed to the safety gate.
		charger  bool
		ignition string
		voltage  float64

		// Coding inputs.
		addCodes    string
		removeCodes string
		setParams   string
		skipVerify  bool
		force       bool

		// Backup transfer.
		filePath string

		// Config path overrides (defaults read from env).
		cfgOptions    string
		cfgParameters string
		cfgDTCs       string
		cfgModules    string
	)

	flag.StringVar(&logLevel, "log.level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&logFmt, "log.fmt", "text", "Log format: json, text")
	flag.StringVar(&op, "op", "scan", "Operation: scan, vin, read-dtc, clear-dtc, read-vo, code-vo, read-fdl, code-fdl, backups, export-backup, import-backup")
	flag.StringVar(&module, "module", "", "Target module name from the catalog, e.g. KOMBI")

	flag.BoolVar(&simMode, "sim", false, "Use an in-process simulated vehicle instead of DoIP")
	flag.StringVar(&doipHost, "doip.host", "", "Gateway address (default 169.254.250.250)")
	flag.IntVar(&doipPort, "doip.port", 0, "Gateway TCP port (default 6801)")

	flag.StringVar(&backupDB, "backup.db", "ecucoder.db", "Path to the backup database file")
	flag.StringVar(&auditFile, "audit.file", "", "Append audit entries as JSON lines to this file")
	flag.StringVar(&mqttBroker, "audit.mqtt.broker", "", "Publish audit entries to this MQTT broker")
	flag.StringVar(&mqttTopic, "audit.mqtt.topic", "", "MQTT topic for audit entries (default ecucoder/audit)")

	flag.StringVar(&chassis, "chassis", "G", "Vehicle chassis family: E, F, G")
	flag.StringVar(&istep, "istep", "", "Vehicle integration step, e.g. 2023.11.0 (empty: unknown)")

	flag.BoolVar(&charger, "charger", false, "A battery charger is connected")
	flag.StringVar(&ignition, "ignition", "on", "Ignition state: off, accessory, on")
	flag.Float64Var(&voltage, "voltage", 0, "Measured battery voltage")

	flag.StringVar(&addCodes, "add", "", "Option codes to add, comma-separated (code-vo)")
	flag.StringVar(&removeCodes, "remove", "", "Option codes to remove, comma-separated (code-vo)")
	flag.StringVar(&setParams, "set", "", "Parameter assignments path=value, comma-separated (code-fdl)")
	flag.BoolVar(&skipVerify, "skip.verify", false, "Skip the post-write read-back verification")
	flag.BoolVar(&force, "force", false, "Bypass the preflight safety gate (bench setups only)")

	flag.StringVar(&filePath, "file", "", "Backup file path (export-backup, import-backup)")

	flag.StringVar(&cfgOptions, "config.options", "", "Override ECUCODER_OPTION_DEFINITIONS_DIRECTORY_PATH")
	flag.StringVar(&cfgParameters, "config.parameters", "", "Override ECUCODER_PARAMETER_DEFINITIONS_DIRECTORY_PATH")
	flag.StringVar(&cfgDTCs, "config.dtcs", "", "Override ECUCODER_DTC_DEFINITIONS_DIRECTORY_PATH")
	flag.StringVar(&cfgModules, "config.modules", "", "Override ECUCODER_MODULE_DEFINITIONS_DIRECTORY_PATH")

	flag.Parse()

	// ── Logger ───────────────────────────────────────────────────────────
	logger, err := buildLogger(logLevel, logFmt)
	if err != nil {
		return err
	}

	// ── Config paths ─────────────────────────────────────────────────────
	paths := config.PathsFromEnv()
	applyPathOverrides(&paths, cfgOptions, cfgParameters, cfgDTCs, cfgModules)

	// ── Build App ────────────────────────────────────────────────────────
	cfg := app.Config{
		ConfigPaths:   paths,
		BackupDBPath:  backupDB,
		Sim:           simMode,
		DoIPHost:      doipHost,
		DoIPPort:      doipPort,
		AuditFilePath: auditFile,
		MQTTBroker:    mqttBroker,
		MQTTTopic:     mqttTopic,
	}

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer application.Stop()

	return dispatch(ctx, application, opInput{
		op:          op,
		module:      module,
		chassis:     chassis,
		istep:       istep,
		charger:     charger,
		ignition:    ignition,
		voltage:     voltage,
		addCodes:    addCodes,
		removeCodes: removeCodes,
		setParams:   setParams,
		skipVerify:  skipVerify,
		force:       force,
		filePath:    filePath,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Operation dispatch
// ─────────────────────────────────────────────────────────────────────────────

type opInput struct {
	op          string
	module      string
	chassis     string
	istep       string
	charger     bool
	ignition    string
	voltage     float64
	addCodes    string
	removeCodes string
	setParams   string
	skipVerify  bool
	force       bool
	filePath    string
}

func dispatch(ctx context.Context, a *app.App, in opInput) error {
	sess := a.Session()

	switch in.op {
	case "vin":
		vin, err := sess.ReadVIN(ctx)
		if err != nil {
			return err
		}
		fmt.Println(vin)
		return nil

	case "scan":
		modules, err := sess.ScanModules(ctx)
		if err != nil {
			return err
		}
		return printJSON(modules)

	case "read-dtc":
		m, err := resolveModule(a, in.module)
		if err != nil {
			return err
		}
		dtcs, err := sess.ReadDTCs(ctx, m)
		if err != nil {
			return err
		}
		return printJSON(dtcs)

	case "clear-dtc":
		m, err := resolveModule(a, in.module)
		if err != nil {
			return err
		}
		if err := sess.ClearDTCs(ctx, m); err != nil {
			return err
		}
		fmt.Printf("cleared trouble codes on %s\n", m.Name)
		return nil

	case "read-vo":
		m, err := resolveModule(a, in.module)
		if err != nil {
			return err
		}
		entries, err := sess.ReadVO(ctx, m)
		if err != nil {
			return err
		}
		return printJSON(entries)

	case "read-fdl":
		m, err := resolveModule(a, in.module)
		if err != nil {
			return err
		}
		params, err := sess.ReadFDL(ctx, m)
		if err != nil {
			return err
		}
		return printJSON(params)

	case "code-vo":
		m, err := resolveModule(a, in.module)
		if err != nil {
			return err
		}
		req, err := buildRequest(ctx, sess, m, in)
		if err != nil {
			return err
		}
		change := models.VOChange{
			Add:    parseCodes(in.addCodes),
			Remove: parseCodes(in.removeCodes),
		}
		if len(change.Add) == 0 && len(change.Remove) == 0 {
			return fmt.Errorf("code-vo: nothing to change (use -add and/or -remove)")
		}
		res, err := sess.CodeVO(ctx, coding.VORequest{Request: req, Change: change})
		if err != nil {
			return err
		}
		return printJSON(res)

	case "code-fdl":
		m, err := resolveModule(a, in.module)
		if err != nil {
			return err
		}
		req, err := buildRequest(ctx, sess, m, in)
		if err != nil {
			return err
		}
		changes, err := parseAssignments(a, in.setParams)
		if err != nil {
			return err
		}
		res, err := sess.CodeFDL(ctx, coding.FDLRequest{Request: req, Changes: changes})
		if err != nil {
			return err
		}
		return printJSON(res)

	case "backups":
		vin, err := sess.ReadVIN(ctx)
		if err != nil {
			return err
		}
		backups, err := a.Store().List(vin)
		if err != nil {
			return err
		}
		return printJSON(backups)

	case "export-backup":
		if in.filePath == "" {
			return fmt.Errorf("export-backup: -file is required")
		}
		m, err := resolveModule(a, in.module)
		if err != nil {
			return err
		}
		vin, err := sess.ReadVIN(ctx)
		if err != nil {
			return err
		}
		payload, err := a.Store().Latest(vin, m.Name)
		if err != nil {
			return err
		}
		if err := a.Store().Export(payload, in.filePath); err != nil {
			return err
		}
		fmt.Printf("exported backup of %s (%s) to %s\n", m.Name, payload.Metadata.CreatedAt.Format("2006-01-02 15:04:05"), in.filePath)
		return nil

	case "import-backup":
		if in.filePath == "" {
			return fmt.Errorf("import-backup: -file is required")
		}
		payload, err := a.Store().Import(in.filePath)
		if err != nil {
			return err
		}
		fmt.Printf("imported backup of %s for %s\n", payload.Metadata.Module, payload.Metadata.VIN)
		return nil

	default:
		return fmt.Errorf("unknown operation %q", in.op)
	}
}

// buildRequest assembles the common coding request: vehicle identity from the
// live VIN read plus the identity flags, and measured conditions from the
// condition flags plus the session's own link statistics.
func buildRequest(ctx context.Context, sess *session.Session, m models.Module, in opInput) (coding.Request, error) {
	vin, err := sess.ReadVIN(ctx)
	if err != nil {
		return coding.Request{}, fmt.Errorf("read VIN: %w", err)
	}

	vehicle := &models.Vehicle{VIN: vin, Chassis: models.Chassis(strings.ToUpper(in.chassis))}
	if in.istep != "" {
		step, err := parseIStep(in.istep)
		if err != nil {
			return coding.Request{}, err
		}
		vehicle.IStep = &step
	}

	return coding.Request{
		Vehicle: vehicle,
		Module:  m,
		Conditions: coding.Conditions{
			ChargerConnected: in.charger,
			Link:             sess.LinkQuality(),
			Ignition:         preflight.Ignition(in.ignition),
			BatteryVoltage:   in.voltage,
		},
		SkipPreflight: in.force,
		SkipVerify:    in.skipVerify,
	}, nil
}

func resolveModule(a *app.App, name string) (models.Module, error) {
	if name == "" {
		return models.Module{}, fmt.Errorf("-module is required for this operation")
	}
	m, ok := a.Catalog().Modules[strings.ToUpper(name)]
	if !ok {
		return models.Module{}, fmt.Errorf("unknown module %q (not in the catalog)", name)
	}
	return m, nil
}

func parseCodes(list string) []models.VOEntry {
	var out []models.VOEntry
	for _, c := range strings.Split(list, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out = append(out, models.VOEntry{Code: strings.ToUpper(c)})
	}
	return out
}

// parseAssignments turns "PATH=value,PATH=value" into FDL changes, resolving
// each path against the catalog so the writes carry the declared type and
// allowed values.
func parseAssignments(a *app.App, list string) ([]models.FDLChange, error) {
	var out []models.FDLChange
	for _, pair := range strings.Split(list, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		path, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("malformed assignment %q (expected path=value)", pair)
		}
		path = strings.TrimSpace(path)

		param := models.FDLParameter{Path: path, Type: models.TypeString}
		if rule, ok := a.Catalog().Rules.Parameter(path); ok {
			param.Type = rule.Type
			param.Allowed = rule.Allowed
			param.Risk = rule.Risk
		}
		out = append(out, models.FDLChange{Parameter: param, NewValue: strings.TrimSpace(value)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("code-fdl: nothing to change (use -set path=value)")
	}
	return out, nil
}

func parseIStep(s string) (models.IStep, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return models.IStep{}, fmt.Errorf("malformed istep %q (expected year.month.patch)", s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return models.IStep{}, fmt.Errorf("malformed istep %q: %w", s, err)
		}
		vals[i] = v
	}
	return models.IStep{Year: vals[0], Month: vals[1], Patch: vals[2]}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q (expected debug|info|warn|error)", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (expected json|text)", format)
	}

	return slog.New(handler), nil
}

func applyPathOverrides(p *config.Paths, options, parameters, dtcs, modules string) {
	if options != "" {
		p.Options = options
	}
	if parameters != "" {
		p.Parameters = parameters
	}
	if dtcs != "" {
		p.DTCs = dtcs
	}
	if modules != "" {
		p.Modules = modules
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
