// Powerstation simulates a single power-generation station on an MQTT
// broker. It publishes metadata, status and output telemetry on fixed
// intervals and accepts start/stop commands on its control topic.
//
// Usage:
//
//	powerstation serve                     Run the simulator until SIGINT/SIGTERM
//	powerstation -sp PS_002 serve          Run with PS_002_* environment overrides
//	powerstation init [dir]                Write an example config.yaml
//	powerstation version                   Print version and build information
//	powerstation -o json version           Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nugget/powerstation-simulator/internal/buildinfo"
	"github.com/nugget/powerstation-simulator/internal/channel"
	"github.com/nugget/powerstation-simulator/internal/config"
	"github.com/nugget/powerstation-simulator/internal/connwatch"
	"github.com/nugget/powerstation-simulator/internal/events"
	"github.com/nugget/powerstation-simulator/internal/journal"
	"github.com/nugget/powerstation-simulator/internal/mqtt"
	"github.com/nugget/powerstation-simulator/internal/station"
)

const banner = `
 ____ ____ _________ ____ ____ ____ ____ ____ ____ ____ ____ ____
||P |||S |||       |||S |||I |||M |||U |||L |||A |||T |||O |||R ||
||__|||__|||_______|||__|||__|||__|||__|||__|||__|||__|||__|||__||
|/__\|/__\|/_______\|/__\|/__\|/__\|/__\|/__\|/__\|/__\|/__\|/__\|
`

// shutdownTimeout bounds the broker disconnect after a signal.
const shutdownTimeout = 10 * time.Second

// main keeps os.Exit, os.Stdout and os.Args out of the application
// logic so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath    string
	stationPrefix string
	outputFmt     string
	command       string
	cmdArgs       []string
}

// parseArgs parses flags by hand. The flag package relies on
// package-level globals, which gets in the way of calling run from
// parallel tests.
func parseArgs(args []string) (options, bool, error) {
	var o options
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" && i+1 < len(args):
			o.configPath = args[i+1]
			i++
		case strings.HasPrefix(a, "-config="):
			o.configPath = strings.TrimPrefix(a, "-config=")
		case (a == "-sp" || a == "-station-prefix" || a == "--station-prefix") && i+1 < len(args):
			o.stationPrefix = args[i+1]
			i++
		case strings.HasPrefix(a, "-sp="):
			o.stationPrefix = strings.TrimPrefix(a, "-sp=")
		case strings.HasPrefix(a, "-station-prefix="):
			o.stationPrefix = strings.TrimPrefix(a, "-station-prefix=")
		case strings.HasPrefix(a, "--station-prefix="):
			o.stationPrefix = strings.TrimPrefix(a, "--station-prefix=")
		case (a == "-o" || a == "--output") && i+1 < len(args):
			o.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(a, "-o="):
			o.outputFmt = strings.TrimPrefix(a, "-o=")
		case strings.HasPrefix(a, "--output="):
			o.outputFmt = strings.TrimPrefix(a, "--output=")
		case a == "-h" || a == "-help" || a == "--help":
			return o, true, nil
		case !strings.HasPrefix(a, "-") && o.command == "":
			o.command = a
		default:
			if o.command == "" {
				return o, false, fmt.Errorf("unknown flag: %s", a)
			}
			o.cmdArgs = append(o.cmdArgs, a)
		}
	}

	if o.outputFmt == "" {
		o.outputFmt = "text"
	}
	if o.outputFmt != "text" && o.outputFmt != "json" {
		return o, false, fmt.Errorf("unknown output format: %q (expected text or json)", o.outputFmt)
	}
	return o, false, nil
}

// run is the real entry point. ctx controls the process lifetime,
// structured logs go to stdout, and args is os.Args[1:]. It returns
// nil on clean shutdown.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	o, help, err := parseArgs(args)
	if err != nil {
		return err
	}
	if help {
		return printUsage(stdout)
	}

	switch o.command {
	case "serve":
		prefix := o.stationPrefix
		if prefix == "" {
			prefix = os.Getenv(config.StationPrefixEnv)
		}
		return runServe(ctx, stdout, stderr, o.configPath, prefix)
	case "init":
		dir := "."
		if len(o.cmdArgs) > 0 {
			dir = o.cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, o.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", o.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Power Station Simulator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: powerstation [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the station until interrupted")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>              Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -sp, -station-prefix <p>    Apply <P>_* environment overrides (or set STATION_PREFIX)")
	fmt.Fprintln(w, "  -o, --output fmt            Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  # Load PS_001_POWER_STATION_ID, PS_001_MQTT_HOST, ... over the config file")
	fmt.Fprintln(w, "  powerstation -sp PS_001 serve")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/powerstation/config.yaml, /etc/powerstation/config.yaml")
	fmt.Fprintln(w, "  Built-in defaults are used when no file is found.")
	return nil
}

// runServe brings the station online and blocks until ctx is cancelled
// or SIGINT/SIGTERM arrives.
//
// The shutdown sequence is:
//  1. The signal cancels the context
//  2. The broker watcher stops
//  3. The simulator stops its emitters and disconnects
//  4. The journal drains buffered events and closes
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, stationPrefix string) error {
	fmt.Fprint(stdout, banner)

	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting power station simulator", buildinfo.LogAttrs()...)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Without a prefix the bare variable names still apply.
	if err := cfg.ApplyStationEnv(stationPrefix, os.LookupEnv); err != nil {
		if stationPrefix == "" {
			return fmt.Errorf("environment overrides: %w", err)
		}
		return fmt.Errorf("station prefix %s: %w", stationPrefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Everything after this point uses the configured level, format and
	// optional rotating file.
	{
		// Validate already rejected unknown levels.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		w := stdout
		if cfg.LogFile.Path != "" {
			rotator := &lumberjack.Logger{
				Filename:   cfg.LogFile.Path,
				MaxSize:    cfg.LogFile.MaxSizeMB,
				MaxBackups: cfg.LogFile.MaxBackups,
				MaxAge:     cfg.LogFile.MaxAgeDays,
				Compress:   cfg.LogFile.Compress,
			}
			defer rotator.Close()
			w = io.MultiWriter(stdout, rotator)
		}
		logger = newLogger(w, level, cfg.LogFormat)
	}

	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	logger.Info("serving station",
		"station_id", cfg.Station.ID,
		"station_prefix", stationPrefix,
		"broker", cfg.MQTT.BrokerURL(),
		"topic_prefix", cfg.MQTT.TopicPrefix,
		"publish_interval", cfg.Simulator.BaseInterval(),
	)

	bus := events.New()

	// --- Journal ---
	var background errgroup.Group
	journalCtx, stopJournal := context.WithCancel(context.WithoutCancel(ctx))
	defer stopJournal()
	if cfg.Journal.Enabled() {
		j, err := journal.Open(cfg.Journal.Driver, cfg.Journal.Path, cfg.Station.ID, logger)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer j.Close()
		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)
		background.Go(func() error { return j.Run(journalCtx, sub) })
		logger.Info("journal enabled", "path", cfg.Journal.Path, "driver", cfg.Journal.Driver)
	}
	// Drain the journal after the simulator's final events.
	defer func() {
		stopJournal()
		if err := background.Wait(); err != nil {
			logger.Error("background task failed", "error", err)
		}
	}()

	// --- Station ---
	client := mqtt.New(cfg.MQTT, mqtt.ClientID(cfg.MQTT, cfg.Station.ID), logger)
	sim, err := station.New(station.Config{
		StationID:        cfg.Station.ID,
		Location:         cfg.Station.Location,
		CapacityKW:       cfg.Station.CapacityKW,
		TopicPrefix:      cfg.MQTT.TopicPrefix,
		BaseInterval:     cfg.Simulator.BaseInterval(),
		StatusInterval:   cfg.Simulator.StatusInterval(),
		MetadataInterval: cfg.Simulator.MetadataInterval(),
		QoS:              channel.DefaultQoS,
		PublishTimeout:   time.Duration(cfg.MQTT.PublishTimeoutSec) * time.Second,
	}, client, bus, logger)
	if err != nil {
		return err
	}

	// NotifyContext wraps the parent so signals and caller cancellation
	// take the same path.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sim.Startup(ctx); err != nil {
		return fmt.Errorf("station startup: %w", err)
	}

	watcher := connwatch.Watch(ctx, connwatch.Config{
		Name:   cfg.MQTT.BrokerURL(),
		Probe:  client.Probe,
		Bus:    bus,
		Logger: logger,
	})

	<-ctx.Done()
	logger.Info("shutdown signal received")

	watcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer shutdownCancel()
	if err := sim.Shutdown(shutdownCtx); err != nil {
		logger.Error("station shutdown failed", "error", err)
	}

	logger.Info("power station simulator stopped", "station_id", cfg.Station.ID)
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist. Without one, the default search paths are
// tried and built-in defaults are used when none exists; the returned
// path is then empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
