// iotix device engine - large-scale IoT device simulator
//
// The engine simulates fleets of virtual devices publishing telemetry
// over MQTT, CoAP and HTTP, proxies telemetry from real hardware, and
// exposes a REST/WebSocket control plane for orchestrating launches
// and dropouts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/iotix/device-engine/migrations"

	"github.com/iotix/device-engine/internal/api"
	"github.com/iotix/device-engine/internal/device"
	"github.com/iotix/device-engine/internal/history"
	"github.com/iotix/device-engine/internal/infrastructure/config"
	"github.com/iotix/device-engine/internal/infrastructure/database"
	"github.com/iotix/device-engine/internal/infrastructure/logging"
	"github.com/iotix/device-engine/internal/infrastructure/metrics"
	"github.com/iotix/device-engine/internal/infrastructure/sink"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds the engine wind-down after a signal.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "device-engine",
		Short:         "Large-scale IoT device simulator and telemetry proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config.yaml (default: $DEVICE_ENGINE_CONFIG or "+defaultConfigPath+")")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its HTTP control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, resolveConfigPath(configPath))
		},
	}

	validate := &cobra.Command{
		Use:   "validate [model.json ...]",
		Short: "Validate device model files without starting the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateModels(cmd, args, resolveConfigPath(configPath))
		},
	}

	ver := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "device-engine %s (commit %s, built %s)\n", version, commit, date)
		},
	}

	root.AddCommand(serve, validate, ver)
	return root
}

// resolveConfigPath picks the config file: the --config flag wins, then
// the DEVICE_ENGINE_CONFIG environment variable, then the default path.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv("DEVICE_ENGINE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig loads the file at path, falling back to defaults plus
// environment overrides when the default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.LoadDefault()
	}
	return config.Load(path)
}

// run is the engine lifecycle, separated from main for testability.
// Deferred closes run in reverse: API first, then the manager, the
// history recorder, the database and finally the sink flush.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting device engine",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	var em *metrics.EngineMetrics
	if cfg.Metrics.Enabled {
		em = metrics.NewEngineMetrics(metrics.Registry)
	}

	// Metrics sink (optional)
	var tsink device.TelemetrySink
	if cfg.Sink.Enabled {
		snk, sinkErr := sink.Connect(ctx, cfg.Sink)
		if sinkErr != nil {
			return fmt.Errorf("connecting sink: %w", sinkErr)
		}
		defer func() {
			log.Info("flushing sink")
			if closeErr := snk.Close(); closeErr != nil {
				log.Error("error closing sink", "error", closeErr)
			}
		}()
		snk.SetOnError(func(err error) {
			log.Error("sink write error", "error", err)
		})
		if em != nil {
			snk.SetMetrics(em)
		}
		tsink = snk
		log.Info("sink connected", "backend", cfg.Sink.Backend, "url", cfg.Sink.URL)
	} else {
		log.Info("sink disabled")
	}

	// Event history (optional)
	var recorder *history.Recorder
	var repo *history.Repository
	if cfg.History.Enabled {
		db, dbErr := database.Open(database.Config{
			Path:          cfg.History.Path,
			WALMode:       true,
			BusyTimeoutMs: 5000,
		})
		if dbErr != nil {
			return fmt.Errorf("opening history database: %w", dbErr)
		}
		defer func() {
			log.Info("closing history database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing history database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running history migrations: %w", migrateErr)
		}

		repo = history.NewRepository(db)
		recorder = history.NewRecorder(repo, history.Options{
			MaxRows: cfg.History.MaxRows,
			Logger:  log,
		})
		defer recorder.Close()
		log.Info("event history enabled", "path", cfg.History.Path, "max_rows", cfg.History.MaxRows)
	} else {
		log.Info("event history disabled")
	}

	// Model store and manager
	store, err := device.NewModelStore(cfg.Models.Path)
	if err != nil {
		return fmt.Errorf("opening model store: %w", err)
	}

	manager := device.NewManager(device.Options{
		Engine:       cfg.Engine,
		MQTTDefaults: cfg.MQTT,
		Store:        store,
		Sink:         tsink,
		Metrics:      em,
		Logger:       log,
	})
	if recorder != nil {
		manager.Subscribe(recorder.Record)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer func() {
		log.Info("stopping engine")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := manager.Close(stopCtx); closeErr != nil {
			log.Error("error stopping engine", "error", closeErr)
		}
	}()
	log.Info("engine started",
		"models", cfg.Models.Path,
		"max_devices", cfg.Engine.MaxDevices,
	)

	// HTTP control plane
	server, err := api.New(api.Deps{
		Config:  cfg.API,
		Stream:  cfg.Stream,
		Metrics: cfg.Metrics,
		Logger:  log,
		Manager: manager,
		History: repo,
		Engine:  em,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// validateModels parses each argument as a model file and reports
// validation failures. Without arguments it validates every model in
// the configured model directory.
func validateModels(cmd *cobra.Command, args []string, configPath string) error {
	paths := args
	if len(paths) == 0 {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		entries, err := os.ReadDir(cfg.Models.Path)
		if err != nil {
			return fmt.Errorf("reading model directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || len(e.Name()) < 6 || e.Name()[len(e.Name())-5:] != ".json" {
				continue
			}
			paths = append(paths, cfg.Models.Path+"/"+e.Name())
		}
	}
	if len(paths) == 0 {
		return fmt.Errorf("no model files to validate")
	}

	var failed int
	for _, path := range paths {
		if err := validateModelFile(path); err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK   %s\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d model files failed validation", failed, len(paths))
	}
	return nil
}

func validateModelFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m device.Model
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing JSON: %w", err)
	}
	return device.ValidateModel(&m)
}
