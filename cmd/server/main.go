// Command farmadvisor runs the farm advisory pipeline.
//
// Subcommands:
//   - serve: HTTP API, WebSocket stage stream and gRPC health service
//   - ask:   run one query from the command line and print the result
//   - purge: remove expired conversations once
//
// Configuration comes from --config (YAML), FARMADVISOR_* environment
// variables and an optional .env file in the working directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shivangiamit/hackathon/internal/audit"
	"github.com/shivangiamit/hackathon/internal/config"
	"github.com/shivangiamit/hackathon/internal/db"
	"github.com/shivangiamit/hackathon/internal/models"
	"github.com/shivangiamit/hackathon/internal/reasoning/engine"
	"github.com/shivangiamit/hackathon/internal/server"
	"github.com/shivangiamit/hackathon/internal/tracing"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "farmadvisor",
		Short:         "Sensor-grounded farm advice from a judged LLM pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// Production deployments have no .env file.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath, "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newAskCmd(&configPath),
		newPurgeCmd(&configPath),
	)
	return root
}

// ─── serve ────────────────────────────────────────────────────────────────────

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP, WebSocket and gRPC health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	mgr, cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()

	shutdownTracing, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SamplingRate)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			a.log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	srv, err := server.NewServer(server.ConfigFrom(cfg), server.Deps{
		Engine:   a.engine,
		Outcomes: a.learner,
		Store:    a.store,
		Cache:    a.cache,
		LLM:      a.llm,
		Janitor:  a.janitor,
		Audit:    a.audit,
		Logger:   a.log,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		srv.Close()
		return fmt.Errorf("start server: %w", err)
	}

	updates := mgr.Watch(ctx)
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case next := <-updates:
			logConfigChange(ctx, a, cfg, &next)
		}
	}

	a.log.Info("received shutdown signal")
	if err := srv.Stop(context.Background()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	return nil
}

// logConfigChange records a reload of the config file. Listener, database
// and provider settings take effect on the next restart.
func logConfigChange(ctx context.Context, a *app, prev, next *config.Config) {
	restart := !reflect.DeepEqual(prev.Server, next.Server) ||
		prev.LLM != next.LLM ||
		prev.Database != next.Database ||
		prev.Redis != next.Redis
	a.log.Info("configuration file changed", zap.Bool("restart_required", restart))
	_ = a.audit.Log(ctx, audit.NewEvent(audit.EventConfigChanged).
		WithResult(audit.ResultSuccess).
		WithMetadata("restart_required", restart))
}

// ─── ask ──────────────────────────────────────────────────────────────────────

type askFlags struct {
	farmerID  string
	query     string
	queryType string
	snapshot  models.SensorSnapshot
	stages    bool
}

func newAskCmd(configPath *string) *cobra.Command {
	var f askFlags
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Run one query through the pipeline and print the result as JSON",
		Long: `Run one query through the pipeline. Sensor values given as flags form the
snapshot; without any sensor flag the farmer's latest stored reading is used.

Examples:
  farmadvisor ask --farmer f1 --query "Should I water today?" --moisture 28 --crop Tomato
  farmadvisor ask --farmer f1 --query "Is my soil too acidic?" --stages`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.farmerID == "" || f.query == "" {
				return fmt.Errorf("--farmer and --query are required")
			}
			useFlags := false
			for name, metric := range sensorFlags {
				if !cmd.Flags().Changed(name) {
					continue
				}
				useFlags = true
				if metric != "" {
					f.snapshot.Reported = f.snapshot.Reported.With(metric)
				}
			}
			return ask(cmd.Context(), *configPath, f, useFlags, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.farmerID, "farmer", "", "farmer id")
	fl.StringVarP(&f.query, "query", "q", "", "question to ask")
	fl.StringVar(&f.queryType, "type", "", "query type hint (watering, disease, fertilizer, ph, nutrients, pest, weather, general)")
	fl.Float64Var(&f.snapshot.Moisture, "moisture", 0, "soil moisture %")
	fl.Float64Var(&f.snapshot.PH, "ph", 0, "soil pH")
	fl.Float64Var(&f.snapshot.Nitrogen, "nitrogen", 0, "nitrogen ppm")
	fl.Float64Var(&f.snapshot.Phosphorus, "phosphorus", 0, "phosphorus ppm")
	fl.Float64Var(&f.snapshot.Potassium, "potassium", 0, "potassium ppm")
	fl.Float64Var(&f.snapshot.Temperature, "temperature", 0, "air temperature °C")
	fl.Float64Var(&f.snapshot.Humidity, "humidity", 0, "relative humidity %")
	fl.StringVar(&f.snapshot.Crop, "crop", "", "current crop")
	fl.BoolVar(&f.snapshot.MotorOn, "motor-on", false, "irrigation motor is running")
	fl.BoolVar(&f.stages, "stages", false, "print stage transitions to stderr")
	return cmd
}

// sensorFlags maps each snapshot flag to the metric it measures.
var sensorFlags = map[string]models.Metric{
	"moisture":    models.MetricMoisture,
	"ph":          models.MetricPH,
	"nitrogen":    models.MetricNitrogen,
	"phosphorus":  models.MetricPhosphorus,
	"potassium":   models.MetricPotassium,
	"temperature": models.MetricTemperature,
	"humidity":    models.MetricHumidity,
	"crop":        "",
	"motor-on":    "",
}

func ask(ctx context.Context, configPath string, f askFlags, useFlags bool, stdout, stderr io.Writer) error {
	_, cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so stdout stays valid JSON.
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	snap := f.snapshot
	if !useFlags {
		latest, err := a.store.LatestReading(ctx, f.farmerID)
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("no stored reading for farmer %s; pass sensor flags", f.farmerID)
		}
		if err != nil {
			return fmt.Errorf("load latest reading: %w", err)
		}
		snap = latest.Snapshot
	}

	req := engine.QueryRequest{
		RunID:     fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		FarmerID:  f.farmerID,
		Query:     f.query,
		Snapshot:  snap,
		QueryType: models.QueryType(f.queryType),
	}

	printed := make(chan struct{})
	if f.stages {
		sub := a.engine.Subscribe(req.RunID)
		defer a.engine.Unsubscribe(req.RunID, sub)
		go func() {
			defer close(printed)
			for ev := range sub.Ch {
				fmt.Fprintf(stderr, "%-10s %-20s %-22s %5dms\n", ev.Stage, ev.Event, ev.Status, ev.DurationMs)
			}
		}()
	} else {
		close(printed)
	}

	result, runErr := a.engine.ProcessQuery(ctx, req)
	<-printed

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	return runErr
}

// ─── purge ────────────────────────────────────────────────────────────────────

func newPurgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete conversations past their retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, cfg, err := loadConfig(ctx, *configPath)
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.janitor.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired conversations\n", n)
			return nil
		},
	}
}
