package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/kmzproc/internal/audit"
	"github.com/withObsrvr/kmzproc/internal/checkpoint"
	"github.com/withObsrvr/kmzproc/internal/config"
	"github.com/withObsrvr/kmzproc/internal/logging"
	"github.com/withObsrvr/kmzproc/internal/metrics"
	"github.com/withObsrvr/kmzproc/internal/pipeline"
	"github.com/withObsrvr/kmzproc/internal/storage"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal", "component", "main", "signal", sig.String())
		cancel()
	}()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "kmzproc",
		Short:         "Normalize KML/KMZ parking zones into SQL and a merged KML document",
		Version:       fmt.Sprintf("%s (%s)", pipeline.Version, pipeline.GitSHA),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if configFile != "" {
				os.Setenv("CONFIG_FILE", configFile)
			}
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file (overrides CONFIG_FILE)")

	root.AddCommand(
		processCmd(),
		mergeCmd(),
		serveCmd(),
		verifyAuditCmd(),
	)
	return root
}

// app holds the wiring shared by every command.
type app struct {
	cfg     config.Config
	fs      afero.Fs
	store   storage.ArtifactStore
	audit   audit.Emitter
	metrics *metrics.Metrics
	proc    *pipeline.Processor
}

// newApp loads configuration and builds the processor. Call close when done.
func newApp(ctx context.Context, override func(*config.Config)) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(&cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	log := logging.Component("main")
	log.Info("kmzproc starting", "version", pipeline.Version, "git_sha", pipeline.GitSHA)

	a := &app{cfg: cfg, fs: afero.NewOsFs()}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.Init("kmzproc")
	}

	a.store, err = storage.NewArtifactStore(ctx, storage.StorageConfig{
		Backend:    cfg.Storage.Backend,
		LocalDir:   cfg.Storage.LocalDir,
		Bucket:     cfg.Storage.Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		Prefix:     cfg.Storage.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	cp, err := checkpoint.NewManager(a.fs, checkpoint.Config{
		Enabled:     cfg.Checkpoint.Enabled,
		Dir:         cfg.Checkpoint.Dir,
		ProcessorID: cfg.Checkpoint.ProcessorID,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create checkpoint manager: %w", err)
	}

	a.audit, err = audit.NewEmitter(a.fs, audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Dir:      cfg.Audit.Dir,
		Endpoint: cfg.Audit.Endpoint,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create audit emitter: %w", err)
	}

	a.proc, err = pipeline.New(cfg, a.fs, a.store,
		pipeline.WithCheckpoint(cp),
		pipeline.WithAudit(a.audit),
		pipeline.WithMetrics(a.metrics),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.audit != nil {
		a.audit.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("failed to close storage", "component", "main", "error", err)
		}
	}
}
