package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/tunnel.report/internal/config"
	"github.com/banshee-data/tunnel.report/internal/fsutil"
	"github.com/banshee-data/tunnel.report/internal/monitoring"
	"github.com/banshee-data/tunnel.report/internal/tunnel/pipeline"
	"github.com/banshee-data/tunnel.report/internal/tunnel/snapshot"
	"github.com/banshee-data/tunnel.report/internal/tunneldb"
	"github.com/banshee-data/tunnel.report/internal/version"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Tunnel deformation monitoring from lidar scans",
		Long: `tunnel turns lidar scans of a tunnel section into per-cell height series,
grades each cell's deviation from a calibrated baseline, and stores only the
anomalous cells of later scans. Any historical scene can be rebuilt from the
baseline and those deltas, and two captures can be compared.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
				monitoring.SetLogger(nil)
			}
		},
	}

	cmd.PersistentFlags().String("config", "", "Tuning config JSON (default "+config.DefaultConfigPath+" when present)")
	cmd.PersistentFlags().String("structures", "", "Structure registry YAML")
	cmd.PersistentFlags().String("data", "", "Data root, overrides data_root")
	cmd.PersistentFlags().String("db", "", "Metadata database path, overrides database_path")
	cmd.PersistentFlags().BoolP("quiet", "q", false, "Suppress diagnostic logging")

	cmd.AddCommand(NewIngestCmd())
	cmd.AddCommand(NewWatchCmd())
	cmd.AddCommand(NewReconstructCmd())
	cmd.AddCommand(NewDiffCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// env is the resolved configuration shared by the subcommands.
type env struct {
	cfg       *config.TuningConfig
	registry  *config.Registry
	fsys      fsutil.FileSystem
	snapshots *snapshot.Store
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	flags := cmd.Flags()

	cfg := config.EmptyTuningConfig()
	cfgPath, _ := flags.GetString("config")
	if cfgPath == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			cfgPath = config.DefaultConfigPath
		}
	}
	if cfgPath != "" {
		loaded, err := config.LoadTuningConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if v, _ := flags.GetString("data"); v != "" {
		cfg.DataRoot = &v
		if cfg.DatabasePath != nil && !flags.Changed("db") {
			// A relocated data root takes its database along.
			cfg.DatabasePath = nil
		}
	}
	if v, _ := flags.GetString("db"); v != "" {
		cfg.DatabasePath = &v
	}

	registry := config.EmptyRegistry()
	if path, _ := flags.GetString("structures"); path != "" {
		r, err := config.LoadRegistry(path)
		if err != nil {
			return nil, fmt.Errorf("structure registry %s: %w", path, err)
		}
		registry = r
	}

	fsys := fsutil.OSFileSystem{}
	return &env{
		cfg:       cfg,
		registry:  registry,
		fsys:      fsys,
		snapshots: snapshot.New(fsys, cfg.GetDataRoot(), cfg.GetLocation()),
	}, nil
}

func (e *env) openDB() (*tunneldb.DB, error) {
	path := e.cfg.GetDatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := tunneldb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata database %s: %w", path, err)
	}
	return db, nil
}

func (e *env) newProcessor(db *tunneldb.DB, mirror pipeline.Mirror) *pipeline.Processor {
	opts := pipeline.OptionsFromConfig(e.cfg)
	opts.Registry = e.registry
	if db != nil {
		opts.Recorder = db
	}
	opts.Mirror = mirror
	return pipeline.NewProcessor(e.fsys, e.snapshots, opts)
}

// parseTime accepts RFC 3339, or a local timestamp without zone read in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q, want RFC 3339 or 2006-01-02T15:04:05", s)
}
