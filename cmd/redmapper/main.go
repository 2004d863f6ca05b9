package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jacobic/redmapper/pkg/analysis"
	"github.com/jacobic/redmapper/pkg/background"
	"github.com/jacobic/redmapper/pkg/catalog"
	"github.com/jacobic/redmapper/pkg/compute"
	"github.com/jacobic/redmapper/pkg/metrics"
	"github.com/jacobic/redmapper/pkg/redsequence"
	"github.com/jacobic/redmapper/pkg/runner"
	"github.com/jacobic/redmapper/pkg/utils"
)

const (
	appName = "redmapper"
	version = "v0.3.0"
)

var (
	cfgFile  string
	logLevel string

	config *utils.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Red-sequence galaxy cluster finder",
	Long: `redmapper finds galaxy clusters in photometric catalogs by their red
sequence. It measures the richness and photometric redshift of every input
cluster position, percolates overlapping clusters, and calibrates the
red-sequence model from training galaxies.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" || cmd.Name() == "version" || cmd.Name() == "help" {
			logger = newLogger(slog.LevelInfo)
			return nil
		}
		var err error
		config, err = utils.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			config.Client.LogLevel = logLevel
		}
		level, err := utils.ParseLogLevel(config.Client.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(level)
		slog.SetDefault(logger)
		return nil
	},
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// initCmd writes a default configuration file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			var err error
			if path, err = utils.GetConfigPath(); err != nil {
				return err
			}
		}
		force, _ := cmd.Flags().GetBool("force")
		if _, err := os.Stat(path); err == nil && !force {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := utils.SaveConfig(utils.DefaultConfig(), path); err != nil {
			return err
		}
		logger.Info("configuration written", "path", path)
		return nil
	},
}

// runCmd runs the cluster finder over the configured tiles
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the cluster finder over the configured tiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			config.Run.Mode = mode
		}
		if listen, _ := cmd.Flags().GetString("metrics-listen"); listen != "" {
			config.Metrics.Listen = listen
		}
		tiles, _ := cmd.Flags().GetStringSlice("tile")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runTiles(ctx, tiles)
	},
}

func runTiles(ctx context.Context, tiles []string) error {
	settings, err := config.Settings()
	if err != nil {
		return err
	}
	if len(tiles) == 0 {
		for _, t := range config.Tiles.List {
			tiles = append(tiles, t.ID)
		}
	}
	for _, id := range tiles {
		if _, err := config.Tile(id); err != nil {
			return err
		}
	}

	cosmo := config.Cosmo()
	model, err := redsequence.Load(config.Model.ParFile, cosmo)
	if err != nil {
		return err
	}
	bkg, err := background.Load(config.Model.BkgFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(config.Tiles.OutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	runID := uuid.NewString()
	log := logger.With("run_id", runID, "mode", settings.Mode)
	rec := metrics.NewRecorder()
	tm := compute.NewTileManager(compute.Shared{Model: model, Background: bkg, Cosmo: cosmo},
		settings, config.Resources.MaxConcurrent, log, rec)

	if config.Metrics.Listen != "" {
		srvCtx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := compute.Serve(srvCtx, config.Metrics.Listen, compute.NewRouter(tm, rec), log); err != nil {
				log.Error("status server failed", "err", err)
			}
		}()
	}

	log.Info("run started", "tiles", len(tiles), "max_concurrent", config.Resources.MaxConcurrent)
	if err := tm.Run(ctx, runID, tiles, loadTile, writeTile(settings.Mode)); err != nil {
		return err
	}
	stats := tm.GetStatistics()
	log.Info("run finished", "tiles", stats.CompletedJobs, "clusters", stats.Clusters)
	return nil
}

func loadTile(ctx context.Context, id string) (*compute.TileInput, error) {
	tile, err := config.Tile(id)
	if err != nil {
		return nil, err
	}
	gals, err := catalog.ReadGalaxies(tile.GalFile)
	if err != nil {
		return nil, err
	}
	clusters, _, err := catalog.ReadClusters(tile.ClusterFile)
	if err != nil {
		return nil, err
	}
	return &compute.TileInput{
		Galaxies: gals,
		Clusters: clusters,
		Mask:     tile.Mask(),
		Depth:    tile.Depth(),
	}, nil
}

func writeTile(mode runner.Mode) compute.Sink {
	return func(ctx context.Context, job compute.TileJob, out *runner.Output) error {
		meta := map[string]string{
			"run_id":  job.RunID,
			"tile":    job.Tile,
			"mode":    string(mode),
			"version": version,
		}
		base := filepath.Join(config.Tiles.OutDir, job.Tile)
		if err := catalog.WriteClusters(base+"_clusters.rmt", out.Clusters, meta); err != nil {
			return err
		}
		return catalog.WriteMembers(base+"_members.rmt", out.Members, meta)
	}
}

// calibrateCmd calibrates the red-sequence model
var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Calibrate the red-sequence model from training galaxies",
	RunE: func(cmd *cobra.Command, args []string) error {
		training, _ := cmd.Flags().GetString("training")
		if training == "" {
			training = config.Calibration.TrainingFile
		}
		if training == "" {
			return fmt.Errorf("no training set: use --training or calibration.training_file")
		}
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = config.Calibration.OutFile
		}

		var cb *background.ColorBackground
		if config.Model.BkgFileColor != "" {
			var err error
			if cb, err = background.LoadColor(config.Model.BkgFileColor); err != nil {
				return err
			}
		}
		gals, err := analysis.ReadTraining(training)
		if err != nil {
			return err
		}

		mgr := analysis.NewManager(config.Cosmo(), cb, logger)
		params, res, err := mgr.CalibrateRedSequence(gals, config.CalibrationSettings(), config.Run.DoRaise)
		if err != nil {
			return err
		}
		model, err := mgr.BuildModel(params)
		if err != nil {
			return err
		}
		if err := model.Save(out); err != nil {
			return err
		}
		logger.Info("model written", "path", out, "run_id", res.RunID, "duration", res.Duration)
		return nil
	},
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", appName, version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.redmapper/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	initCmd.Flags().Bool("force", false, "overwrite an existing config file")

	runCmd.Flags().String("mode", "", "run mode (fullrun, runcat, zredonly, zscan)")
	runCmd.Flags().StringSlice("tile", nil, "tiles to run (default all configured tiles)")
	runCmd.Flags().String("metrics-listen", "", "address of the /metrics and status server, e.g. :9090")

	calibrateCmd.Flags().String("training", "", "training galaxy table with z and p columns")
	calibrateCmd.Flags().String("out", "", "output model file")

	rootCmd.AddCommand(initCmd, runCmd, calibrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
