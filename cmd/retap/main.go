// retap finds tapping blocks and individual taps in tri-axial accelerometer
// recordings stored as CSV files.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"retap/internal/api"
	"retap/internal/config"
	"retap/internal/engine"
	"retap/internal/ingest"
	"retap/internal/logging"
	"retap/internal/model"
	"retap/internal/normalize"
	"retap/internal/notices"
	"retap/internal/publish"
	"retap/internal/results"
	"retap/internal/storage"
)

var version = "dev"

var (
	configPath string
	sampleRate string
	mainAxis   string
	jsonOutput bool
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "retap",
		Short: "Tap detection for accelerometer recordings",
		Long: `retap reads tri-axial accelerometer recordings (CSV with X, Y and Z
columns), finds the blocks of continuous tapping and splits each block into
individual taps with raise, lower and impact boundaries.

Commands:
  blocks   List the active tapping blocks of each file
  taps     Detect the taps of each file
  run      Analyze files or directories in parallel
  history  List recordings kept in the configured database
  serve    Run the HTTP API with directory and Kafka ingest`,
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML or JSON)")
	root.PersistentFlags().StringVar(&sampleRate, "fs", "", "sample rate in Hz (default: from file name, then config)")
	root.PersistentFlags().StringVar(&mainAxis, "axis", "auto", "main axis: x, y, z or auto")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "write JSON instead of text")

	root.AddCommand(
		blocksCmd(),
		tapsCmd(),
		runCmd(),
		historyCmd(),
		serveCmd(),
	)
	return root
}

type app struct {
	cfg      *config.Manager
	logger   *slog.Logger
	results  *results.Store
	notices  *notices.Store
	analyzer *engine.Analyzer
}

// newApp loads the configuration and wires the analyzer, logging to logOut.
// Persistence and publishing are only attached when withOutputs is set.
func newApp(ctx context.Context, withOutputs bool, logOut io.Writer) (*app, func(), error) {
	cfgManager, err := config.NewManager(config.ResolvePath(configPath))
	if err != nil {
		return nil, nil, err
	}
	cfg := cfgManager.Get()
	logger := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	a := &app{
		cfg:     cfgManager,
		logger:  logger,
		results: results.NewStore(cfg.Results.StoreLimit),
		notices: notices.NewStore(cfg.Notices.StoreLimit),
	}

	var closers []func()
	var store storage.Store
	var pub publish.Publisher
	if withOutputs {
		store, err = storage.NewStore(cfg.Storage)
		if err != nil {
			return nil, nil, err
		}
		if store != nil {
			if err := store.Init(ctx); err != nil {
				_ = store.Close()
				return nil, nil, fmt.Errorf("init storage: %w", err)
			}
			logger.Info("storage enabled", "driver", cfg.Storage.Driver)
			closers = append(closers, func() { _ = store.Close() })
		}
		if pub = publish.New(cfg.Publish); pub != nil {
			logger.Info("publishing enabled", "brokers", cfg.Publish.Brokers, "topic", cfg.Publish.Topic)
			closers = append(closers, func() { _ = pub.Close() })
		}
	}
	a.analyzer = engine.NewAnalyzer(cfg, logger, a.results, a.notices, store, pub)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return a, cleanup, nil
}

func (a *app) job(path string) (model.Job, error) {
	return normalize.Normalize(normalize.JobFields{
		Path:       path,
		SampleRate: sampleRate,
		MainAxis:   mainAxis,
		Source:     "cli",
	}, a.cfg.Get())
}

// jobs expands directories into the files matching the ingest pattern.
func (a *app) jobs(args []string) ([]model.Job, error) {
	pattern := a.cfg.Get().Ingest.DirScan.Pattern
	var out []model.Job
	for _, arg := range args {
		paths := []string{arg}
		if info, err := os.Stat(arg); err == nil && info.IsDir() {
			matches, err := filepath.Glob(filepath.Join(arg, pattern))
			if err != nil {
				return nil, err
			}
			paths = matches
		}
		for _, path := range paths {
			job, err := a.job(path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out = append(out, job)
		}
	}
	return out, nil
}

func blocksCmd() *cobra.Command {
	var exportDir string
	cmd := &cobra.Command{
		Use:   "blocks <file>...",
		Short: "List active tapping blocks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cmd.Context(), false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer cleanup()
			report := map[string][]blockRow{}
			for _, path := range args {
				job, err := a.job(path)
				if err != nil {
					return err
				}
				rec, err := ingest.LoadRecording(job)
				if err != nil {
					return err
				}
				found, err := a.analyzer.Segment(rec)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				rows := make([]blockRow, len(found))
				for i, b := range found {
					rows[i] = blockRow{Index: b.Index, Start: b.Start, End: b.End, Seconds: b.Seconds(rec.SampleRate)}
				}
				report[rec.ID] = rows
				if exportDir != "" {
					paths, err := ingest.ExportBlocks(exportDir, rec.ID, rec.SampleRate, found)
					if err != nil {
						return err
					}
					a.logger.Info("blocks exported", "recording_id", rec.ID, "files", len(paths), "dir", exportDir)
				}
				if !jsonOutput {
					printBlocks(cmd.OutOrStdout(), rec.ID, rows)
				}
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&exportDir, "export", "", "write each block as CSV into this directory")
	return cmd
}

type blockRow struct {
	Index   int     `json:"index"`
	Start   int     `json:"start"`
	End     int     `json:"end"`
	Seconds float64 `json:"seconds"`
}

func printBlocks(w io.Writer, id string, rows []blockRow) {
	fmt.Fprintf(w, "%s: %d block(s)\n", id, len(rows))
	for _, r := range rows {
		fmt.Fprintf(w, "  block %d  samples %d-%d  %.2fs\n", r.Index, r.Start, r.End, r.Seconds)
	}
}

func tapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "taps <file>...",
		Short: "Detect taps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := newApp(cmd.Context(), false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer cleanup()
			var out []model.RecordingResult
			for _, path := range args {
				job, err := a.job(path)
				if err != nil {
					return err
				}
				rec, err := ingest.LoadRecording(job)
				if err != nil {
					return err
				}
				res, err := a.analyzer.Analyze(cmd.Context(), rec, job.MainAxis)
				if err != nil {
					return err
				}
				out = append(out, res)
				if !jsonOutput {
					printTaps(cmd.OutOrStdout(), res)
				}
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return nil
		},
	}
}

func printTaps(w io.Writer, res model.RecordingResult) {
	fmt.Fprintf(w, "%s: %d tap(s) in %d block(s)\n", res.ID, res.TapCount(), len(res.Blocks))
	for _, b := range res.Blocks {
		fmt.Fprintf(w, "  block %d  axis %d  taps %d  rate %.2f/s  interval %.3fs  cv %.3f  freq %.2fHz\n",
			b.Index, b.MainAxis, b.Summary.TapCount, b.Summary.TapRate,
			b.Summary.MeanIntervalSec, b.Summary.IntervalCV, b.Summary.DominantFreqHz)
		for i, times := range b.Times {
			fmt.Fprintf(w, "    tap %d  start %s  impact %s  stop %s\n", i,
				formatSecond(times[0]), formatSecond(times[5]), formatSecond(times[6]))
		}
	}
}

func formatSecond(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.3fs", *v)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <file|dir>...",
		Short: "Analyze many recordings in parallel and persist the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			a, cleanup, err := newApp(ctx, true, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer cleanup()
			jobs, err := a.jobs(args)
			if err != nil {
				return err
			}
			start := time.Now()
			outcomes := a.analyzer.Batch(ctx, jobs)
			failed := 0
			for _, o := range outcomes {
				if o.Err != nil {
					failed++
					a.logger.Error("recording failed", "path", o.Job.Path, "err", o.Err)
				}
			}
			a.logger.Info("batch finished",
				"recordings", len(outcomes),
				"failed", failed,
				"elapsed", time.Since(start).Round(time.Millisecond).String(),
			)
			if jsonOutput {
				list := make([]model.RecordingResult, 0, len(outcomes))
				for _, o := range outcomes {
					if o.Err == nil {
						list = append(list, o.Result)
					}
				}
				return writeJSON(cmd.OutOrStdout(), list)
			}
			for _, o := range outcomes {
				if o.Err == nil {
					printTaps(cmd.OutOrStdout(), o.Result)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d recordings failed", failed, len(outcomes))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the most recently analyzed recordings from storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgManager, err := config.NewManager(config.ResolvePath(configPath))
			if err != nil {
				return err
			}
			store, err := storage.NewStore(cfgManager.Get().Storage)
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("storage is disabled; set storage.enabled in the config")
			}
			defer store.Close()
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("init storage: %w", err)
			}
			rows, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				if rows == nil {
					rows = []storage.RecordingRow{}
				}
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			w := cmd.OutOrStdout()
			for _, r := range rows {
				fmt.Fprintf(w, "%s  %s  %s  %d block(s)  %d tap(s)  %.0fHz\n",
					r.AnalyzedAt.Local().Format(time.DateTime), r.ID, r.Source, r.Blocks, r.Taps, r.SampleRate)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of recordings to list")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and analyze ingested recordings",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			a, cleanup, err := newApp(ctx, true, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer cleanup()

			cfg := a.cfg.Get()
			jobs := make(chan model.Job, cfg.Ingest.ChannelBuffer)
			a.analyzer.Start(ctx, jobs)
			ingest.StartDirScan(ctx, a.cfg, jobs, a.logger)
			ingest.StartKafka(ctx, a.cfg, jobs, a.logger)
			api.Start(ctx, a.cfg, a.results, a.notices, a.analyzer, a.logger, version)

			go a.cfg.Watch(ctx, 3*time.Second, func(next *config.Config) {
				a.analyzer.UpdateConfig(next)
				a.logger.Info("config reloaded", "path", a.cfg.Path())
			}, func(err error) {
				a.logger.Warn("config reload failed", "err", err)
			})

			a.logger.Info("retap started", "version", version, "config", a.cfg.Path())
			<-ctx.Done()
			a.logger.Info("retap stopping")
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
