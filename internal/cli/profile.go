package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"memprof/internal/config"
	"memprof/internal/ctxlog"
	"memprof/internal/driver"
	"memprof/internal/profiler"
	"memprof/internal/store"
)

func profileCmd() *cobra.Command {
	var (
		configPath   string
		arch         string
		profileDir   string
		lbs          int
		minLbs       int
		maxLbs       int
		maxNumModels int
		dryRun       bool
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Profile GPU memory for a fixed (--local-batch-size) or growing (--min-batch-size) local batch size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if profileDir == "" {
				return driver.ErrProfileDirMissing
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()

			opts := driver.Options{
				Arch:        cfg.Arch,
				ProfileDir:  profileDir,
				DataStorage: os.Getenv(driver.DataStorageEnv),
				Launcher:    cfg.Launcher,
			}
			if flags.Changed("arch") {
				opts.Arch = arch
			}
			if flags.Changed("local-batch-size") {
				opts.LocalBatchSize = &lbs
			}
			if flags.Changed("min-batch-size") {
				opts.MinBatchSize = &minLbs
			}
			if flags.Changed("max-batch-size") {
				opts.MaxBatchSize = &maxLbs
			}
			if flags.Changed("max-num-models") {
				cfg.MaxNumModels = maxNumModels
			}

			ctx := cmd.Context()
			plan, err := driver.Prepare(ctx, opts)
			if err != nil {
				return err
			}

			if dryRun {
				line, err := plan.Template.Render(plan.FirstParams())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
				return nil
			}

			popts := profiler.Options{
				Arch:         plan.Arch,
				MaxNumModels: cfg.MaxNumModels,
				Runner:       profiler.NewShellRunner(cfg.OOMMarkers, cfg.EnvList()),
			}
			return runProfile(ctx, plan, popts, opts)
		},
	}
	f := cmd.Flags()
	f.SetNormalizeFunc(lbsAlias)
	f.StringVar(&configPath, "config", "", "Path to memprof YAML config (optional)")
	f.StringVarP(&arch, "arch", "a", config.DefaultArch, "model architecture: "+strings.Join(driver.Architectures, " | "))
	f.StringVar(&profileDir, "profile-dir", "", "Directory of profile data files (required)")
	f.IntVar(&lbs, "local-batch-size", 0, "Local batch size for profiling (also -lbs)")
	f.IntVar(&minLbs, "min-batch-size", 0, "Min local batch size for profiling")
	f.IntVar(&maxLbs, "max-batch-size", 0, "Max local batch size for profiling")
	f.IntVar(&maxNumModels, "max-num-models", config.DefaultMaxNumModels, "Upper bound on model replicas tried per local batch size")
	f.BoolVar(&dryRun, "dry-run", false, "Print the first training command and exit")
	return cmd
}

// runStore is the subset of store.Store that profile runs are recorded with.
type runStore interface {
	CreateRun(ctx context.Context, r store.Run) (string, error)
	AddMeasurement(ctx context.Context, m store.Measurement) error
	FinishRun(ctx context.Context, runID string, status string, resultJSON []byte) error
	Close()
}

var openRunStore = func(ctx context.Context, dsn string) (runStore, error) {
	st, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// runProfile runs plan and, when a DSN is configured, mirrors the run and
// its measurements into PostgreSQL.
func runProfile(ctx context.Context, plan *driver.Plan, popts profiler.Options, opts driver.Options) error {
	log := ctxlog.FromContext(ctx)
	if rf.DSN == "" {
		return plan.Run(ctx, profiler.Factory{Options: popts})
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := openRunStore(openCtx, rf.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	inputs, _ := json.Marshal(map[string]any{
		"local_batch_size": opts.LocalBatchSize,
		"min_batch_size":   opts.MinBatchSize,
		"max_batch_size":   opts.MaxBatchSize,
		"max_num_models":   popts.MaxNumModels,
		"command":          plan.Template.String(),
	})
	runID, err := st.CreateRun(ctx, store.Run{
		Arch:       plan.Arch,
		Mode:       string(plan.Mode),
		ProfileDir: plan.ProfileDir,
		Status:     "running",
		Host:       host(),
		InputsJSON: inputs,
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	log = log.With("run_id", runID)
	log.Info("recording run")

	var recorded atomic.Int64
	popts.Recorder = profiler.RecorderFunc(func(ctx context.Context, m profiler.Measurement) error {
		recorded.Add(1)
		return st.AddMeasurement(ctx, store.Measurement{
			RunID:          runID,
			LocalBatchSize: m.LocalBatchSize,
			MaxNumModels:   m.MaxNumModels,
			Attempts:       m.Attempts,
			Command:        m.Command,
			RecordedAt:     m.RecordedAt,
		})
	})

	runErr := plan.Run(ctx, profiler.Factory{Options: popts})

	status := "ok"
	result := map[string]any{"measurements": recorded.Load()}
	if runErr != nil {
		status = "failed"
		result["error"] = runErr.Error()
	}
	rb, _ := json.Marshal(result)
	// The run context may already be canceled; finishing the row must not be.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelFinish()
	if err := st.FinishRun(finishCtx, runID, status, rb); err != nil {
		log.Error("finish run", "error", err)
		return errors.Join(runErr, err)
	}
	return runErr
}

func host() string {
	h, _ := os.Hostname()
	return h
}
