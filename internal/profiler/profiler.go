// Package profiler launches training runs with varying local batch sizes and
// model replica counts and records the largest configuration that fits in
// GPU memory.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"memprof/internal/ctxlog"
	"memprof/internal/driver"
)

// accumStep is fixed while probing; accumulation does not change the
// per-step memory footprint.
const accumStep = 1

// Options shared by both profilers.
type Options struct {
	Arch         string
	MaxNumModels int
	Runner       Runner
	// Recorder receives each measurement in addition to the profile dir.
	Recorder Recorder
	Now      func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

type prober struct {
	opts Options
	dir  string
	tmpl *driver.CommandTemplate
}

// probe raises the replica count until the training run runs out of memory
// and returns the largest count that succeeded.
func (p *prober) probe(ctx context.Context, lbs int) (Measurement, error) {
	log := ctxlog.FromContext(ctx).With("local_batch_size", lbs)
	m := Measurement{Arch: p.opts.Arch, LocalBatchSize: lbs}
	for n := 1; n <= p.opts.MaxNumModels; n++ {
		command, err := p.tmpl.Render(driver.Params{LocalBatchSize: lbs, NumModels: n, AccumStep: accumStep})
		if err != nil {
			return Measurement{}, err
		}
		log.Debug("launching training", "num_models", n, "command", command)
		m.Attempts++
		out, err := p.opts.Runner.Run(ctx, command)
		if err != nil {
			return Measurement{}, fmt.Errorf("lbs=%d num_models=%d: %w", lbs, n, err)
		}
		if out.OutOfMemory {
			log.Info("out of memory", "num_models", n)
			break
		}
		m.MaxNumModels = n
		m.Command = command
	}
	m.RecordedAt = p.opts.now()
	return m, nil
}

func (p *prober) record(ctx context.Context, m Measurement) error {
	return MultiRecorder{DirRecorder{Dir: p.dir}, p.opts.Recorder}.Record(ctx, m)
}

func newProber(profileDir string, tmpl *driver.CommandTemplate, opts Options) (prober, error) {
	if profileDir == "" {
		return prober{}, errors.New("profile dir is required")
	}
	if tmpl == nil {
		return prober{}, errors.New("command template is required")
	}
	if opts.Runner == nil {
		return prober{}, errors.New("runner is required")
	}
	if opts.MaxNumModels <= 0 {
		return prober{}, fmt.Errorf("max num models must be positive, got %d", opts.MaxNumModels)
	}
	return prober{opts: opts, dir: profileDir, tmpl: tmpl}, nil
}

// Static profiles a single, fixed local batch size.
type Static struct {
	prober
	LocalBatchSize int
}

func NewStatic(profileDir string, tmpl *driver.CommandTemplate, localBatchSize int, opts Options) (*Static, error) {
	p, err := newProber(profileDir, tmpl, opts)
	if err != nil {
		return nil, err
	}
	if localBatchSize <= 0 {
		return nil, fmt.Errorf("local batch size must be positive, got %d", localBatchSize)
	}
	return &Static{prober: p, LocalBatchSize: localBatchSize}, nil
}

func (s *Static) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	m, err := s.probe(ctx, s.LocalBatchSize)
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("profiled local batch size",
		"local_batch_size", m.LocalBatchSize, "max_num_models", m.MaxNumModels)
	return s.record(ctx, m)
}

// Dynamic grows the local batch size from MinBatchSize using Search until a
// single replica no longer fits or MaxBatchSize is exceeded.
type Dynamic struct {
	prober
	MinBatchSize int
	MaxBatchSize *int
	Search       driver.SearchFunc
}

func NewDynamic(profileDir string, tmpl *driver.CommandTemplate, minBatchSize int, search driver.SearchFunc, maxBatchSize *int, opts Options) (*Dynamic, error) {
	p, err := newProber(profileDir, tmpl, opts)
	if err != nil {
		return nil, err
	}
	if minBatchSize <= 0 {
		return nil, fmt.Errorf("min batch size must be positive, got %d", minBatchSize)
	}
	if search == nil {
		return nil, errors.New("search function is required")
	}
	return &Dynamic{prober: p, MinBatchSize: minBatchSize, MaxBatchSize: maxBatchSize, Search: search}, nil
}

func (d *Dynamic) Run(ctx context.Context) error {
	if err := os.Mkdir(d.dir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	log := ctxlog.FromContext(ctx)
	for lbs := d.MinBatchSize; d.MaxBatchSize == nil || lbs <= *d.MaxBatchSize; {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := d.probe(ctx, lbs)
		if err != nil {
			return err
		}
		if m.MaxNumModels == 0 {
			log.Info("local batch size does not fit on one replica", "local_batch_size", lbs)
			return nil
		}
		log.Info("profiled local batch size", "local_batch_size", lbs, "max_num_models", m.MaxNumModels)
		if err := d.record(ctx, m); err != nil {
			return err
		}
		next := d.Search(lbs)
		if next <= lbs {
			return fmt.Errorf("search function did not grow local batch size: %d -> %d", lbs, next)
		}
		lbs = next
	}
	return nil
}

// Factory builds profilers sharing Options. It satisfies driver.Factory.
type Factory struct {
	Options Options
}

func (f Factory) NewStatic(profileDir string, tmpl *driver.CommandTemplate, localBatchSize int) (driver.Profiler, error) {
	s, err := NewStatic(profileDir, tmpl, localBatchSize, f.Options)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (f Factory) NewDynamic(profileDir string, tmpl *driver.CommandTemplate, minBatchSize int, search driver.SearchFunc, maxBatchSize *int) (driver.Profiler, error) {
	d, err := NewDynamic(profileDir, tmpl, minBatchSize, search, maxBatchSize, f.Options)
	if err != nil {
		return nil, err
	}
	return d, nil
}
