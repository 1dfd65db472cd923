package driver

import (
	"context"
	"fmt"

	"memprof/internal/ctxlog"
)

// Profiler measures GPU memory limits by launching training runs.
type Profiler interface {
	Run(ctx context.Context) error
}

// Factory constructs the two profiler flavours.
type Factory interface {
	NewStatic(profileDir string, tmpl *CommandTemplate, localBatchSize int) (Profiler, error)
	NewDynamic(profileDir string, tmpl *CommandTemplate, minBatchSize int, search SearchFunc, maxBatchSize *int) (Profiler, error)
}

// Plan is a validated set of options ready to be dispatched.
type Plan struct {
	Mode       Mode
	Arch       string
	ProfileDir string
	Template   *CommandTemplate

	LocalBatchSize int // static mode
	MinBatchSize   int // dynamic mode
	MaxBatchSize   *int
	Search         SearchFunc
}

// Prepare validates opts and builds the command template.
func Prepare(ctx context.Context, opts Options) (*Plan, error) {
	mode, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	tmpl, err := BuildCommandTemplate(opts.Arch, DataDir(opts.DataStorage), opts.Launcher)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Mode:       mode,
		Arch:       opts.Arch,
		ProfileDir: opts.ProfileDir,
		Template:   tmpl,
	}
	switch mode {
	case ModeStatic:
		p.LocalBatchSize = *opts.LocalBatchSize
		if opts.MaxBatchSize != nil {
			ctxlog.FromContext(ctx).Warn("--max-batch-size is ignored for static profiling", "max_batch_size", *opts.MaxBatchSize)
		}
	case ModeDynamic:
		p.MinBatchSize = *opts.MinBatchSize
		p.MaxBatchSize = opts.MaxBatchSize
		p.Search = StepBy(p.MinBatchSize)
	}
	return p, nil
}

// FirstParams returns the parameters of the first run the plan will launch.
func (p *Plan) FirstParams() Params {
	lbs := p.LocalBatchSize
	if p.Mode == ModeDynamic {
		lbs = p.MinBatchSize
	}
	return Params{LocalBatchSize: lbs, NumModels: 1, AccumStep: 1}
}

// Build asks f for the profiler matching the plan's mode.
func (p *Plan) Build(f Factory) (Profiler, error) {
	switch p.Mode {
	case ModeStatic:
		return f.NewStatic(p.ProfileDir, p.Template, p.LocalBatchSize)
	case ModeDynamic:
		return f.NewDynamic(p.ProfileDir, p.Template, p.MinBatchSize, p.Search, p.MaxBatchSize)
	default:
		return nil, fmt.Errorf("unknown profiling mode %q", p.Mode)
	}
}

// Run builds the profiler with f and runs it. Errors from the profiler are
// returned unchanged.
func (p *Plan) Run(ctx context.Context, f Factory) error {
	prof, err := p.Build(f)
	if err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("starting memory profiler",
		"mode", p.Mode, "arch", p.Arch, "profile_dir", p.ProfileDir)
	return prof.Run(ctx)
}

// Run validates opts, then builds and runs the matching profiler.
func Run(ctx context.Context, opts Options, f Factory) error {
	p, err := Prepare(ctx, opts)
	if err != nil {
		return err
	}
	return p.Run(ctx, f)
}
