// Package driver validates profiling arguments, assembles the training
// command template and hands both to a static or dynamic profiler.
package driver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"memprof/internal/config"
)

// DataStorageEnv names the base directory holding training datasets.
const DataStorageEnv = "IIDP_DATA_STORAGE"

// ErrConfig is wrapped by every argument error returned from this package.
var ErrConfig = errors.New("configuration error")

var (
	ErrBatchSizeMissing  = fmt.Errorf("%w: one of --local-batch-size or --min-batch-size must be configured", ErrConfig)
	ErrBatchSizeConflict = fmt.Errorf("%w: --local-batch-size and --min-batch-size cannot both be set", ErrConfig)
	ErrProfileDirExists  = fmt.Errorf("%w: --profile-dir must not exist for dynamic profiling", ErrConfig)
	ErrProfileDirMissing = fmt.Errorf("%w: --profile-dir is required", ErrConfig)
	ErrDataStorageUnset  = fmt.Errorf("%w: %s is not set", ErrConfig, DataStorageEnv)
	ErrUnknownArch       = fmt.Errorf("%w: unknown model architecture", ErrConfig)
	ErrBatchSizeInvalid  = fmt.Errorf("%w: batch sizes must be positive", ErrConfig)
	ErrBatchSizeRange    = fmt.Errorf("%w: --max-batch-size must not be smaller than --min-batch-size", ErrConfig)
)

// Mode selects the profiling strategy.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// Architectures lists the model names accepted by --arch.
var Architectures = []string{
	"alexnet",
	"densenet121", "densenet161", "densenet169", "densenet201",
	"googlenet",
	"inception_v3",
	"mnasnet0_5", "mnasnet1_0",
	"mobilenet_v2", "mobilenet_v3_large", "mobilenet_v3_small",
	"resnet101", "resnet152", "resnet18", "resnet34", "resnet50",
	"resnext101_32x8d", "resnext50_32x4d",
	"shufflenet_v2_x0_5", "shufflenet_v2_x1_0",
	"squeezenet1_0", "squeezenet1_1",
	"vgg11", "vgg11_bn", "vgg13", "vgg13_bn", "vgg16", "vgg16_bn", "vgg19", "vgg19_bn",
	"wide_resnet101_2", "wide_resnet50_2",
}

func init() {
	sort.Strings(Architectures)
}

// KnownArch reports whether name is one of Architectures.
func KnownArch(name string) bool {
	i := sort.SearchStrings(Architectures, name)
	return i < len(Architectures) && Architectures[i] == name
}

// Options are the raw driver inputs. Nil batch sizes mean "not given".
type Options struct {
	Arch           string
	ProfileDir     string
	LocalBatchSize *int
	MinBatchSize   *int
	MaxBatchSize   *int
	DataStorage    string
	Launcher       config.Launcher
}

// Mode returns the profiling mode implied by the batch-size arguments.
func (o Options) Mode() (Mode, error) {
	switch {
	case o.LocalBatchSize == nil && o.MinBatchSize == nil:
		return "", ErrBatchSizeMissing
	case o.LocalBatchSize != nil && o.MinBatchSize != nil:
		return "", ErrBatchSizeConflict
	case o.LocalBatchSize != nil:
		return ModeStatic, nil
	default:
		return ModeDynamic, nil
	}
}

// Validate checks the options and returns the selected mode.
func (o Options) Validate() (Mode, error) {
	mode, err := o.Mode()
	if err != nil {
		return "", err
	}
	if o.ProfileDir == "" {
		return "", ErrProfileDirMissing
	}
	if !KnownArch(o.Arch) {
		return "", fmt.Errorf("%w: %q", ErrUnknownArch, o.Arch)
	}

	switch mode {
	case ModeStatic:
		if *o.LocalBatchSize <= 0 {
			return "", fmt.Errorf("%w: --local-batch-size=%d", ErrBatchSizeInvalid, *o.LocalBatchSize)
		}
	case ModeDynamic:
		if *o.MinBatchSize <= 0 {
			return "", fmt.Errorf("%w: --min-batch-size=%d", ErrBatchSizeInvalid, *o.MinBatchSize)
		}
		if o.MaxBatchSize != nil && *o.MaxBatchSize < *o.MinBatchSize {
			return "", fmt.Errorf("%w: min=%d max=%d", ErrBatchSizeRange, *o.MinBatchSize, *o.MaxBatchSize)
		}
		_, err := os.Stat(o.ProfileDir)
		if err == nil {
			return "", fmt.Errorf("%w: %s", ErrProfileDirExists, o.ProfileDir)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat profile dir: %w", err)
		}
	}

	if o.DataStorage == "" {
		return "", ErrDataStorageUnset
	}
	return mode, nil
}
