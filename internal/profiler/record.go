package profiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Measurement is the memory limit found for one local batch size.
type Measurement struct {
	Arch           string    `yaml:"arch" json:"arch"`
	LocalBatchSize int       `yaml:"local_batch_size" json:"local_batch_size"`
	MaxNumModels   int       `yaml:"max_num_models" json:"max_num_models"`
	Attempts       int       `yaml:"attempts" json:"attempts"`
	Command        string    `yaml:"command,omitempty" json:"command,omitempty"`
	RecordedAt     time.Time `yaml:"recorded_at" json:"recorded_at"`
}

// Recorder persists measurements.
type Recorder interface {
	Record(ctx context.Context, m Measurement) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, m Measurement) error

func (f RecorderFunc) Record(ctx context.Context, m Measurement) error { return f(ctx, m) }

// MultiRecorder records to every recorder in order and stops at the first error.
type MultiRecorder []Recorder

func (mr MultiRecorder) Record(ctx context.Context, m Measurement) error {
	for _, r := range mr {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

const recordPrefix = "lbs_"

// DirRecorder writes one YAML file per local batch size into Dir.
type DirRecorder struct {
	Dir string
}

// RecordPath returns the file a measurement for lbs is written to.
func RecordPath(dir string, lbs int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d.yaml", recordPrefix, lbs))
}

func (d DirRecorder) Record(ctx context.Context, m Measurement) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode measurement: %w", err)
	}
	if err := os.WriteFile(RecordPath(d.Dir, m.LocalBatchSize), b, 0o644); err != nil {
		return fmt.Errorf("write measurement: %w", err)
	}
	return nil
}

// ReadDir loads every measurement file in dir, sorted by local batch size.
func ReadDir(dir string) ([]Measurement, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Measurement
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, recordPrefix) || filepath.Ext(name) != ".yaml" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var m Measurement
		if err := yaml.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return nil, errors.New("no measurements found in " + dir)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalBatchSize < out[j].LocalBatchSize })
	return out, nil
}
