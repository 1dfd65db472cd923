// Package config loads the optional YAML defaults file for memprof.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultArch         = "resnet50"
	DefaultMaxNumModels = 8
	DefaultPython       = "python"
	DefaultEntrypoint   = "main.py"
	DefaultDistURL      = "tcp://localhost:32005"
	DefaultDistBackend  = "nccl"
)

// DefaultOOMMarkers are substrings of training output that mean the
// subprocess ran out of GPU memory.
var DefaultOOMMarkers = []string{"CUDA out of memory", "OutOfMemoryError"}

// Launcher describes how the training subprocess is started.
type Launcher struct {
	Python      string `yaml:"python"`
	Entrypoint  string `yaml:"entrypoint"`
	DistURL     string `yaml:"dist_url"`
	DistBackend string `yaml:"dist_backend"`
}

// File is the on-disk shape of a memprof config file.
type File struct {
	Arch         string   `yaml:"arch"`
	MaxNumModels int      `yaml:"max_num_models"`
	OOMMarkers   []string `yaml:"oom_markers"`
	Launcher     Launcher `yaml:"launcher"`
	// Env is added to the environment of every training run,
	// e.g. CUDA_VISIBLE_DEVICES.
	Env map[string]string `yaml:"env"`
}

// EnvList returns Env as sorted KEY=VALUE pairs.
func (f File) EnvList() []string {
	if len(f.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(f.Env))
	for k, v := range f.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Default returns a File populated with built-in defaults.
func Default() File {
	f := File{}
	f.applyDefaults()
	return f
}

// LoadYAML parses a config document. Unknown keys are rejected.
func LoadYAML(b []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("yaml parse: %w", err)
	}
	if f.MaxNumModels < 0 {
		return File{}, fmt.Errorf("max_num_models must be positive, got %d", f.MaxNumModels)
	}
	for i, m := range f.OOMMarkers {
		if strings.TrimSpace(m) == "" {
			return File{}, fmt.Errorf("oom_markers[%d] must be a non-empty string", i)
		}
	}
	for k := range f.Env {
		if k == "" || strings.ContainsAny(k, "= ") {
			return File{}, fmt.Errorf("env key %q is not a valid variable name", k)
		}
	}
	f.applyDefaults()
	return f, nil
}

// Load reads path; an empty path yields Default().
func Load(path string) (File, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	return LoadYAML(b)
}

func (f *File) applyDefaults() {
	if f.Arch == "" {
		f.Arch = DefaultArch
	}
	if f.MaxNumModels == 0 {
		f.MaxNumModels = DefaultMaxNumModels
	}
	if len(f.OOMMarkers) == 0 {
		f.OOMMarkers = append([]string(nil), DefaultOOMMarkers...)
	}
	if f.Launcher.Python == "" {
		f.Launcher.Python = DefaultPython
	}
	if f.Launcher.Entrypoint == "" {
		f.Launcher.Entrypoint = DefaultEntrypoint
	}
	if f.Launcher.DistURL == "" {
		f.Launcher.DistURL = DefaultDistURL
	}
	if f.Launcher.DistBackend == "" {
		f.Launcher.DistBackend = DefaultDistBackend
	}
}
