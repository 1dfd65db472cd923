package driver

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"memprof/internal/config"
)

const (
	// MaxProfileIter is the number of minibatches each profiling run trains for.
	MaxProfileIter = 20
	// DatasetDir is joined onto the data storage directory.
	DatasetDir = "imagenet"
)

// Params fill the placeholders of a CommandTemplate.
type Params struct {
	LocalBatchSize int
	NumModels      int
	AccumStep      int
}

// CommandTemplate is a training command with placeholders for the local
// batch size, the number of model replicas and the accumulation step.
type CommandTemplate struct {
	text string
	tmpl *template.Template
}

// BuildCommandTemplate assembles the distributed training command for arch
// reading data from dataDir.
func BuildCommandTemplate(arch, dataDir string, l config.Launcher) (*CommandTemplate, error) {
	parts := []string{
		l.Python, l.Entrypoint,
		"-a", arch,
		"--dist-url", l.DistURL,
		"--dist-backend", l.DistBackend,
		"--multiprocessing-distributed",
		"--world-size", "1",
		"--rank", "0",
		"--num-minibatches", strconv.Itoa(MaxProfileIter),
		"--no-validate",
		"--weight-sync-method", "recommend",
		"-lbs", "{{.LocalBatchSize}}",
		"--num-models", "{{.NumModels}}",
		"--accum-step", "{{.AccumStep}}",
		dataDir,
	}
	text := strings.Join(parts, " ")
	tmpl, err := template.New("command").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	return &CommandTemplate{text: text, tmpl: tmpl}, nil
}

// DataDir returns the dataset directory under storage.
func DataDir(storage string) string {
	return filepath.Join(storage, DatasetDir)
}

func (c *CommandTemplate) String() string { return c.text }

// Render substitutes p into the template.
func (c *CommandTemplate) Render(p Params) (string, error) {
	if p.LocalBatchSize <= 0 || p.NumModels <= 0 || p.AccumStep <= 0 {
		return "", fmt.Errorf("render command: non-positive parameter in %+v", p)
	}
	var b strings.Builder
	if err := c.tmpl.Execute(&b, p); err != nil {
		return "", fmt.Errorf("render command: %w", err)
	}
	return b.String(), nil
}
