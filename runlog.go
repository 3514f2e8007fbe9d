package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// RunLog owns the output directory of one invocation and the logger that
// writes into it. Layout:
//
//	<root>/<phase>-<timestamp>.log   structured event log (JSON lines)
//	<root>/checkpoints/              model checkpoints
//	<root>/visualize/                feature-space renderings
//
// Events go to the log file as JSON and to stdout, pretty-printed when
// stdout is a terminal. Iteration progress lines from the meters print
// straight to stdout and stay out of the event log.
type RunLog struct {
	Root   string
	Phase  string
	Logger zerolog.Logger

	file *os.File
}

// NewRunLog creates the run directory tree and opens the log file.
func NewRunLog(root, phase string) (*RunLog, error) {
	for _, dir := range []string{root, filepath.Join(root, "checkpoints"), filepath.Join(root, "visualize")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("runlog: %w", err)
		}
	}

	name := fmt.Sprintf("%s-%s.log", phase, time.Now().Format("2006-01-02-15_04_05"))
	file, err := os.Create(filepath.Join(root, name))
	if err != nil {
		return nil, fmt.Errorf("runlog: %w", err)
	}

	var console io.Writer = os.Stdout
	if isatty.IsTerminal(os.Stdout.Fd()) {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(console, file)).
		With().Timestamp().Str("phase", phase).Logger()

	return &RunLog{Root: root, Phase: phase, Logger: logger, file: file}, nil
}

// CheckpointPath returns <root>/checkpoints/<name>.ckpt.
func (r *RunLog) CheckpointPath(name string) string {
	return filepath.Join(r.Root, "checkpoints", name+".ckpt")
}

// VisualizePath returns <root>/visualize/<name>.
func (r *RunLog) VisualizePath(name string) string {
	return filepath.Join(r.Root, "visualize", name)
}

// HistoryPath returns the run-history database shared by all phases that
// log into the same root.
func (r *RunLog) HistoryPath() string {
	return filepath.Join(r.Root, "history.db")
}

// Close flushes and closes the log file.
func (r *RunLog) Close() error {
	return r.file.Close()
}
