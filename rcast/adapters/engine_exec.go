package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"github.com/rs/zerolog"
)

// EngineError is returned when the engine did not leave the expected outputs.
type EngineError struct {
	Missing []string
	Status  error
	Stdout  string
	Stderr  string
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("engine produced no %s", strings.Join(e.Missing, ", "))
	if e.Status != nil {
		msg += fmt.Sprintf(" (status: %v)", e.Status)
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Status }

// Output returns the captured process output for error logs.
func (e *EngineError) Output() string {
	return e.Stdout + e.Stderr
}

// ExecEngine runs the simulation engine as a subprocess.
//
// The engine's exit status is not trusted: a run succeeds when the render and
// snapshot files exist in the save dir, whatever the process reported.
type ExecEngine struct {
	Binary       string
	Args         []string
	RenderFile   string
	SnapshotFile string
	logger       zerolog.Logger
}

// NewExecEngine creates an engine adapter.
func NewExecEngine(binary string, args []string, renderFile, snapshotFile string, logger zerolog.Logger) *ExecEngine {
	return &ExecEngine{
		Binary:       binary,
		Args:         args,
		RenderFile:   renderFile,
		SnapshotFile: snapshotFile,
		logger:       logger.With().Str("component", "engine").Logger(),
	}
}

// Simulate plays req.ReplayPath and waits for the engine to exit.
// Renders are not cancellable once started.
func (e *ExecEngine) Simulate(ctx context.Context, req ports.SimRequest) (ports.SimResult, error) {
	args := append([]string{}, e.Args...)
	args = append(args, "-playdemo", req.ReplayPath, "-savedir", req.SaveDir, "-render", e.RenderFile)
	if req.ResumeFrom != "" {
		args = append(args, "-loadsnapshot", req.ResumeFrom)
	}

	cmd := exec.CommandContext(context.WithoutCancel(ctx), e.Binary, args...)
	cmd.Dir = req.SaveDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := ports.SimResult{
		RenderPath:   filepath.Join(req.SaveDir, e.RenderFile),
		SnapshotPath: filepath.Join(req.SaveDir, e.SnapshotFile),
		Stdout:       stdout.String(),
		StatusErr:    runErr,
	}

	var missing []string
	if !regular(result.RenderPath) {
		missing = append(missing, e.RenderFile)
	}
	if !regular(result.SnapshotPath) {
		missing = append(missing, e.SnapshotFile)
	}
	if len(missing) > 0 {
		return result, &EngineError{
			Missing: missing,
			Status:  runErr,
			Stdout:  stdout.String(),
			Stderr:  stderr.String(),
		}
	}

	if runErr != nil {
		e.logger.Debug().Err(runErr).Str("save_dir", req.SaveDir).Msg("engine reported failure but produced output")
	}
	return result, nil
}

func regular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Ensure ExecEngine implements the Engine interface.
var _ ports.Engine = (*ExecEngine)(nil)
