package ports

import "context"

// SimRequest describes one engine run.
type SimRequest struct {
	ReplayPath string // demo lump to play
	SaveDir    string // scratch/save directory; outputs land here
	ResumeFrom string // predecessor snapshot; empty for a fresh start
}

// SimResult is what the engine produced. An adapter only returns a nil error
// when the expected output files exist.
type SimResult struct {
	RenderPath   string
	SnapshotPath string
	Stdout       string
	// StatusErr is the process completion status. It is informational:
	// the engine routinely reports failure on successful runs.
	StatusErr error
}

// Engine runs the external simulation engine.
type Engine interface {
	Simulate(ctx context.Context, req SimRequest) (SimResult, error)
}
