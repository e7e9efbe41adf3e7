package render

import (
	"errors"
	"fmt"
)

// Stage is a step of one render attempt.
type Stage int

const (
	StageInit Stage = iota
	StageForging
	StageSimulating
	StageConcatenating
	StageTranscoding
	StagePromoting
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageInit:          "init",
	StageForging:       "forging",
	StageSimulating:    "simulating",
	StageConcatenating: "concatenating",
	StageTranscoding:   "transcoding",
	StagePromoting:     "promoting",
	StageDone:          "done",
	StageFailed:        "failed",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// StageError is an unrecovered failure inside an attempt, with whatever
// process output was captured.
type StageError struct {
	Stage  Stage
	Output string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, output string, err error) error {
	return &StageError{Stage: stage, Output: output, Err: err}
}

// ErrRenderFailed is returned once every attempt has failed. The result then
// carries the terminal error artifact.
var ErrRenderFailed = errors.New("render failed")
