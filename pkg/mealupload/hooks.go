package mealupload

import (
	"context"
	"time"
)

// Hooks let UI layers, metrics and logging observe a pipeline without touching
// its control flow. Hooks run synchronously on the run's goroutine, in order,
// and must not call back into the Pipeline.

// Transition describes one state change.
type Transition struct {
	RunID string
	From  PipelineState
	To    PipelineState
	At    time.Time
}

// StateChangeHook is called after every state transition, including Reset.
type StateChangeHook func(ctx context.Context, t Transition)

// StageCompleteHook is called when a stage finishes, successfully or not.
type StageCompleteHook func(ctx context.Context, runID string, stage Stage, elapsed time.Duration, err error)

// ErrorHook is called once when a run ends in the error state.
type ErrorHook func(ctx context.Context, runID string, err *Error)

// CompleteHook is called once when a run completes.
type CompleteHook func(ctx context.Context, runID string, result *AnalysisResult)

// Hooks defines all available lifecycle hooks
type Hooks struct {
	OnStateChange   []StateChangeHook
	OnStageComplete []StageCompleteHook
	OnError         []ErrorHook
	OnComplete      []CompleteHook
}

// Merge appends the hooks of other to h.
func (h *Hooks) Merge(other Hooks) {
	h.OnStateChange = append(h.OnStateChange, other.OnStateChange...)
	h.OnStageComplete = append(h.OnStageComplete, other.OnStageComplete...)
	h.OnError = append(h.OnError, other.OnError...)
	h.OnComplete = append(h.OnComplete, other.OnComplete...)
}

func (h *Hooks) stageComplete(ctx context.Context, runID string, stage Stage, elapsed time.Duration, err error) {
	for _, fn := range h.OnStageComplete {
		fn(ctx, runID, stage, elapsed, err)
	}
}

func (h *Hooks) failed(ctx context.Context, runID string, err *Error) {
	for _, fn := range h.OnError {
		fn(ctx, runID, err)
	}
}

func (h *Hooks) completed(ctx context.Context, runID string, result *AnalysisResult) {
	for _, fn := range h.OnComplete {
		fn(ctx, runID, result)
	}
}
