package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// StepKind classifies a single unit of live progress emitted by the external
// automation process. The set is closed: switches over StepKind should be
// exhaustive so new kinds fail compilation checks, not silently fall through.
type StepKind string

// Possible progress event kinds
const (
	StepThinking    StepKind = "thinking"
	StepAction      StepKind = "action"
	StepObservation StepKind = "observation"
	StepGoal        StepKind = "goal"
	StepMemory      StepKind = "memory"
	StepEvaluation  StepKind = "evaluation"
	StepError       StepKind = "error"
	StepStatus      StepKind = "status"
)

// Common validation errors for ProgressEvent
var (
	ErrEmptyEventTaskID = errors.New("progress event task ID cannot be empty")
	ErrInvalidStepKind  = errors.New("invalid progress event kind")
)

// ProgressEvent is one structured, ordered unit of live progress produced by
// the Process Bridge while a job is active. Events are immutable once
// emitted; the broadcaster forwards them without mutation. StepNumber is
// monotonically increasing per task so observers can detect gaps.
type ProgressEvent struct {
	TaskID     uuid.UUID       `json:"task_id"`
	Kind       StepKind        `json:"kind"`
	StepNumber int             `json:"step_number"`
	Content    json.RawMessage `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Validate checks if the ProgressEvent has valid data.
func (e *ProgressEvent) Validate() error {
	if e.TaskID == uuid.Nil {
		return ErrEmptyEventTaskID
	}

	if !IsValidStepKind(e.Kind) {
		return ErrInvalidStepKind
	}

	return nil
}

// IsValidStepKind checks if the given kind is a member of the closed set.
func IsValidStepKind(kind StepKind) bool {
	switch kind {
	case StepThinking, StepAction, StepObservation, StepGoal,
		StepMemory, StepEvaluation, StepError, StepStatus:
		return true
	default:
		return false
	}
}
