package domain

import (
	"time"

	"github.com/google/uuid"
)

// AgentPhase represents the lifecycle phase of one live automation run.
type AgentPhase string

// Possible agent lifecycle phases
const (
	AgentPhaseStarting  AgentPhase = "starting"
	AgentPhaseRunning   AgentPhase = "running"
	AgentPhaseCompleted AgentPhase = "completed"
	AgentPhaseFailed    AgentPhase = "failed"
	AgentPhaseTimedOut  AgentPhase = "timed_out"
)

// Terminal reports whether the phase is final for the current run.
func (p AgentPhase) Terminal() bool {
	switch p {
	case AgentPhaseCompleted, AgentPhaseFailed, AgentPhaseTimedOut:
		return true
	default:
		return false
	}
}

// AgentStatus is the last-known live status of an active task. One instance
// exists per active task; status-relevant events merge into it in place
// (last write wins), and it is cleared a short grace period after the run
// reaches a terminal phase.
type AgentStatus struct {
	TaskID      uuid.UUID  `json:"task_id"`
	Phase       AgentPhase `json:"phase"`
	LLMProvider string     `json:"llm_provider,omitempty"`
	Model       string     `json:"model,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
}

// StatusPatch carries a partial AgentStatus update. Nil fields are left
// untouched by Merge.
type StatusPatch struct {
	Phase       *AgentPhase
	LLMProvider *string
	Model       *string
	CompletedAt *time.Time
}

// Merge applies the non-nil fields of the patch and stamps LastUpdated.
func (s *AgentStatus) Merge(patch StatusPatch) {
	if patch.Phase != nil {
		s.Phase = *patch.Phase
	}
	if patch.LLMProvider != nil {
		s.LLMProvider = *patch.LLMProvider
	}
	if patch.Model != nil {
		s.Model = *patch.Model
	}
	if patch.CompletedAt != nil {
		s.CompletedAt = patch.CompletedAt
	}
	s.LastUpdated = time.Now().UTC()
}
