package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/domain"
)

// MessageType enumerates every message the server sends to observers. The
// set is closed: handlers switch over these constants and anything else is
// a programming error, not an extension point.
type MessageType string

// Server-to-observer message types.
const (
	TypeConnection   MessageType = "connection"
	TypeSubscribed   MessageType = "subscribed"
	TypeUnsubscribed MessageType = "unsubscribed"
	TypePong         MessageType = "pong"
	TypeError        MessageType = "error"

	TypeAgentStatus      MessageType = "agent_status"
	TypeAgentThinking    MessageType = "agent_thinking"
	TypeAgentAction      MessageType = "agent_action"
	TypeAgentObservation MessageType = "agent_observation"
	TypeAgentGoal        MessageType = "agent_goal"
	TypeAgentMemory      MessageType = "agent_memory"
	TypeAgentEvaluation  MessageType = "agent_evaluation"
	TypeAgentCompleted   MessageType = "agent_completed"
)

// stepKindTypes maps every StepKind onto its outbound message type. The
// status kind folds into agent_status, error and status terminal updates
// into agent_completed handling at the publisher.
var stepKindTypes = map[domain.StepKind]MessageType{
	domain.StepThinking:    TypeAgentThinking,
	domain.StepAction:      TypeAgentAction,
	domain.StepObservation: TypeAgentObservation,
	domain.StepGoal:        TypeAgentGoal,
	domain.StepMemory:      TypeAgentMemory,
	domain.StepEvaluation:  TypeAgentEvaluation,
	domain.StepError:       TypeError,
	domain.StepStatus:      TypeAgentStatus,
}

// TypeForStepKind returns the outbound message type for a step kind.
func TypeForStepKind(kind domain.StepKind) (MessageType, error) {
	mt, ok := stepKindTypes[kind]
	if !ok {
		return "", fmt.Errorf("no message type for step kind %q", kind)
	}
	return mt, nil
}

// ServerMessage is the envelope for everything sent to observers.
type ServerMessage struct {
	Type       MessageType     `json:"type"`
	TaskID     string          `json:"task_id,omitempty"`
	StepNumber int             `json:"step_number,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	Status     *StatusBody     `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// StatusBody is the wire form of a retained agent status.
type StatusBody struct {
	Phase       string     `json:"phase"`
	LLMProvider string     `json:"llm_provider,omitempty"`
	Model       string     `json:"model,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewEventMessage converts a progress event into its outbound envelope.
func NewEventMessage(event domain.ProgressEvent) (ServerMessage, error) {
	mt, err := TypeForStepKind(event.Kind)
	if err != nil {
		return ServerMessage{}, err
	}
	return ServerMessage{
		Type:       mt,
		TaskID:     event.TaskID.String(),
		StepNumber: event.StepNumber,
		Content:    event.Content,
		Timestamp:  event.Timestamp,
	}, nil
}

// NewStatusMessage converts a retained status into its outbound envelope.
func NewStatusMessage(status domain.AgentStatus) ServerMessage {
	return ServerMessage{
		Type:   TypeAgentStatus,
		TaskID: status.TaskID.String(),
		Status: &StatusBody{
			Phase:       string(status.Phase),
			LLMProvider: status.LLMProvider,
			Model:       status.Model,
			StartedAt:   status.StartedAt,
			CompletedAt: status.CompletedAt,
		},
		Timestamp: status.LastUpdated,
	}
}

// NewCompletedMessage announces a terminal outcome for a task.
func NewCompletedMessage(taskID uuid.UUID, result json.RawMessage) ServerMessage {
	return ServerMessage{
		Type:      TypeAgentCompleted,
		TaskID:    taskID.String(),
		Content:   result,
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorMessage reports a protocol or processing error to one observer.
func NewErrorMessage(message string) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}
