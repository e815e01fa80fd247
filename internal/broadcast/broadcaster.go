// Package broadcast fans progress events and agent status out to observers
// subscribed per task. The broadcaster is an injected registry object; every
// collaborator that publishes or subscribes receives the same instance
// through its constructor.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/domain"
)

// Sender is one observer connection. Send must be safe for concurrent use;
// a non-nil error marks the sender dead and it is pruned from every
// subscription it holds.
type Sender interface {
	Send(message ServerMessage) error
}

// DefaultStatusRetention is how long a terminal status stays available to
// late subscribers before ClearStatus drops it.
const DefaultStatusRetention = 5 * time.Minute

// Broadcaster routes messages to per-task subscriber sets and retains the
// latest agent status per task so late subscribers see current state
// immediately instead of waiting for the next update.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]map[Sender]struct{}
	statuses    map[uuid.UUID]domain.AgentStatus
	logger      *slog.Logger
	retention   time.Duration
	clearTimers map[uuid.UUID]*time.Timer
}

// New creates an empty broadcaster.
func New(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[uuid.UUID]map[Sender]struct{}),
		statuses:    make(map[uuid.UUID]domain.AgentStatus),
		clearTimers: make(map[uuid.UUID]*time.Timer),
		logger:      logger.With("component", "broadcaster"),
		retention:   DefaultStatusRetention,
	}
}

// Subscribe registers a sender for one task's stream. If a status is
// retained for the task it is delivered to the new subscriber right away.
func (b *Broadcaster) Subscribe(taskID uuid.UUID, sender Sender) {
	b.mu.Lock()
	set, ok := b.subscribers[taskID]
	if !ok {
		set = make(map[Sender]struct{})
		b.subscribers[taskID] = set
	}
	set[sender] = struct{}{}
	count := len(set)
	status, hasStatus := b.statuses[taskID]
	b.mu.Unlock()

	b.logger.Debug("observer subscribed", "task_id", taskID, "subscribers", count)

	if hasStatus {
		if err := sender.Send(NewStatusMessage(status)); err != nil {
			b.RemoveSender(sender)
		}
	}
}

// Unsubscribe removes a sender from one task's stream. Unknown pairs are
// ignored.
func (b *Broadcaster) Unsubscribe(taskID uuid.UUID, sender Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropLocked(taskID, sender)
}

// RemoveSender removes a sender from every subscription, used when a
// connection closes or its send fails.
func (b *Broadcaster) RemoveSender(sender Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for taskID := range b.subscribers {
		b.dropLocked(taskID, sender)
	}
}

func (b *Broadcaster) dropLocked(taskID uuid.UUID, sender Sender) {
	set, ok := b.subscribers[taskID]
	if !ok {
		return
	}
	delete(set, sender)
	if len(set) == 0 {
		delete(b.subscribers, taskID)
	}
}

// Publish fans an event out to the task's current subscribers. Senders that
// fail are pruned; the rest still receive the message.
func (b *Broadcaster) Publish(event domain.ProgressEvent) {
	message, err := NewEventMessage(event)
	if err != nil {
		b.logger.Warn("dropping event with unmapped kind", "kind", event.Kind, "task_id", event.TaskID)
		return
	}
	b.send(event.TaskID, message)
}

// PublishCompleted announces a task's terminal result to its subscribers.
func (b *Broadcaster) PublishCompleted(taskID uuid.UUID, result []byte) {
	b.send(taskID, NewCompletedMessage(taskID, result))
}

// UpdateStatus merges a patch into the retained status for the task,
// rebroadcasts the merged status, and schedules retention cleanup when the
// status turns terminal.
func (b *Broadcaster) UpdateStatus(taskID uuid.UUID, patch domain.StatusPatch) {
	b.mu.Lock()
	current, ok := b.statuses[taskID]
	if !ok {
		current = domain.AgentStatus{TaskID: taskID, Phase: domain.AgentPhaseStarting, StartedAt: time.Now().UTC()}
	}
	current.Merge(patch)
	b.statuses[taskID] = current
	if current.Phase.Terminal() {
		b.scheduleClearLocked(taskID)
	}
	b.mu.Unlock()

	b.send(taskID, NewStatusMessage(current))
}

// Status returns the retained status for a task, if any.
func (b *Broadcaster) Status(taskID uuid.UUID) (domain.AgentStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	status, ok := b.statuses[taskID]
	return status, ok
}

// ClearStatus drops the retained status for a task immediately.
func (b *Broadcaster) ClearStatus(taskID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.statuses, taskID)
	if timer, ok := b.clearTimers[taskID]; ok {
		timer.Stop()
		delete(b.clearTimers, taskID)
	}
}

// scheduleClearLocked arms (or re-arms) the retention timer for a terminal
// status. Caller holds b.mu.
func (b *Broadcaster) scheduleClearLocked(taskID uuid.UUID) {
	if timer, ok := b.clearTimers[taskID]; ok {
		timer.Stop()
	}
	b.clearTimers[taskID] = time.AfterFunc(b.retention, func() {
		b.ClearStatus(taskID)
	})
}

// SubscriberCount reports how many senders follow a task.
func (b *Broadcaster) SubscriberCount(taskID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[taskID])
}

// send delivers a message to the task's subscribers, pruning any sender
// whose Send fails.
func (b *Broadcaster) send(taskID uuid.UUID, message ServerMessage) {
	b.mu.RLock()
	targets := make([]Sender, 0, len(b.subscribers[taskID]))
	for sender := range b.subscribers[taskID] {
		targets = append(targets, sender)
	}
	b.mu.RUnlock()

	var failed []Sender
	for _, sender := range targets {
		if err := sender.Send(message); err != nil {
			failed = append(failed, sender)
		}
	}
	if len(failed) == 0 {
		return
	}

	b.logger.Debug("pruning failed observers", "task_id", taskID, "count", len(failed))
	b.mu.Lock()
	for _, sender := range failed {
		for id := range b.subscribers {
			b.dropLocked(id, sender)
		}
	}
	b.mu.Unlock()
}
