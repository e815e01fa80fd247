package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/store"
)

// PostgresStepStore implements store.StepStore using PostgreSQL. Steps form
// an append-only log per task; rows are never updated.
type PostgresStepStore struct {
	db store.DBTX
}

// NewPostgresStepStore creates a new PostgresStepStore.
func NewPostgresStepStore(db store.DBTX) *PostgresStepStore {
	return &PostgresStepStore{
		db: db,
	}
}

// AppendStep records one progress event.
func (s *PostgresStepStore) AppendStep(ctx context.Context, event domain.ProgressEvent) error {
	log := logger.FromContext(ctx)

	if err := event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO task_steps (id, task_id, kind, step_number, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New(),
		event.TaskID,
		event.Kind,
		event.StepNumber,
		[]byte(event.Content),
		event.Timestamp,
	)
	if err != nil {
		// FK violation means the task row is gone (deleted mid-run).
		if IsForeignKeyViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
		}
		log.Error("failed to append step",
			"task_id", event.TaskID,
			"step_number", event.StepNumber,
			"error", err)
		return MapError(err)
	}
	return nil
}

// ListSteps returns every recorded step for a task in append order.
func (s *PostgresStepStore) ListSteps(ctx context.Context, taskID uuid.UUID) ([]domain.ProgressEvent, error) {
	query := `
		SELECT task_id, kind, step_number, content, created_at
		FROM task_steps
		WHERE task_id = $1
		ORDER BY created_at ASC, step_number ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	events := []domain.ProgressEvent{}
	for rows.Next() {
		var event domain.ProgressEvent
		var content []byte
		if err := rows.Scan(&event.TaskID, &event.Kind, &event.StepNumber, &content, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		event.Content = content
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step rows: %w", err)
	}

	return events, nil
}
