package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/platform/logger"
	"github.com/phrazzld/relay-api/internal/store"
)

// defaultListLimit bounds unpaginated task listings.
const defaultListLimit = 100

// PostgresTaskStore implements store.TaskStore using PostgreSQL.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db: db,
	}
}

// CreateTask persists a task record to the database.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, description, status, llm_provider, model, max_steps,
			temperature, error_message, retry_count, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.Description,
		task.Status,
		task.LLMProvider,
		task.Model,
		task.MaxSteps,
		task.Temperature,
		task.ErrorMessage,
		task.RetryCount,
		task.CreatedAt,
		task.UpdatedAt,
		task.CompletedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %v", store.ErrTaskExists, err)
		}
		log.Error("failed to save task",
			"task_id", task.ID,
			"error", err)
		return MapError(err)
	}

	return nil
}

// GetTask retrieves a task by its ID.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `
		SELECT id, description, status, llm_provider, model, max_steps,
			temperature, error_message, retry_count, created_at, updated_at, completed_at
		FROM tasks
		WHERE id = $1
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// ListTasks returns tasks matching the params, newest first.
func (s *PostgresTaskStore) ListTasks(ctx context.Context, params store.ListTasksParams) ([]domain.Task, error) {
	log := logger.FromContext(ctx)

	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var query string
	var args []any
	if params.Status != "" {
		query = `
			SELECT id, description, status, llm_provider, model, max_steps,
				temperature, error_message, retry_count, created_at, updated_at, completed_at
			FROM tasks
			WHERE status = $1
			ORDER BY created_at DESC
			LIMIT $2 OFFSET $3
		`
		args = []any{params.Status, limit, params.Offset}
	} else {
		query = `
			SELECT id, description, status, llm_provider, model, max_steps,
				temperature, error_message, retry_count, created_at, updated_at, completed_at
			FROM tasks
			ORDER BY created_at DESC
			LIMIT $1 OFFSET $2
		`
		args = []any{limit, params.Offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return tasks, nil
}

// UpdateTaskStatus updates the status of a task, recording the error message
// and stamping completed_at on terminal transitions.
func (s *PostgresTaskStore) UpdateTaskStatus(
	ctx context.Context,
	id uuid.UUID,
	status domain.TaskStatus,
	errorMessage string,
) error {
	log := logger.FromContext(ctx)

	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}

	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, updated_at = $3,
			completed_at = COALESCE($4, completed_at)
		WHERE id = $5
	`

	result, err := s.db.ExecContext(ctx, query, status, errorMessage, now, completedAt, id)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", id,
			"status", status,
			"error", err)
		return MapError(err)
	}

	if err := CheckRowsAffected(result, "task"); err != nil {
		return store.ErrTaskNotFound
	}
	return nil
}

// IncrementRetryCount bumps the retry counter after a failed attempt that
// will be retried.
func (s *PostgresTaskStore) IncrementRetryCount(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE tasks
		SET retry_count = retry_count + 1, updated_at = $1
		WHERE id = $2
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		return store.ErrTaskNotFound
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var llmProvider, model, errorMessage sql.NullString
	var maxSteps sql.NullInt64
	var temperature sql.NullFloat64
	var completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Description,
		&task.Status,
		&llmProvider,
		&model,
		&maxSteps,
		&temperature,
		&errorMessage,
		&task.RetryCount,
		&task.CreatedAt,
		&task.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.LLMProvider = llmProvider.String
	task.Model = model.String
	task.MaxSteps = int(maxSteps.Int64)
	task.Temperature = temperature.Float64
	task.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}
