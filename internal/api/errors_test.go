package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/relay-api/internal/domain"
	"github.com/phrazzld/relay-api/internal/queue"
	"github.com/phrazzld/relay-api/internal/service"
	"github.com/phrazzld/relay-api/internal/store"
)

func TestMapErrorToStatusCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"task not found", service.ErrTaskNotFound, http.StatusNotFound},
		{"store not found", store.ErrTaskNotFound, http.StatusNotFound},
		{"job not found", queue.ErrJobNotFound, http.StatusNotFound},
		{"already queued", service.ErrTaskAlreadyQueued, http.StatusConflict},
		{"not pausable", service.ErrTaskNotPausable, http.StatusConflict},
		{"not resumable", service.ErrTaskNotResumable, http.StatusConflict},
		{"finished", service.ErrTaskFinished, http.StatusConflict},
		{"empty description", domain.ErrEmptyTaskDescription, http.StatusBadRequest},
		{"invalid id", domain.ErrInvalidID, http.StatusBadRequest},
		{"queue closed", queue.ErrQueueClosed, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped not found", fmt.Errorf("context: %w", service.ErrTaskNotFound), http.StatusNotFound},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MapErrorToStatusCode(tt.err))
		})
	}
}

func TestGetSafeErrorMessage_NeverLeaksInternals(t *testing.T) {
	t.Parallel()

	internal := errors.New("pq: connection refused dbhost=10.0.0.5")
	msg := GetSafeErrorMessage(internal)
	assert.NotContains(t, msg, "10.0.0.5")
	assert.NotContains(t, msg, "pq:")
	assert.NotEmpty(t, msg)

	assert.Equal(t, "Task not found", GetSafeErrorMessage(service.ErrTaskNotFound))
	assert.NotEmpty(t, GetSafeErrorMessage(nil))
}
