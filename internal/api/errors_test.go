package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/service"
	"github.com/phrazzld/parsedispatch/internal/service/auth"
	"github.com/phrazzld/parsedispatch/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapErrorToStatusCode(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedMsg    string
	}{
		{"nil error", nil, http.StatusInternalServerError, "An unexpected error occurred"},
		{"unauthenticated", ErrUnauthenticated, http.StatusUnauthorized, "Authentication required"},
		{"expired token", fmt.Errorf("auth: %w", auth.ErrExpiredToken), http.StatusUnauthorized, "Invalid token"},
		{"not owned", service.ErrNotOwned, http.StatusForbidden, "You do not own this task"},
		{"task not found", service.ErrTaskNotFound, http.StatusNotFound, "Task not found"},
		{"store not found", store.ErrTaskNotFound, http.StatusNotFound, "Task not found"},
		{"not retryable", service.ErrNotRetryable, http.StatusConflict, "Only failed tasks can be retried"},
		{
			"validation error",
			domain.NewValidationError("payload", "must be a JSON object"),
			http.StatusBadRequest,
			"Invalid payload: must be a JSON object",
		},
		{"invalid entity", fmt.Errorf("create: %w", store.ErrInvalidEntity), http.StatusBadRequest, "Invalid task data"},
		{
			"wrapped internal error",
			&service.TaskServiceError{Operation: "list", Message: "query failed", Err: errors.New("pq: relation missing")},
			http.StatusInternalServerError,
			"An unexpected error occurred",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedStatus, MapErrorToStatusCode(tt.err))
			assert.Equal(t, tt.expectedMsg, GetSafeErrorMessage(tt.err))
		})
	}
}

func TestSanitizeValidationError(t *testing.T) {
	type request struct {
		Kind     string `validate:"required"`
		Progress int    `validate:"lte=100"`
	}
	v := validator.New()

	assert.Equal(t, "Invalid kind: required field", SanitizeValidationError(v.Struct(request{})))
	assert.Equal(t, "Invalid progress: too large", SanitizeValidationError(v.Struct(request{Kind: "x", Progress: 900})))
	assert.Equal(t, "Validation error", SanitizeValidationError(errors.New("secret=hunter2")))
}
