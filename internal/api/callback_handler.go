package api

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/parsedispatch/internal/api/shared"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/phrazzld/parsedispatch/internal/store"
	"github.com/phrazzld/parsedispatch/internal/task"
)

// StatusNotifier applies an engine-reported status to the task holding the
// job. *task.Reconciler satisfies it.
type StatusNotifier interface {
	HandleNotification(ctx context.Context, externalRef string, status task.EngineStatus) (*domain.Task, error)
}

// CallbackResponse acknowledges an engine notification.
type CallbackResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
}

// CallbackHandler receives push notifications from the parsing engine.
type CallbackHandler struct {
	notifier  StatusNotifier
	validator *validator.Validate
}

// NewCallbackHandler creates a new CallbackHandler
func NewCallbackHandler(notifier StatusNotifier) *CallbackHandler {
	return &CallbackHandler{
		notifier:  notifier,
		validator: validator.New(),
	}
}

// HandleCallback handles POST /api/engine/callbacks. Repeated notifications
// for a job are harmless: the reconciler ignores statuses that do not move
// the task.
func (h *CallbackHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	var req EngineCallbackRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	status, ok := req.jobStatus().EngineStatus()
	if !ok {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Unknown job status")
		return
	}

	t, err := h.notifier.HandleNotification(r.Context(), req.JobID, status)
	if err != nil {
		if store.IsNotFoundError(err) {
			shared.RespondWithErrorAndLog(w, r, http.StatusNotFound, "Unknown job", err)
			return
		}
		HandleAPIError(w, r, err, "Failed to apply job status")
		return
	}

	logger.FromContext(r.Context()).Debug("engine callback applied",
		"task_id", t.ID,
		"external_ref", req.JobID,
		"state", t.State)
	shared.RespondWithJSON(w, r, http.StatusAccepted, CallbackResponse{
		TaskID: t.ID.String(),
		State:  string(t.State),
	})
}
