package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/parsedispatch/internal/api/shared"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/phrazzld/parsedispatch/internal/service"
)

// TaskHandler handles task-related HTTP requests
type TaskHandler struct {
	tasks     service.TaskService
	validator *validator.Validate
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(tasks service.TaskService) *TaskHandler {
	return &TaskHandler{
		tasks:     tasks,
		validator: validator.New(),
	}
}

// SubmitTask handles POST /api/tasks. It answers 202 as soon as the task is
// recorded; the dispatcher picks it up asynchronously.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req SubmitTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	t, err := h.tasks.Submit(r.Context(), ownerID, domain.TaskKind(req.Kind), req.Payload, req.options())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to submit task")
		return
	}

	w.Header().Set("Location", "/api/tasks/"+t.ID.String())
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(t))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	ownerID, taskID, ok := handleOwnerAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	t, err := h.tasks.Get(r.Context(), ownerID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ListTasks handles GET /api/tasks.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	tasks, err := h.tasks.ListForOwner(r.Context(), ownerID, filter)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}

	limit := filter.Limit
	if limit == 0 {
		limit = service.DefaultListLimit
	}
	if limit > service.MaxListLimit {
		limit = service.MaxListLimit
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ListTasksResponse{
		Tasks:  tasksToResponse(tasks),
		Limit:  limit,
		Offset: filter.Offset,
	})
}

// CancelTask handles POST /api/tasks/{id}/cancel. Cancelling a finished task
// succeeds with outcome already_terminal.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	ownerID, taskID, ok := handleOwnerAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	t, outcome, err := h.tasks.Cancel(r.Context(), ownerID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel task")
		return
	}

	logger.FromContext(r.Context()).Debug("cancel request handled",
		"task_id", taskID,
		"outcome", outcome)
	shared.RespondWithJSON(w, r, http.StatusOK, CancelTaskResponse{
		Outcome: string(outcome),
		Task:    taskToResponse(t),
	})
}

// RetryTask handles POST /api/tasks/{id}/retry.
func (h *TaskHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	ownerID, taskID, ok := handleOwnerAndPathUUID(w, r, "id")
	if !ok {
		return
	}

	t, err := h.tasks.Retry(r.Context(), ownerID, taskID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry task")
		return
	}

	w.Header().Set("Location", "/api/tasks/"+t.ID.String())
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(t))
}

// GetStats handles GET /api/tasks/stats.
func (h *TaskHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	stats, err := h.tasks.Stats(r.Context(), ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to load task statistics")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}
