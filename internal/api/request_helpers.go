package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/parsedispatch/internal/api/shared"
	"github.com/phrazzld/parsedispatch/internal/domain"
	"github.com/phrazzld/parsedispatch/internal/platform/logger"
	"github.com/phrazzld/parsedispatch/internal/service"
)

// getPathUUID extracts and parses a UUID path parameter.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, domain.NewValidationError(paramName, "is required")
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, domain.NewValidationError(paramName, "has invalid format")
	}

	return id, nil
}

// requireOwner returns the authenticated owner, writing a 401 when there is
// none.
func requireOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ownerID, ok := shared.OwnerIDFromContext(r.Context())
	if !ok {
		logger.FromContext(r.Context()).Warn("owner ID not found or invalid in request context")
		HandleAPIError(w, r, ErrUnauthenticated, "")
		return uuid.Nil, false
	}
	return ownerID, true
}

// handleOwnerAndPathUUID extracts both the owner from the context and a UUID
// path parameter. It writes an error response if either extraction fails.
func handleOwnerAndPathUUID(
	w http.ResponseWriter,
	r *http.Request,
	paramName string,
) (uuid.UUID, uuid.UUID, bool) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}

	pathID, err := getPathUUID(r, paramName)
	if err != nil {
		logger.FromContext(r.Context()).Debug("invalid path parameter",
			slog.String("param_name", paramName),
			slog.String("value", chi.URLParam(r, paramName)))
		HandleAPIError(w, r, err, "")
		return uuid.Nil, uuid.Nil, false
	}

	return ownerID, pathID, true
}

// parseListFilter reads ?state=a,b&limit=n&offset=m.
func parseListFilter(r *http.Request) (service.ListFilter, error) {
	q := r.URL.Query()
	var filter service.ListFilter

	for _, raw := range q["state"] {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			state := domain.TaskState(s)
			if !state.IsValid() {
				return filter, domain.NewValidationError("state", "unknown state "+strconv.Quote(s))
			}
			filter.States = append(filter.States, state)
		}
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		return filter, err
	}
	return filter, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
