// Package service contains the caller-facing use cases for parse tasks.
//
// TaskService is the facade the API talks to. It validates and records new
// tasks, reads them back on behalf of their owner, and cancels them. It never
// talks to the parsing engine: submission and status tracking belong to the
// dispatcher and reconciler in internal/task, which pick up whatever the
// facade writes to the store.
//
// Errors follow the usual layering. Expected conditions are sentinels
// (ErrNotOwned, ErrTaskNotFound, ErrNotRetryable) or *domain.ValidationError;
// anything unexpected is wrapped in a TaskServiceError naming the operation.
package service
