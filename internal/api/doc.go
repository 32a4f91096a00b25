// Package api exposes the task facade over HTTP. It authenticates callers,
// decodes and validates requests, translates service errors to status codes
// without leaking internal detail, and accepts push notifications from the
// parsing engine.
package api
