package logger

import (
	"context"
	"log/slog"
	"sync"
)

// LogEntry represents a simplified log record for tests.
type LogEntry map[string]any

// CaptureHandler is a memory-backed slog.Handler for asserting on log
// output in tests.
type CaptureHandler struct {
	mu      *sync.Mutex
	entries *[]LogEntry
	attrs   []slog.Attr
}

// NewCaptureHandler creates an empty CaptureHandler.
func NewCaptureHandler() *CaptureHandler {
	return &CaptureHandler{
		mu:      &sync.Mutex{},
		entries: &[]LogEntry{},
	}
}

// Enabled implements slog.Handler.
func (h *CaptureHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle implements slog.Handler.
func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{
		"level":   r.Level.String(),
		"message": r.Message,
	}
	for _, a := range h.attrs {
		entry[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[a.Key] = a.Value.Any()
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	*h.entries = append(*h.entries, entry)
	return nil
}

// WithAttrs implements slog.Handler. Derived handlers share the entry log.
func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &CaptureHandler{mu: h.mu, entries: h.entries, attrs: merged}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (h *CaptureHandler) WithGroup(string) slog.Handler {
	return h
}

// Entries returns a copy of the captured entries.
func (h *CaptureHandler) Entries() []LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LogEntry, len(*h.entries))
	copy(out, *h.entries)
	return out
}

// HasMessage reports whether any entry carries msg.
func (h *CaptureHandler) HasMessage(msg string) bool {
	for _, e := range h.Entries() {
		if e["message"] == msg {
			return true
		}
	}
	return false
}
