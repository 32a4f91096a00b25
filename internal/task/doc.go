// Package task runs document-parse tasks against the external engine.
//
// A Dispatcher admits pending tasks under per-owner and global concurrency
// ceilings (tracked by a Limiter) and submits them. A Reconciler polls
// submitted jobs, applies results, enforces deadlines, and keeps the
// Limiter consistent with the store. The store is the only source of truth;
// every state change goes through its compare-and-transition primitive, so
// any number of workers can run side by side without extra locking.
//
// TaskRunner wires both loops together for a long-running process.
package task
