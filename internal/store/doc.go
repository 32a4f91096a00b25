// Package store defines the persistence contract for tasks. Implementations
// live under internal/platform (postgres, sqlite) and internal/task (memory),
// and all of them share the conformance suite in store/storetest.
package store
