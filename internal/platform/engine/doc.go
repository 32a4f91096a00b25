// Package engine provides adapters for the external parsing engine: an HTTP
// client for the real service and an in-process MockEngine for tests and
// local development.
package engine
