// Package config loads, parses and validates process-wide settings from a
// config file and PARSEDISPATCH_* environment variables. Configuration is read
// once at startup and treated as immutable afterwards.
package config
