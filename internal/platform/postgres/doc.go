// Package postgres implements the task store on PostgreSQL through
// database/sql and the pgx driver. Schema changes are embedded goose
// migrations applied with Migrate.
package postgres
