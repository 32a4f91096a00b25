package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/parsedispatch/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", sql.ErrNoRows, store.ErrNotFound},
		{"duplicate id", &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: "tasks_pkey"}, store.ErrDuplicate},
		{"duplicate ref", &pgconn.PgError{Code: uniqueViolationCode, ConstraintName: externalRefIndex}, store.ErrExternalRefExists},
		{"foreign key", &pgconn.PgError{Code: foreignKeyViolationCode}, store.ErrInvalidEntity},
		{"check", &pgconn.PgError{Code: checkViolationCode, ConstraintName: "tasks_attempt_bounds"}, store.ErrInvalidEntity},
		{"not null", &pgconn.PgError{Code: notNullViolationCode, ColumnName: "payload"}, store.ErrInvalidEntity},
		{"wrapped", fmt.Errorf("exec: %w", &pgconn.PgError{Code: uniqueViolationCode}), store.ErrDuplicate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, MapError(tc.err), tc.want)
		})
	}

	assert.NoError(t, MapError(nil))
	plain := errors.New("connection reset")
	assert.Equal(t, plain, MapError(plain))
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: uniqueViolationCode}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: checkViolationCode}))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}
