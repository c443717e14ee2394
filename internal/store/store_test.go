package store

import (
	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestNew(t *testing.T) {
	db, err := New("invalid_string")
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestSQLState(t *testing.T) {
	testcases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil error", err: nil, want: ""},
		{name: "plain error", err: errors.New("connection refused"), want: ""},
		{name: "server error", err: &pgconn.PgError{Code: "3F000"}, want: "3F000"},
		{name: "wrapped server error", err: errors.Wrap(&pgconn.PgError{Code: "57014"}, "lock table"), want: "57014"},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SQLState(tc.err))
		})
	}
}

func TestIsSQLState(t *testing.T) {
	canceled := errors.Wrap(&pgconn.PgError{Code: ErrCodeQueryCanceled}, "statement timeout")

	assert.True(t, IsSQLState(canceled, ErrCodeQueryCanceled))
	assert.False(t, IsSQLState(canceled, ErrCodeInvalidSchemaName))
	assert.False(t, IsSQLState(nil, ErrCodeQueryCanceled))
	assert.False(t, IsSQLState(errors.New("no sqlstate here"), ErrCodeQueryCanceled))
}
