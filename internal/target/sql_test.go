package target

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/mkarslan/pgshift/internal/apply"
)

func TestClassifyTransient(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"serialization conflict", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"not null violation", &pgconn.PgError{Code: "23502"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		got := errors.Is(classify(tc.err), apply.ErrTransient)
		assert.Equal(t, tc.transient, got, tc.name)
	}
}

func TestQuoteTable(t *testing.T) {
	assert.Equal(t, `"public"."users"`, quoteTable("public.users"))
	assert.Equal(t, `"users"`, quoteTable("users"))
}
