package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserRepositoryFindByEmail(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "email", "password_hash", "full_name", "role", "active", "last_login", "created_at", "updated_at"}).
		AddRow("u1", "t1", "doc@example.com", "hash", "Dr. Example", "PROFESSIONAL", true, nil, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("LOWER(email) = LOWER($1)")).
		WithArgs("doc@example.com").
		WillReturnRows(rows)

	user, err := repo.FindByEmail(context.Background(), "doc@example.com")
	require.NoError(t, err)
	assert.Equal(t, "t1", user.TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepositoryUpdateLastLogin(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewUserRepository(db)

	ts := time.Now().UTC()
	mock.ExpectExec("UPDATE users SET last_login").
		WithArgs(ts, "u1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateLastLogin(context.Background(), "u1", ts))
	assert.NoError(t, mock.ExpectationsWereMet())
}
