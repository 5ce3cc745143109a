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

func TestCreditRepositoryDebitSuccess(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCreditRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_balances SET balance = balance - $1")).
		WithArgs(2, sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Debit(context.Background(), nil, "t1", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRepositoryDebitInsufficientBalance(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCreditRepository(db)

	// The guard clause matches no row when balance < amount.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE credit_balances SET balance = balance - $1")).
		WithArgs(5, sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Debit(context.Background(), nil, "t1", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRepositoryDebitRejectsNonPositiveAmount(t *testing.T) {
	db, _, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCreditRepository(db)

	_, err := repo.Debit(context.Background(), nil, "t1", 0)
	assert.Error(t, err)
	_, err = repo.Debit(context.Background(), nil, "t1", -1)
	assert.Error(t, err)
}

func TestCreditRepositoryGetBalance(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCreditRepository(db)

	mock.ExpectQuery("SELECT tenant_id, balance, updated_at FROM credit_balances").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "balance", "updated_at"}).AddRow("t1", 42, time.Now()))

	balance, err := repo.GetBalance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 42, balance.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditRepositoryGrantAndReset(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewCreditRepository(db)

	mock.ExpectExec("INSERT INTO credit_balances").
		WithArgs("t1", 10, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Grant(context.Background(), "t1", 10))

	mock.ExpectExec("INSERT INTO credit_balances").
		WithArgs("t1", 100, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Reset(context.Background(), "t1", 100))

	assert.NoError(t, mock.ExpectationsWereMet())
}
