package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestAccountRepo_Create_InsertsLedgerInSameTx(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db)

	a := &model.Account{ID: uuid.Must(uuid.NewV4()), DisplayName: "Ana"}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO accounts \(id, display_name\) VALUES \(\$1, \$2\) RETURNING created_at`).
		WithArgs(a.ID, "Ana").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectExec(`INSERT INTO ledgers \(account_id, balance_minor\) VALUES \(\$1, 0\)`).
		WithArgs(a.ID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Create(context.Background(), a))
	require.Equal(t, created, a.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepo_Create_LedgerFailureRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db)

	a := &model.Account{ID: uuid.Must(uuid.NewV4()), DisplayName: "Ana"}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO accounts`).
		WithArgs(a.ID, "Ana").
		WillReturnRows(pgxmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	mock.ExpectExec(`INSERT INTO ledgers`).
		WithArgs(a.ID).
		WillReturnError(&pgconn.PgError{Code: "23503"})
	mock.ExpectRollback()

	require.Error(t, r.Create(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountRepo_Create_Duplicate(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db)

	a := &model.Account{ID: uuid.Must(uuid.NewV4()), DisplayName: "Ana"}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO accounts`).
		WithArgs(a.ID, "Ana").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	require.ErrorIs(t, r.Create(context.Background(), a), errs.ErrAlreadyExists)
}

func TestAccountRepo_GetByID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewAccountRepo(db)
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, display_name, created_at FROM accounts WHERE id=\$1`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "display_name", "created_at"}).AddRow(id, "Ana", now))
	a, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Ana", a.DisplayName)

	mock.ExpectQuery(`SELECT id, display_name, created_at FROM accounts WHERE id=\$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, id)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
