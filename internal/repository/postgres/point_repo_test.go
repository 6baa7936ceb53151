package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/tapledger/internal/errs"
	"github.com/and161185/tapledger/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

var pointCols = []string{"id", "name", "kind", "location", "dose_units", "price_minor", "active", "created_at", "updated_at"}

func TestPointRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPointRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM dispensing_points WHERE id=\$1`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows(pointCols).
			AddRow(int64(4), "IPA", "beer", "bar", int64(300), int64(350), true, now, now))
	p, err := r.Get(context.Background(), 4)
	require.NoError(t, err)
	require.Equal(t, "IPA", p.Name)
	require.Equal(t, int64(350), p.PriceMinor)
	require.True(t, p.Active)

	mock.ExpectQuery(`FROM dispensing_points WHERE id=\$1`).
		WithArgs(int64(5)).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(context.Background(), 5)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestPointRepo_ListActive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPointRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM dispensing_points WHERE active ORDER BY name`).
		WillReturnRows(pgxmock.NewRows(pointCols).
			AddRow(int64(4), "IPA", "beer", "bar", int64(300), int64(350), true, now, now).
			AddRow(int64(6), "Mate", "mate", "hall", int64(200), int64(150), true, now, now))
	ps, err := r.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, ps, 2)
	require.Equal(t, "Mate", ps[1].Name)
}

func TestPointRepo_Create(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPointRepo(db)
	now := time.Now().UTC()
	p := &model.DispensingPoint{Name: "IPA", Kind: "beer", Location: "bar", DoseUnits: 300, PriceMinor: 350, Active: true}

	mock.ExpectQuery(`INSERT INTO dispensing_points \(name, kind, location, dose_units, price_minor, active\)`).
		WithArgs("IPA", "beer", "bar", int64(300), int64(350), true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(4), now, now))
	require.NoError(t, r.Create(context.Background(), p))
	require.Equal(t, int64(4), p.ID)

	mock.ExpectQuery(`INSERT INTO dispensing_points`).
		WithArgs("IPA", "beer", "bar", int64(300), int64(350), true).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(context.Background(), p), errs.ErrAlreadyExists)
}

func TestPointRepo_SetActive(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPointRepo(db)

	mock.ExpectExec(`UPDATE dispensing_points SET active=\$2, updated_at=now\(\) WHERE id=\$1`).
		WithArgs(int64(4), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.SetActive(context.Background(), 4, false))

	mock.ExpectExec(`UPDATE dispensing_points SET active`).
		WithArgs(int64(99), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.SetActive(context.Background(), 99, true), errs.ErrNotFound)
}
