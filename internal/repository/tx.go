// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement surface shared by a pool and an open transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Transactor runs fn inside one unit of work: every statement issued through q
// commits together when fn returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(q Querier) error) error
}
