package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an infra-defined transaction handle (pgx.Tx for Postgres). Repositories accept nil to
// run on the pool.
type Tx interface{}

var NoTX Tx

// TransactionManager runs fn inside one database transaction. fn's error rolls everything back.
// Repositories called with the tx handle take row locks (SELECT ... FOR UPDATE) where they read
// state they are about to change.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
