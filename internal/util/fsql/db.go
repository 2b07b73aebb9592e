// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fsql provides [database/sql] utilities.
package fsql

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
	"github.com/FerretDB/docagg/internal/util/resource"
)

// DB wraps [*database/sql.DB] with tracing, metrics, query logging, and resource tracking.
//
// Only methods used by catalogs are exposed.
type DB struct {
	*metricsCollector

	sqlDB *sql.DB
	l     *zap.Logger
	token *resource.Token
}

// WrapDB creates a new DB.
//
// Name is used for the logger name and metric labels.
func WrapDB(db *sql.DB, name string, l *zap.Logger) *DB {
	if db == nil {
		return nil
	}

	res := &DB{
		metricsCollector: newMetricsCollector(name, db.Stats),
		sqlDB:            db,
		l:                l.Named(name),
		token:            resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res
}

// Close calls [*sql.DB.Close].
func (db *DB) Close() error {
	resource.Untrack(db, db.token)
	return db.sqlDB.Close()
}

// QueryContext calls [*sql.DB.QueryContext].
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*Rows, error) {
	defer observability.FuncCall(ctx)()

	var rows *sql.Rows

	err := logQuery(db.l, query, args, func() (sql.Result, error) {
		var err error
		rows, err = db.sqlDB.QueryContext(ctx, query, args...)

		return nil, err
	})

	return wrapRows(rows), err
}

// QueryRowContext calls [*sql.DB.QueryRowContext].
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer observability.FuncCall(ctx)()

	var row *sql.Row

	_ = logQuery(db.l, query, args, func() (sql.Result, error) {
		row = db.sqlDB.QueryRowContext(ctx, query, args...)
		return nil, row.Err()
	})

	return row
}

// ExecContext calls [*sql.DB.ExecContext].
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	return execContext(ctx, db.sqlDB, db.l, query, args)
}

// InTransaction runs f in a transaction.
//
// The transaction is committed only if f returns nil;
// it is rolled back if f fails, panics, or calls [runtime.Goexit].
func (db *DB) InTransaction(ctx context.Context, f func(*Tx) error) (err error) {
	defer observability.FuncCall(ctx)()

	sqlTx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return lazyerrors.Error(err)
	}

	tx := wrapTx(sqlTx, db.l)
	committed := false

	defer func() {
		if committed {
			return
		}

		_ = tx.Rollback()

		if err == nil {
			err = lazyerrors.New("transaction was not committed")
		}
	}()

	// f's error is returned as is; callers check catalog error codes
	if err = f(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return lazyerrors.Error(err)
	}

	committed = true

	return nil
}

// execer is implemented by both [*sql.DB] and [*sql.Tx].
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execContext runs the statement with logging.
func execContext(ctx context.Context, e execer, l *zap.Logger, query string, args []any) (sql.Result, error) {
	var res sql.Result

	err := logQuery(l, query, args, func() (sql.Result, error) {
		var err error
		res, err = e.ExecContext(ctx, query, args...)

		return res, err
	})

	return res, err
}

// logQuery logs the query before and after calling f.
//
// The number of affected rows is logged if f returns a non-nil result.
func logQuery(l *zap.Logger, query string, args []any, f func() (sql.Result, error)) error {
	if ce := l.Check(zap.DebugLevel, ">>> "+query); ce != nil {
		ce.Write(zap.Any("args", args))
	}

	start := time.Now()
	res, err := f()

	fields := []zap.Field{zap.Any("args", args), zap.Duration("time", time.Since(start)), zap.Error(err)}

	if res != nil {
		if ra, raErr := res.RowsAffected(); raErr == nil {
			fields = append(fields, zap.Int64("rows", ra))
		}
	}

	l.Debug("<<< "+query, fields...)

	return err
}

// check interfaces
var (
	_ prometheus.Collector = (*DB)(nil)
)
