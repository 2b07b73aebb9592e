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

// Package pool provides access to PostgreSQL database connections.
//
// It should be used only by the metadata package.
package pool

import (
	"context"
	"net/url"
	"strings"
	"time"

	zapadapter "github.com/jackc/pgx-zap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
	"github.com/FerretDB/docagg/internal/util/state"
)

var (
	// The only supported encoding in canonical form.
	encoding = "UTF8"

	// Supported locales in canonical forms.
	locales = []string{"POSIX", "C", "C.UTF8", "en_US.UTF8"}
)

// Open creates a pool of connections to PostgreSQL database
// and checks that it works (authentication passes, settings are okay).
func Open(u string, l *zap.Logger, sp *state.Provider) (*pgxpool.Pool, error) {
	uri, err := url.Parse(u)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	values := uri.Query()
	setDefaultValues(values)
	uri.RawQuery = values.Encode()

	config, err := pgxpool.ParseConfig(uri.String())
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	// version could change without restart
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		var v string
		var err error //nolint:vet // to avoid capturing the outer variable

		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err = conn.QueryRow(ctx, `SHOW server_version`).Scan(&v); err != nil {
			return lazyerrors.Error(err)
		}

		if sp.Get().ServerVersion != v {
			if err = sp.Update(func(s *state.State) { s.ServerVersion = v }); err != nil {
				l.Error("Failed to update state.", zap.Error(err))
			}
		}

		return nil
	}

	// try to log everything; logger's configuration will skip extra levels if needed
	config.ConnConfig.Tracer = &tracelog.TraceLog{
		Logger:   zapadapter.NewLogger(l),
		LogLevel: tracelog.LogLevelTrace,
	}

	// see https://github.com/jackc/pgx/issues/1726#issuecomment-1711612138
	ctx := context.TODO()

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err = checkConnection(ctx, p, l); err != nil {
		p.Close()
		return nil, lazyerrors.Error(err)
	}

	return p, nil
}

// setDefaultValues sets default query parameters.
func setDefaultValues(values url.Values) {
	if !values.Has("pool_max_conns") {
		// the default is too low
		values.Set("pool_max_conns", "50")
	}

	values.Set("application_name", "docagg")

	// That only affects text protocol; pgx mostly uses a binary one.
	values.Set("timezone", "UTC")
}

// simplify simplifies PostgreSQL setting value for comparison.
func simplify(v string) string {
	return strings.ToLower(strings.ReplaceAll(v, "-", ""))
}

// checkSetting returns an error if the PostgreSQL setting has an unsupported value.
// Unknown settings are ignored.
func checkSetting(name, value string) error {
	switch name {
	case "server_encoding", "client_encoding":
		if simplify(value) != simplify(encoding) {
			return lazyerrors.Errorf("%q is %q; supported value is %q", name, value, encoding)
		}

	case "lc_collate", "lc_ctype":
		if !slices.ContainsFunc(locales, func(l string) bool { return simplify(value) == simplify(l) }) {
			return lazyerrors.Errorf("%q is %q; supported values are %v", name, value, locales)
		}

	case "standard_conforming_strings":
		// To sanitize safely: https://github.com/jackc/pgx/issues/868#issuecomment-725544647
		if value != "on" {
			return lazyerrors.Errorf("%q is %q, want %q", name, value, "on")
		}
	}

	return nil
}

// checkConnection checks that connection works and PostgreSQL settings are what we expect.
func checkConnection(ctx context.Context, p *pgxpool.Pool, l *zap.Logger) error {
	rows, err := p.Query(ctx, "SHOW ALL")
	if err != nil {
		return lazyerrors.Error(err)
	}
	defer rows.Close()

	for rows.Next() {
		// handle variable number of columns as a workaround for https://github.com/cockroachdb/cockroach/issues/101715
		values, err := rows.Values()
		if err != nil {
			return lazyerrors.Error(err)
		}

		if len(values) < 2 {
			return lazyerrors.Errorf("invalid row: %#v", values)
		}

		n, _ := values[0].(string)
		v, _ := values[1].(string)

		if err = checkSetting(n, v); err != nil {
			return err
		}
	}

	if err = rows.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	l.Debug("PostgreSQL settings checked.")

	return nil
}

// InTransaction uses pool p and wraps the given function f in a transaction.
//
// If f returns an error or context is canceled, the transaction is rolled back.
func InTransaction(ctx context.Context, p *pgxpool.Pool, f func(tx pgx.Tx) error) error {
	defer observability.FuncCall(ctx)()

	if err := pgx.BeginFunc(ctx, p, f); err != nil {
		// do not wrap error because the caller of f depends on it in some cases
		return err
	}

	return nil
}
