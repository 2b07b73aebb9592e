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

// Package testutil provides testing helpers.
package testutil

import (
	"context"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
)

// Ctx returns test context.
// It is canceled when test is finished.
func Ctx(tb testing.TB) context.Context {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)

	ctx, span := otel.Tracer("").Start(ctx, tb.Name())
	tb.Cleanup(func() {
		span.End()
	})

	return ctx
}

// PostgreSQLURL returns PostgreSQL URL for tests from the FERRETDB_POSTGRESQL_URL environment variable.
//
// It skips the test if the variable is not set.
func PostgreSQLURL(tb testing.TB) string {
	tb.Helper()

	u := os.Getenv("FERRETDB_POSTGRESQL_URL")
	if u == "" {
		tb.Skip("FERRETDB_POSTGRESQL_URL is not set")
	}

	return u
}
