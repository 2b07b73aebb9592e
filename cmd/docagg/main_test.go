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

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AlekSi/pointer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docagg/internal/bson"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/state"
	"github.com/FerretDB/docagg/internal/util/testutil"
)

// writeFile writes content to a new file in a temporary directory and returns its path.
func writeFile(t *testing.T, content string) string {
	t.Helper()

	f := filepath.Join(t.TempDir(), "docs.json")
	require.NoError(t, os.WriteFile(f, []byte(content), 0o666))

	return f
}

// parseLines parses Extended JSON documents, one per line.
func parseLines(t *testing.T, lines []string) []*types.Document {
	t.Helper()

	res := make([]*types.Document, len(lines))
	for i, line := range lines {
		res[i] = must.NotFail(bson.UnmarshalExtJSON([]byte(line)))
	}

	return res
}

func TestParseStage(t *testing.T) {
	t.Parallel()

	v, err := parseStage(`"target"`)
	require.NoError(t, err)
	assert.Equal(t, "target", v)

	v, err = parseStage(`{"into": "target", "on": ["_id"]}`)
	require.NoError(t, err)

	expected := must.NotFail(types.NewDocument(
		"into", "target",
		"on", must.NotFail(types.NewArray("_id")),
	))
	assert.Equal(t, expected, v)

	_, err = parseStage(`{"into": `)
	assert.Error(t, err)
}

func TestParseBound(t *testing.T) {
	t.Parallel()

	for s, expected := range map[string]*int{
		"unbounded": nil,
		"current":   pointer.ToInt(0),
		"-2":        pointer.ToInt(-2),
		"3":         pointer.ToInt(3),
	} {
		actual, err := parseBound(s)
		require.NoError(t, err, s)
		assert.Equal(t, expected, actual, s)
	}

	_, err := parseBound("previous")
	assert.EqualError(t, err, `invalid frame bound "previous"`)
}

func TestRunCompile(t *testing.T) {
	t.Parallel()

	sp, err := state.NewProvider("")
	require.NoError(t, err)

	memoryCatalog := &catalogParams{name: "memory"}

	t.Run("Execute", func(t *testing.T) {
		t.Parallel()

		params := &compileParams{
			Stage:       `{"into": "target", "whenMatched": "replace"}`,
			DB:          "test",
			Collection:  "source",
			EnableMerge: true,
			SourceFile:  writeFile(t, `[{"_id": 1, "v": 10}, {"_id": 2, "v": 20}]`),
			TargetFile:  writeFile(t, `[{"_id": 1, "v": 1}]`),
			Execute:     true,
		}

		var buf bytes.Buffer
		err := runCompile(testutil.Ctx(t), &buf, params, memoryCatalog, sp, prometheus.NewRegistry(), testutil.Logger(t))
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 4)

		assert.True(t, strings.HasPrefix(lines[0], `MERGE INTO "ferretdb_data"."documents_2" AS "target" `), lines[0])
		assert.Equal(t, "matched: 1, inserted: 1, updated: 1", lines[1])

		expected := []*types.Document{
			must.NotFail(types.NewDocument("_id", int32(1), "v", int32(10))),
			must.NotFail(types.NewDocument("_id", int32(2), "v", int32(20))),
		}
		assert.Equal(t, expected, parseLines(t, lines[2:]))
	})

	t.Run("CompileOnly", func(t *testing.T) {
		t.Parallel()

		params := &compileParams{
			Stage:               `{"into": {"db": "other", "coll": "target"}, "whenMatched": "keepExisting"}`,
			DB:                  "test",
			Collection:          "source",
			EnableMerge:         true,
			AllowTargetCreation: true,
			SourceFile:          writeFile(t, `[]`),
		}

		var buf bytes.Buffer
		err := runCompile(testutil.Ctx(t), &buf, params, memoryCatalog, sp, prometheus.NewRegistry(), testutil.Logger(t))
		require.NoError(t, err)

		out := strings.TrimSpace(buf.String())
		assert.NotContains(t, out, "\n")
		assert.Contains(t, out, `WHEN MATCHED THEN DO NOTHING`)
	})

	t.Run("SourceMissing", func(t *testing.T) {
		t.Parallel()

		params := &compileParams{
			Stage:       `{"into": "target", "whenMatched": "replace"}`,
			DB:          "test",
			Collection:  "source",
			EnableMerge: true,
		}

		err := runCompile(testutil.Ctx(t), new(bytes.Buffer), params, memoryCatalog, sp, prometheus.NewRegistry(), testutil.Logger(t))
		assert.EqualError(t, err, "source collection test.source does not exist")
	})

	t.Run("Disabled", func(t *testing.T) {
		t.Parallel()

		params := &compileParams{
			Stage:      `{"into": "target", "whenMatched": "replace"}`,
			DB:         "test",
			Collection: "source",
			SourceFile: writeFile(t, `[]`),
		}

		err := runCompile(testutil.Ctx(t), new(bytes.Buffer), params, memoryCatalog, sp, prometheus.NewRegistry(), testutil.Logger(t))
		assert.Equal(t, commonerrors.ErrNotImplemented, commonerrors.CodeOf(err))
	})

	t.Run("UnknownCatalog", func(t *testing.T) {
		t.Parallel()

		params := &compileParams{
			Stage:       `{"into": "target", "whenMatched": "replace"}`,
			EnableMerge: true,
		}

		err := runCompile(testutil.Ctx(t), new(bytes.Buffer), params, &catalogParams{name: "hana"}, sp, prometheus.NewRegistry(), testutil.Logger(t))
		assert.EqualError(t, err, `unknown catalog "hana"`)
	})
}

func TestRunWindow(t *testing.T) {
	t.Parallel()

	params := &windowParams{
		Operator:    `{"$expMovingAvg": {"input": "$v", "alpha": 0.5}}`,
		Input:       "-",
		SortBy:      "$_id",
		Lower:       "unbounded",
		Upper:       "unbounded",
		Output:      "ema",
		Parallelism: 1,
	}

	stdin := strings.NewReader(`[{"_id": 3, "v": 40}, {"_id": 1, "v": 10}, {"_id": 2, "v": 20}]`)

	var buf bytes.Buffer
	err := runWindow(testutil.Ctx(t), stdin, &buf, params, prometheus.NewRegistry(), testutil.Logger(t))
	require.NoError(t, err)

	expected := []*types.Document{
		must.NotFail(types.NewDocument("_id", int32(1), "v", int32(10), "ema", int32(10))),
		must.NotFail(types.NewDocument("_id", int32(2), "v", int32(20), "ema", int32(15))),
		must.NotFail(types.NewDocument("_id", int32(3), "v", int32(40), "ema", 27.5)),
	}
	assert.Equal(t, expected, parseLines(t, strings.Split(strings.TrimSpace(buf.String()), "\n")))

	t.Run("NoSortBy", func(t *testing.T) {
		t.Parallel()

		p := *params
		p.SortBy = ""

		err := runWindow(testutil.Ctx(t), strings.NewReader(`[]`), new(bytes.Buffer), &p, prometheus.NewRegistry(), testutil.Logger(t))
		assert.Error(t, err)
	})
}

func TestDumpMetrics(t *testing.T) {
	t.Parallel()

	sp, err := state.NewProvider("")
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(sp.MetricsCollector(false))

	var buf bytes.Buffer
	dumpMetrics(&buf, reg)
	assert.Contains(t, buf.String(), "ferretdb_docagg_up{")

	buf.Reset()
	printVersion(&buf)
	assert.Contains(t, buf.String(), "version: ")
}
