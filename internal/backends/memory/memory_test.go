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

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelsdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/querytree"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/testutil"
)

func TestCatalog(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c := NewCatalog(testutil.Logger(t))

	info, err := c.CollectionGet(ctx, "db", "coll")
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = c.CollectionCreate(ctx, "db", "coll")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.ID)
	assert.Equal(t, "documents_1", info.TableName())

	_, err = c.CollectionCreate(ctx, "db", "coll")
	assert.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeCollectionAlreadyExists))

	_, err = c.CollectionCreate(ctx, "db", "")
	assert.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeCollectionNameIsInvalid))

	got, err := c.CollectionGet(ctx, "db", "coll")
	require.NoError(t, err)
	assert.Equal(t, info, got)

	indexes, err := c.ListIndexes(ctx, info)
	require.NoError(t, err)
	assert.Equal(t, []backends.IndexInfo{backends.IDIndex()}, indexes)

	require.NoError(t, c.IndexCreate(ctx, "db", "coll", backends.IndexInfo{
		Name:   "a_1",
		Key:    []backends.IndexKey{{Field: "a"}},
		Unique: true,
	}))

	indexes, err = c.ListIndexes(ctx, info)
	require.NoError(t, err)
	assert.Len(t, indexes, 2)

	view, err := c.CreateView(ctx, "db", "view")
	require.NoError(t, err)
	assert.True(t, view.View)

	require.NoError(t, c.SetShardKey(ctx, "db", "coll", must.NotFail(types.NewDocument("a", "hashed"))))

	got, err = c.CollectionGet(ctx, "db", "coll")
	require.NoError(t, err)
	assert.NotNil(t, got.ShardKey)

	assert.Equal(t, []string{"coll", "view"}, c.CollectionList(ctx, "db"))
}

func TestInsert(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c := NewCatalog(testutil.Logger(t))

	_, err := c.CollectionCreate(ctx, "db", "coll")
	require.NoError(t, err)

	err = c.Insert(ctx, "db", "coll",
		must.NotFail(types.NewDocument("_id", int32(2), "v", "b")),
		must.NotFail(types.NewDocument("_id", int32(1), "v", "a")),
	)
	require.NoError(t, err)

	err = c.Insert(ctx, "db", "coll", must.NotFail(types.NewDocument("_id", int32(3))), must.NotFail(types.NewDocument("_id", int64(1))))
	assert.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeInsertDuplicateID))

	docs, err := c.Documents(ctx, "db", "coll")
	require.NoError(t, err)
	require.Len(t, docs, 2, "failed insert must not add documents")
	assert.Equal(t, int32(1), must.NotFail(docs[0].Get("_id")))
	assert.Equal(t, int32(2), must.NotFail(docs[1].Get("_id")))

	require.NoError(t, c.Insert(ctx, "db", "coll", must.NotFail(types.NewDocument("v", "c"))))

	docs, err = c.Documents(ctx, "db", "coll")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.IsType(t, types.ObjectID{}, must.NotFail(docs[2].Get("_id")))
}

func TestExecuteSelect(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	c := NewCatalog(testutil.Logger(t))

	info, err := c.CollectionCreate(ctx, "db", "coll")
	require.NoError(t, err)

	require.NoError(t, c.Insert(ctx, "db", "coll",
		must.NotFail(types.NewDocument("_id", int32(3))),
		must.NotFail(types.NewDocument("_id", int32(1))),
		must.NotFail(types.NewDocument("_id", int32(2))),
	))

	e := NewExecutor(c, nil, testutil.Logger(t))

	ids := func(t *testing.T, rows [][]any) []any {
		t.Helper()

		res := make([]any, len(rows))
		for i, row := range rows {
			require.Len(t, row, 1)
			res[i] = must.NotFail(row[0].(*types.Document).Get("_id"))
		}

		return res
	}

	t.Run("Scan", func(t *testing.T) {
		t.Parallel()

		res, err := e.Execute(ctx, info.ScanQuery())
		require.NoError(t, err)
		assert.Equal(t, []any{int32(1), int32(2), int32(3)}, ids(t, res.Rows))
	})

	t.Run("WhereLimitDesc", func(t *testing.T) {
		t.Parallel()

		q := info.ScanQuery()
		q.Where = &querytree.OpExpr{
			Op:    ">",
			Left:  &querytree.Var{RTIndex: 1, AttrNo: backends.AttrObjectID},
			Right: &querytree.Const{Value: int32(1)},
		}
		q.SortClause[0].Descending = true
		q.Limit = pointer.ToInt64(1)

		res, err := e.Execute(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []any{int32(3)}, ids(t, res.Rows))
	})

	t.Run("CTE", func(t *testing.T) {
		t.Parallel()

		q := &querytree.Query{
			Command:    querytree.CmdSelect,
			CTEs:       []*querytree.CommonTableExpr{{Name: "inner", Query: info.ScanQuery()}},
			RangeTable: []*querytree.RangeTblEntry{{Kind: querytree.RTECTE, CTEName: "inner", Alias: "i", Columns: []string{"document"}}},
			From:       []int{1},
			TargetList: []*querytree.TargetEntry{{Expr: &querytree.Var{RTIndex: 1, AttrNo: 1}, Name: "document", ResNo: 1}},
			Limit:      pointer.ToInt64(2),
		}

		res, err := e.Execute(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, []any{int32(1), int32(2)}, ids(t, res.Rows))

		q.CTEs[0].Recursive = true
		_, err = e.Execute(ctx, q)
		require.Error(t, err)
	})

	t.Run("UnknownFunction", func(t *testing.T) {
		t.Parallel()

		q := info.ScanQuery()
		q.TargetList[0].Expr = &querytree.FuncExpr{Name: "nope", Args: []querytree.Expr{q.TargetList[0].Expr}}

		_, err := e.Execute(ctx, q)
		require.Error(t, err)
	})

	t.Run("Cancel", func(t *testing.T) {
		t.Parallel()

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := e.Execute(cctx, info.ScanQuery())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// TestExecuteSpan replaces the global tracer provider, so it is not parallel.
func TestExecuteSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := otelsdktrace.NewTracerProvider(otelsdktrace.WithSpanProcessor(sr))

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		require.NoError(t, tp.Shutdown(context.Background()))
	})

	ctx := context.Background()
	c := NewCatalog(testutil.Logger(t))

	info, err := c.CollectionCreate(ctx, "db", "coll")
	require.NoError(t, err)

	e := NewExecutor(c, nil, testutil.Logger(t))

	_, err = e.Execute(ctx, info.ScanQuery())
	require.NoError(t, err)

	q := info.ScanQuery()
	q.TargetList[0].Expr = &querytree.FuncExpr{Name: "nope", Args: []querytree.Expr{q.TargetList[0].Expr}}
	require.NoError(t, c.Insert(ctx, "db", "coll", must.NotFail(types.NewDocument("_id", int32(1)))))

	_, err = e.Execute(ctx, q)
	require.Error(t, err)

	var spans []otelsdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "memory.Execute" {
			spans = append(spans, s)
		}
	}

	require.Len(t, spans, 2)

	assert.Equal(t, []attribute.KeyValue{attribute.String("command", "SELECT")}, spans[0].Attributes())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, err.Error(), spans[1].Status().Description)
}

// upsertQuery returns MERGE from source into target by _id that replaces matched documents
// with the given function and inserts not matched ones.
func upsertQuery(source, target *backends.CollectionInfo, matched querytree.MergeActionKind) *querytree.Query {
	using := source.ScanQuery()
	using.TargetList = []*querytree.TargetEntry{
		using.TargetList[0],
		{Expr: &querytree.Const{Value: target.ID, Type: "bigint"}, Name: "target_shard_key_value", ResNo: 2},
		{Expr: &querytree.Var{RTIndex: 1, AttrNo: backends.AttrObjectID}, Name: "object_id", ResNo: 3, Junk: true},
	}

	s := func(attrNo int) querytree.Expr { return &querytree.Var{RTIndex: 2, AttrNo: attrNo} }
	t := func(attrNo int) querytree.Expr { return &querytree.Var{RTIndex: 1, AttrNo: attrNo} }

	return &querytree.Query{
		Command: querytree.CmdMerge,
		RangeTable: []*querytree.RangeTblEntry{
			target.RTE("target"),
			{Kind: querytree.RTESubquery, Subquery: using, Alias: "source", Columns: []string{"document", "target_shard_key_value"}},
		},
		ResultRelation: 1,
		SourceRelation: 2,
		JoinCondition: &querytree.BoolExpr{
			Op: querytree.BoolAnd,
			Args: []querytree.Expr{
				&querytree.OpExpr{Op: "=", Left: t(backends.AttrShardKeyValue), Right: s(2)},
				&querytree.OpExpr{Op: "=", Left: t(backends.AttrObjectID), Right: &querytree.FuncExpr{Name: "id", Args: []querytree.Expr{s(1)}}},
			},
		},
		MergeActions: []*querytree.MergeAction{
			{
				Matched:    true,
				Kind:       matched,
				TargetList: []*querytree.TargetEntry{{Expr: s(1), Name: "document", ResNo: backends.AttrDocument}},
			},
			{
				Kind: querytree.MergeInsert,
				TargetList: []*querytree.TargetEntry{
					{Expr: s(2), Name: "shard_key_value", ResNo: backends.AttrShardKeyValue},
					{Expr: &querytree.FuncExpr{Name: "id", Args: []querytree.Expr{s(1)}}, Name: "object_id", ResNo: backends.AttrObjectID},
					{Expr: s(1), Name: "document", ResNo: backends.AttrDocument},
					{Expr: &querytree.Const{Value: time.Unix(0, 0).UTC()}, Name: "creation_time", ResNo: backends.AttrCreationTime},
				},
			},
		},
	}
}

func TestExecuteMerge(t *testing.T) {
	t.Parallel()

	funcs := map[string]querytree.Function{
		"id": func(args ...any) (any, error) {
			return args[0].(*types.Document).Get("_id")
		},
	}

	setup := func(t *testing.T) (*Catalog, *backends.CollectionInfo, *backends.CollectionInfo) {
		t.Helper()

		ctx := testutil.Ctx(t)
		c := NewCatalog(testutil.Logger(t))

		source := must.NotFail(c.CollectionCreate(ctx, "db", "source"))
		target := must.NotFail(c.CollectionCreate(ctx, "db", "target"))

		require.NoError(t, c.Insert(ctx, "db", "source",
			must.NotFail(types.NewDocument("_id", int32(1), "a", int32(10))),
			must.NotFail(types.NewDocument("_id", int32(2), "a", int32(20))),
		))

		return c, source, target
	}

	t.Run("Upsert", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		c, source, target := setup(t)

		require.NoError(t, c.Insert(ctx, "db", "target", must.NotFail(types.NewDocument("_id", int32(1), "a", int32(0)))))

		res, err := NewExecutor(c, funcs, testutil.Logger(t)).Execute(ctx, upsertQuery(source, target, querytree.MergeUpdate))
		require.NoError(t, err)
		assert.Equal(t, WriteStats{Matched: 1, Inserted: 1, Updated: 1}, res.Stats)

		docs, err := c.Documents(ctx, "db", "target")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.Equal(t, int32(10), must.NotFail(docs[0].Get("a")))
		assert.Equal(t, int32(20), must.NotFail(docs[1].Get("a")))
	})

	t.Run("DoNothing", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		c, source, target := setup(t)

		require.NoError(t, c.Insert(ctx, "db", "target", must.NotFail(types.NewDocument("_id", int32(1), "a", int32(0)))))

		q := upsertQuery(source, target, querytree.MergeDoNothing)
		q.MergeActions[1].Kind = querytree.MergeDoNothing

		res, err := NewExecutor(c, funcs, testutil.Logger(t)).Execute(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, WriteStats{Matched: 1}, res.Stats)

		docs, err := c.Documents(ctx, "db", "target")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, int32(0), must.NotFail(docs[0].Get("a")))
	})

	t.Run("Atomic", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		c, source, target := setup(t)

		failing := map[string]querytree.Function{
			"id": func(args ...any) (any, error) {
				doc := args[0].(*types.Document)
				if must.NotFail(doc.Get("_id")) == int32(2) {
					return nil, commonerrors.NewCommandErrorMsg(commonerrors.ErrMergeStageNoMatchingDocument, "no match")
				}

				return doc.Get("_id")
			},
		}

		_, err := NewExecutor(c, failing, testutil.Logger(t)).Execute(ctx, upsertQuery(source, target, querytree.MergeUpdate))
		assert.Equal(t, commonerrors.ErrMergeStageNoMatchingDocument, commonerrors.CodeOf(err))

		docs, err := c.Documents(ctx, "db", "target")
		require.NoError(t, err)
		assert.Empty(t, docs, "first insert must be rolled back")
	})

	t.Run("UniqueIndex", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		c, source, target := setup(t)

		require.NoError(t, c.IndexCreate(ctx, "db", "target", backends.IndexInfo{
			Name:   "a_1",
			Key:    []backends.IndexKey{{Field: "a"}},
			Unique: true,
		}))
		require.NoError(t, c.Insert(ctx, "db", "target", must.NotFail(types.NewDocument("_id", int32(3), "a", int32(20)))))

		_, err := NewExecutor(c, funcs, testutil.Logger(t)).Execute(ctx, upsertQuery(source, target, querytree.MergeUpdate))
		assert.Equal(t, commonerrors.ErrDuplicateKey, commonerrors.CodeOf(err))

		docs, err := c.Documents(ctx, "db", "target")
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})

	t.Run("NoTable", func(t *testing.T) {
		t.Parallel()

		ctx := testutil.Ctx(t)
		c, source, target := setup(t)

		target.ID = 42

		_, err := NewExecutor(c, funcs, testutil.Logger(t)).Execute(ctx, upsertQuery(source, target, querytree.MergeUpdate))
		require.Error(t, err)
	})
}

func TestEvalBool(t *testing.T) {
	t.Parallel()

	e := NewExecutor(NewCatalog(testutil.Logger(t)), nil, testutil.Logger(t))

	c := func(v any) querytree.Expr { return &querytree.Const{Value: v} }

	for name, tc := range map[string]struct {
		expr     querytree.Expr
		expected any
	}{
		"AndNull": {
			expr:     &querytree.BoolExpr{Op: querytree.BoolAnd, Args: []querytree.Expr{c(true), c(nil)}},
			expected: nil,
		},
		"AndFalse": {
			expr:     &querytree.BoolExpr{Op: querytree.BoolAnd, Args: []querytree.Expr{c(nil), c(false)}},
			expected: false,
		},
		"OrTrue": {
			expr:     &querytree.BoolExpr{Op: querytree.BoolOr, Args: []querytree.Expr{c(nil), c(true)}},
			expected: true,
		},
		"OrFalse": {
			expr:     &querytree.BoolExpr{Op: querytree.BoolOr, Args: []querytree.Expr{c(false), c(false)}},
			expected: false,
		},
		"Not": {
			expr:     &querytree.BoolExpr{Op: querytree.BoolNot, Args: []querytree.Expr{c(false)}},
			expected: true,
		},
		"CompareNull": {
			expr:     &querytree.OpExpr{Op: "=", Left: c(int32(1)), Right: c(nil)},
			expected: nil,
		},
		"CompareNumbers": {
			expr:     &querytree.OpExpr{Op: "<=", Left: c(int32(1)), Right: c(1.5)},
			expected: true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			actual, err := e.eval(tc.expr, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}
