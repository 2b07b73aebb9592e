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

package querytree

import (
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
)

// scan returns SELECT document FROM ferretdb_data.documents_1 AS collection ORDER BY object_id.
func scan() *Query {
	return &Query{
		Command: CmdSelect,
		RangeTable: []*RangeTblEntry{{
			Kind:    RTERelation,
			Schema:  "ferretdb_data",
			Table:   "documents_1",
			Alias:   "collection",
			Columns: []string{"shard_key_value", "object_id", "document", "creation_time"},
		}},
		From: []int{1},
		TargetList: []*TargetEntry{
			{Expr: &Var{RTIndex: 1, AttrNo: 3}, Name: "document", ResNo: 1},
			{Expr: &Var{RTIndex: 1, AttrNo: 2}, Name: "sort_key", ResNo: 2, Junk: true},
		},
		SortClause: []*SortClause{{Expr: &Var{RTIndex: 1, AttrNo: 2}, Descending: true}},
		Limit:      pointer.ToInt64(10),
	}
}

func TestDeparseSelect(t *testing.T) {
	t.Parallel()

	q := scan()
	q.Where = &BoolExpr{
		Op: BoolAnd,
		Args: []Expr{
			&OpExpr{Op: "=", Left: &Var{RTIndex: 1, AttrNo: 1}, Right: &Const{Value: int64(1), Type: "bigint"}},
			&BoolExpr{Op: BoolNot, Args: []Expr{&Const{Value: false}}},
		},
	}

	sql, err := Deparse(q)
	require.NoError(t, err)

	expected := `SELECT "collection"."document" AS "document", "collection"."object_id" AS "sort_key" ` +
		`FROM "ferretdb_data"."documents_1" AS "collection" ` +
		`WHERE (("collection"."shard_key_value" = 1::bigint) AND (NOT FALSE)) ` +
		`ORDER BY "collection"."object_id" DESC LIMIT 10`
	assert.Equal(t, expected, sql)
}

func TestDeparseMerge(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	q := &Query{
		Command: CmdMerge,
		RangeTable: []*RangeTblEntry{
			{
				Kind:    RTERelation,
				Schema:  "ferretdb_data",
				Table:   "documents_2",
				Alias:   "target",
				Columns: []string{"shard_key_value", "object_id", "document", "creation_time"},
			},
			{
				Kind:     RTESubquery,
				Subquery: &Query{Command: CmdSelect, TargetList: []*TargetEntry{{Expr: &Const{Value: "x'y"}, Name: "document"}}},
				Alias:    "source",
				Columns:  []string{"document"},
			},
		},
		ResultRelation: 1,
		SourceRelation: 2,
		JoinCondition: &FuncExpr{
			Name: "docagg.merge_join",
			Args: []Expr{&Var{RTIndex: 1, AttrNo: 3}, &Var{RTIndex: 2, AttrNo: 1}, &Const{Value: "_id", Type: "text"}},
		},
		MergeActions: []*MergeAction{
			{
				Matched: true,
				Kind:    MergeUpdate,
				TargetList: []*TargetEntry{
					{Expr: &Var{RTIndex: 2, AttrNo: 1}, ResNo: 3},
				},
			},
			{
				Kind: MergeInsert,
				TargetList: []*TargetEntry{
					{Expr: &Const{Value: int64(2), Type: "bigint"}, ResNo: 1},
					{Expr: &Var{RTIndex: 2, AttrNo: 1}, ResNo: 3},
					{Expr: &Const{Value: now, Type: "timestamptz"}, ResNo: 4},
				},
			},
		},
	}

	sql, err := Deparse(q)
	require.NoError(t, err)

	expected := `MERGE INTO "ferretdb_data"."documents_2" AS "target" ` +
		`USING (SELECT 'x''y' AS "document") AS "source" ` +
		`ON "docagg"."merge_join"("target"."document", "source"."document", '_id'::text) ` +
		`WHEN MATCHED THEN UPDATE SET "document" = "source"."document" ` +
		`WHEN NOT MATCHED THEN INSERT ("shard_key_value", "document", "creation_time") ` +
		`VALUES (2::bigint, "source"."document", '2024-03-01T12:00:00Z'::timestamptz)`
	assert.Equal(t, expected, sql)
}

func TestDeparseErrors(t *testing.T) {
	t.Parallel()

	q := scan()
	q.TargetList[0].Expr = &Var{RTIndex: 2, AttrNo: 1}

	_, err := Deparse(q)
	assert.Error(t, err)

	q = scan()
	q.Command = CmdMerge

	_, err = Deparse(q)
	assert.Error(t, err)
}

func TestLiteral(t *testing.T) {
	t.Parallel()

	for v, expected := range map[any]string{
		nil:          "NULL",
		types.Null:   "NULL",
		true:         "TRUE",
		int32(-1):    "-1",
		float64(1.5): "'1.5'",
		"it's":       "'it''s'",
	} {
		actual, err := literal(v)
		require.NoError(t, err)
		assert.Equal(t, expected, actual)
	}

	actual, err := literal([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "ARRAY['a', 'b']", actual)

	actual, err = literal(must.NotFail(types.NewDocument("a", int32(1))))
	require.NoError(t, err)
	assert.Equal(t, `'{"a":1}'`, actual)

	_, err = literal(struct{}{})
	assert.Error(t, err)
}

func TestWalk(t *testing.T) {
	t.Parallel()

	q := scan()
	assert.False(t, HasRecursiveCTE(q))

	var vars int

	Walk(q, func(n Node) bool {
		if _, ok := n.(*Var); ok {
			vars++
		}

		return true
	})
	assert.Equal(t, 3, vars)

	inner := scan()
	inner.CTEs = []*CommonTableExpr{{Name: "tree", Query: scan(), Recursive: true}}

	q.RangeTable = append(q.RangeTable, &RangeTblEntry{Kind: RTESubquery, Subquery: inner, Alias: "sub"})
	assert.True(t, HasRecursiveCTE(q))

	sql, err := Deparse(inner)
	require.NoError(t, err)
	assert.Contains(t, sql, `WITH RECURSIVE "tree" AS (SELECT`)
}

func TestCopy(t *testing.T) {
	t.Parallel()

	q := scan()
	c := q.Copy()

	c.TargetList[0].Name = "changed"
	c.TargetList = append(c.TargetList, &TargetEntry{Expr: &Const{Value: int32(1)}})
	c.RangeTable[0] = nil

	assert.Equal(t, "document", q.TargetList[0].Name)
	assert.Len(t, q.TargetList, 2)
	assert.NotNil(t, q.RangeTable[0])

	assert.Nil(t, q.RTE(0))
	assert.Nil(t, q.RTE(2))
	assert.Equal(t, "object_id", q.ColumnName(&Var{RTIndex: 1, AttrNo: 2}))
	assert.Empty(t, q.ColumnName(&Var{RTIndex: 1, AttrNo: 5}))
}
