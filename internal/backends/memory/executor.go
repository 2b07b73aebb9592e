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
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/querytree"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
)

// WriteStats contains the number of rows affected by MERGE.
type WriteStats struct {
	Matched  int
	Inserted int
	Updated  int
}

// Result is a query execution result.
type Result struct {
	// Rows contain values of non-junk output columns for SELECT.
	Rows [][]any

	// Stats are set for MERGE.
	Stats WriteStats
}

// Executor evaluates query trees over the catalog data.
//
// MERGE writes are applied atomically: if any row fails, the target is left unchanged.
type Executor struct {
	c     *Catalog
	funcs map[string]querytree.Function
	l     *zap.Logger
}

// NewExecutor creates a new executor.
//
// Function calls in query trees are resolved by name in the given registry.
func NewExecutor(c *Catalog, funcs map[string]querytree.Function, l *zap.Logger) *Executor {
	return &Executor{
		c:     c,
		funcs: funcs,
		l:     l,
	}
}

// Execute runs the query.
func (e *Executor) Execute(ctx context.Context, q *querytree.Query) (res *Result, err error) {
	defer observability.FuncCall(ctx)()

	ctx, span := observability.StartSpan(ctx, "memory.Execute", attribute.String("command", q.Command.String()))
	defer func() { observability.EndSpan(span, err) }()

	switch q.Command {
	case querytree.CmdSelect:
		e.c.rw.RLock()
		defer e.c.rw.RUnlock()

		rows, err := e.run(ctx, q, nil)
		if err != nil {
			return nil, err
		}

		return &Result{Rows: rows}, nil

	case querytree.CmdMerge:
		e.c.rw.Lock()
		defer e.c.rw.Unlock()

		stats, err := e.merge(ctx, q)
		if err != nil {
			return nil, err
		}

		e.l.Debug(
			"MERGE executed",
			zap.Int("matched", stats.Matched), zap.Int("inserted", stats.Inserted), zap.Int("updated", stats.Updated),
		)

		return &Result{Stats: *stats}, nil

	default:
		return nil, lazyerrors.Errorf("unexpected command %s", q.Command)
	}
}

// scope resolves CTE names for nested queries.
type scope struct {
	q      *querytree.Query
	parent *scope
}

// cte returns the CTE with the given name visible in the scope, or nil.
func (s *scope) cte(name string) *querytree.CommonTableExpr {
	for ; s != nil; s = s.parent {
		for _, c := range s.q.CTEs {
			if c.Name == name {
				return c
			}
		}
	}

	return nil
}

// env maps range table indexes to the current row values.
type env map[int][]any

// run executes SELECT and returns non-junk output columns.
func (e *Executor) run(ctx context.Context, q *querytree.Query, parent *scope) ([][]any, error) {
	if q.Command != querytree.CmdSelect {
		return nil, lazyerrors.Errorf("unexpected nested command %s", q.Command)
	}

	if len(q.From) != 1 {
		return nil, lazyerrors.Errorf("expected exactly one FROM entry, got %d", len(q.From))
	}

	s := &scope{q: q, parent: parent}
	rti := q.From[0]

	input, err := e.scan(ctx, q, rti, s)
	if err != nil {
		return nil, err
	}

	type output struct {
		keys   []any
		values []any
	}

	var out []output

	for _, in := range input {
		if err = ctx.Err(); err != nil {
			return nil, lazyerrors.Error(err)
		}

		en := env{rti: in}

		if q.Where != nil {
			var ok bool
			if ok, err = e.predicate(q.Where, en); err != nil {
				return nil, err
			}

			if !ok {
				continue
			}
		}

		o := output{
			keys:   make([]any, len(q.SortClause)),
			values: make([]any, 0, len(q.TargetList)),
		}

		for i, sc := range q.SortClause {
			if o.keys[i], err = e.eval(sc.Expr, en); err != nil {
				return nil, err
			}
		}

		for _, te := range q.TargetList {
			if te.Junk {
				continue
			}

			var v any
			if v, err = e.eval(te.Expr, en); err != nil {
				return nil, err
			}

			o.values = append(o.values, v)
		}

		out = append(out, o)
	}

	if len(q.SortClause) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for k, sc := range q.SortClause {
				res := compareNullsLast(out[i].keys[k], out[j].keys[k])
				if sc.Descending {
					res = -res
				}

				if res != types.Equal {
					return res == types.Less
				}
			}

			return false
		})
	}

	if q.Limit != nil && int64(len(out)) > *q.Limit {
		out = out[:max(*q.Limit, 0)]
	}

	res := make([][]any, len(out))
	for i, o := range out {
		res[i] = o.values
	}

	return res, nil
}

// compareNullsLast compares values like PostgreSQL does in ascending order: NULLs are last.
func compareNullsLast(a, b any) types.CompareResult {
	switch {
	case a == nil && b == nil:
		return types.Equal
	case a == nil:
		return types.Greater
	case b == nil:
		return types.Less
	default:
		return types.Compare(a, b)
	}
}

// scan returns all rows of the range table entry.
func (e *Executor) scan(ctx context.Context, q *querytree.Query, rti int, s *scope) ([][]any, error) {
	rte := q.RTE(rti)
	if rte == nil {
		return nil, lazyerrors.Errorf("no range table entry %d", rti)
	}

	switch rte.Kind {
	case querytree.RTERelation:
		coll, err := e.table(rte)
		if err != nil {
			return nil, err
		}

		res := make([][]any, len(coll.rows))
		for i, r := range coll.rows {
			res[i] = r.values()
		}

		return res, nil

	case querytree.RTESubquery:
		return e.run(ctx, rte.Subquery, s)

	case querytree.RTECTE:
		cte := s.cte(rte.CTEName)
		if cte == nil {
			return nil, lazyerrors.Errorf("CTE %q not found", rte.CTEName)
		}

		if cte.Recursive {
			return nil, lazyerrors.Errorf("recursive CTE %q is not supported", cte.Name)
		}

		return e.run(ctx, cte.Query, s)

	default:
		return nil, lazyerrors.Errorf("unexpected range table entry kind %d", rte.Kind)
	}
}

// table returns the collection for the relation.
func (e *Executor) table(rte *querytree.RangeTblEntry) (*collection, error) {
	if rte.Kind != querytree.RTERelation {
		return nil, lazyerrors.Errorf("range table entry %q is not a relation", rte.Alias)
	}

	coll := e.c.tables[rte.Table]
	if rte.Schema != backends.DataSchema || coll == nil {
		return nil, lazyerrors.Errorf("relation %s.%s does not exist", rte.Schema, rte.Table)
	}

	return coll, nil
}

// merge executes MERGE with the exclusive lock held.
func (e *Executor) merge(ctx context.Context, q *querytree.Query) (*WriteStats, error) {
	coll, err := e.table(q.RTE(q.ResultRelation))
	if err != nil {
		return nil, err
	}

	source, err := e.scan(ctx, q, q.SourceRelation, &scope{q: q})
	if err != nil {
		return nil, err
	}

	// Rows are replaced, never modified in place, so the original slice stays intact on failure.
	staged := append([]*Row(nil), coll.rows...)

	var stats WriteStats

	for _, src := range source {
		if err = ctx.Err(); err != nil {
			return nil, lazyerrors.Error(err)
		}

		matched := -1

		for i, r := range staged {
			var ok bool
			if ok, err = e.predicate(q.JoinCondition, env{q.ResultRelation: r.values(), q.SourceRelation: src}); err != nil {
				return nil, err
			}

			if ok {
				matched = i
				break
			}
		}

		action := findAction(q.MergeActions, matched >= 0)
		if matched >= 0 {
			stats.Matched++
		}

		if action == nil || action.Kind == querytree.MergeDoNothing {
			continue
		}

		en := env{q.SourceRelation: src}

		switch action.Kind {
		case querytree.MergeUpdate:
			if matched < 0 {
				return nil, lazyerrors.New("UPDATE action for not matched row")
			}

			en[q.ResultRelation] = staged[matched].values()

			row := *staged[matched]
			if err = e.assign(&row, action.TargetList, en); err != nil {
				return nil, err
			}

			if err = checkUnique(coll.indexes, staged, &row, matched); err != nil {
				return nil, err
			}

			staged[matched] = &row
			stats.Updated++

		case querytree.MergeInsert:
			if matched >= 0 {
				return nil, lazyerrors.New("INSERT action for matched row")
			}

			var row Row
			if err = e.assign(&row, action.TargetList, en); err != nil {
				return nil, err
			}

			if err = checkUnique(coll.indexes, staged, &row, -1); err != nil {
				return nil, err
			}

			staged = append(staged, &row)
			stats.Inserted++

		default:
			return nil, lazyerrors.Errorf("unexpected action %s", action.Kind)
		}
	}

	coll.rows = staged

	return &stats, nil
}

// findAction returns the first action for matched or not matched rows, or nil.
func findAction(actions []*querytree.MergeAction, matched bool) *querytree.MergeAction {
	for _, a := range actions {
		if a.Matched == matched {
			return a
		}
	}

	return nil
}

// assign evaluates target list and sets row columns by attribute number.
func (e *Executor) assign(row *Row, tl []*querytree.TargetEntry, en env) error {
	for _, te := range tl {
		v, err := e.eval(te.Expr, en)
		if err != nil {
			return err
		}

		var ok bool

		switch te.ResNo {
		case backends.AttrShardKeyValue:
			row.ShardKeyValue, ok = v.(int64)
		case backends.AttrObjectID:
			row.ObjectID, ok = v, v != nil
		case backends.AttrDocument:
			row.Document, ok = v.(*types.Document)
		case backends.AttrCreationTime:
			row.CreationTime, ok = v.(time.Time)
		default:
			return lazyerrors.Errorf("unexpected attribute number %d", te.ResNo)
		}

		if !ok {
			return lazyerrors.Errorf("invalid value %T for column %q", v, backends.DataColumns[te.ResNo-1])
		}
	}

	if row.Document == nil {
		return lazyerrors.New("document column is not set")
	}

	return nil
}

// checkUnique checks that the row does not violate unique indexes.
// The row at index skip is the one being replaced.
func checkUnique(indexes []backends.IndexInfo, rows []*Row, row *Row, skip int) error {
	for _, idx := range indexes {
		if !idx.Unique || idx.Partial {
			continue
		}

		key, err := indexKey(idx, row)
		if err != nil {
			return err
		}

		for i, r := range rows {
			if i == skip {
				continue
			}

			var other []any
			if other, err = indexKey(idx, r); err != nil {
				return err
			}

			if equalKeys(key, other) {
				msg := fmt.Sprintf("E11000 duplicate key error collection index: %s dup key: %s", idx.Name, formatKey(idx, key))
				return commonerrors.NewCommandErrorMsg(commonerrors.ErrDuplicateKey, msg)
			}
		}
	}

	return nil
}

// indexKey returns index key values of the row document; missing fields are null.
func indexKey(idx backends.IndexInfo, row *Row) ([]any, error) {
	res := make([]any, len(idx.Key))

	for i, k := range idx.Key {
		expr, err := aggregations.NewExpression("$" + k.Field)
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		v, ok := expr.Evaluate(row.Document)
		if !ok {
			v = types.Null
		}

		res[i] = v
	}

	return res, nil
}

// equalKeys returns true if all index key values are equal.
func equalKeys(a, b []any) bool {
	for i := range a {
		if types.Compare(a[i], b[i]) != types.Equal {
			return false
		}
	}

	return true
}

// formatKey formats index key values for error messages.
func formatKey(idx backends.IndexInfo, key []any) string {
	pairs := make([]any, 0, len(key)*2)
	for i, k := range idx.Key {
		pairs = append(pairs, k.Field, key[i])
	}

	d, err := types.NewDocument(pairs...)
	if err != nil {
		return fmt.Sprint(key...)
	}

	return types.FormatAnyValue(d)
}

// predicate evaluates a boolean expression; NULL is false.
func (e *Executor) predicate(expr querytree.Expr, en env) (bool, error) {
	v, err := e.eval(expr, en)
	if err != nil {
		return false, err
	}

	b, ok := v.(bool)
	if v != nil && !ok {
		return false, lazyerrors.Errorf("expected boolean, got %T", v)
	}

	return b, nil
}

// eval evaluates the expression; nil result is SQL NULL.
func (e *Executor) eval(expr querytree.Expr, en env) (any, error) {
	switch expr := expr.(type) {
	case *querytree.Var:
		row, ok := en[expr.RTIndex]
		if !ok {
			return nil, lazyerrors.Errorf("range table entry %d is not in scope", expr.RTIndex)
		}

		if expr.AttrNo < 1 || expr.AttrNo > len(row) {
			return nil, lazyerrors.Errorf("invalid attribute number %d", expr.AttrNo)
		}

		return row[expr.AttrNo-1], nil

	case *querytree.Const:
		return expr.Value, nil

	case *querytree.FuncExpr:
		f := e.funcs[expr.Name]
		if f == nil {
			return nil, lazyerrors.Errorf("function %s does not exist", expr.Name)
		}

		args := make([]any, len(expr.Args))
		for i, a := range expr.Args {
			var err error
			if args[i], err = e.eval(a, en); err != nil {
				return nil, err
			}
		}

		// user-facing errors are returned as is
		return f(args...)

	case *querytree.OpExpr:
		l, err := e.eval(expr.Left, en)
		if err != nil {
			return nil, err
		}

		r, err := e.eval(expr.Right, en)
		if err != nil {
			return nil, err
		}

		if l == nil || r == nil {
			return nil, nil
		}

		return compareOp(expr.Op, types.Compare(l, r))

	case *querytree.BoolExpr:
		return e.evalBool(expr, en)

	default:
		return nil, lazyerrors.Errorf("unexpected expression %T", expr)
	}
}

// evalBool evaluates AND, OR, and NOT with three-valued logic.
func (e *Executor) evalBool(expr *querytree.BoolExpr, en env) (any, error) {
	if expr.Op == querytree.BoolNot {
		if len(expr.Args) != 1 {
			return nil, lazyerrors.Errorf("NOT expects one argument, got %d", len(expr.Args))
		}

		v, err := e.eval(expr.Args[0], en)
		if err != nil || v == nil {
			return nil, err
		}

		b, ok := v.(bool)
		if !ok {
			return nil, lazyerrors.Errorf("expected boolean, got %T", v)
		}

		return !b, nil
	}

	// AND stops on false, OR stops on true
	stop := expr.Op == querytree.BoolOr
	var sawNull bool

	for _, a := range expr.Args {
		v, err := e.eval(a, en)
		if err != nil {
			return nil, err
		}

		if v == nil {
			sawNull = true
			continue
		}

		b, ok := v.(bool)
		if !ok {
			return nil, lazyerrors.Errorf("expected boolean, got %T", v)
		}

		if b == stop {
			return stop, nil
		}
	}

	if sawNull {
		return nil, nil
	}

	return !stop, nil
}

// compareOp converts comparison result to the operator result.
func compareOp(op string, res types.CompareResult) (bool, error) {
	switch op {
	case "=":
		return res == types.Equal, nil
	case "<>":
		return res != types.Equal, nil
	case "<":
		return res == types.Less, nil
	case "<=":
		return res != types.Greater, nil
	case ">":
		return res == types.Greater, nil
	case ">=":
		return res != types.Less, nil
	default:
		return false, lazyerrors.Errorf("unexpected operator %q", op)
	}
}
