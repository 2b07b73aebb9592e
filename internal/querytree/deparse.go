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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/FerretDB/docagg/internal/bson"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
)

// Deparse returns PostgreSQL SQL text for the query.
func Deparse(q *Query) (string, error) {
	var d deparser
	if err := d.query(q); err != nil {
		return "", lazyerrors.Error(err)
	}

	return d.b.String(), nil
}

// deparser accumulates SQL text.
type deparser struct {
	b strings.Builder
}

// write appends strings.
func (d *deparser) write(s ...string) {
	for _, p := range s {
		d.b.WriteString(p)
	}
}

// ident quotes a possibly qualified identifier.
func ident(parts ...string) string {
	return pgx.Identifier(parts).Sanitize()
}

// query deparses a SELECT or MERGE query.
func (d *deparser) query(q *Query) error {
	if len(q.CTEs) > 0 {
		d.write("WITH ")

		for _, cte := range q.CTEs {
			if cte.Recursive {
				d.write("RECURSIVE ")
				break
			}
		}

		for i, cte := range q.CTEs {
			if i > 0 {
				d.write(", ")
			}

			d.write(ident(cte.Name), " AS (")

			if err := d.query(cte.Query); err != nil {
				return err
			}

			d.write(")")
		}

		d.write(" ")
	}

	switch q.Command {
	case CmdSelect:
		return d.selectQuery(q)
	case CmdMerge:
		return d.mergeQuery(q)
	default:
		return fmt.Errorf("unexpected command type %s", q.Command)
	}
}

// selectQuery deparses SELECT query without WITH clause.
func (d *deparser) selectQuery(q *Query) error {
	d.write("SELECT ")

	if len(q.TargetList) == 0 {
		return fmt.Errorf("empty target list")
	}

	for i, te := range q.TargetList {
		if i > 0 {
			d.write(", ")
		}

		if err := d.expr(q, te.Expr); err != nil {
			return err
		}

		if te.Name != "" {
			d.write(" AS ", ident(te.Name))
		}
	}

	if len(q.From) > 0 {
		d.write(" FROM ")

		for i, index := range q.From {
			if i > 0 {
				d.write(", ")
			}

			if err := d.rte(q.RTE(index)); err != nil {
				return err
			}
		}
	}

	if q.Where != nil {
		d.write(" WHERE ")

		if err := d.expr(q, q.Where); err != nil {
			return err
		}
	}

	if len(q.SortClause) > 0 {
		d.write(" ORDER BY ")

		for i, sc := range q.SortClause {
			if i > 0 {
				d.write(", ")
			}

			if err := d.expr(q, sc.Expr); err != nil {
				return err
			}

			if sc.Descending {
				d.write(" DESC")
			}
		}
	}

	if q.Limit != nil {
		d.write(" LIMIT ", strconv.FormatInt(*q.Limit, 10))
	}

	return nil
}

// mergeQuery deparses MERGE query without WITH clause.
func (d *deparser) mergeQuery(q *Query) error {
	target := q.RTE(q.ResultRelation)
	if target == nil || target.Kind != RTERelation {
		return fmt.Errorf("invalid MERGE result relation %d", q.ResultRelation)
	}

	d.write("MERGE INTO ")

	if err := d.rte(target); err != nil {
		return err
	}

	d.write(" USING ")

	if err := d.rte(q.RTE(q.SourceRelation)); err != nil {
		return err
	}

	d.write(" ON ")

	if q.JoinCondition == nil {
		d.write("TRUE")
	} else if err := d.expr(q, q.JoinCondition); err != nil {
		return err
	}

	for _, a := range q.MergeActions {
		if a.Matched {
			d.write(" WHEN MATCHED THEN ")
		} else {
			d.write(" WHEN NOT MATCHED THEN ")
		}

		switch a.Kind {
		case MergeDoNothing:
			d.write("DO NOTHING")

		case MergeUpdate:
			d.write("UPDATE SET ")

			for i, te := range a.TargetList {
				if i > 0 {
					d.write(", ")
				}

				d.write(ident(columnName(target, te)), " = ")

				if err := d.expr(q, te.Expr); err != nil {
					return err
				}
			}

		case MergeInsert:
			d.write("INSERT (")

			for i, te := range a.TargetList {
				if i > 0 {
					d.write(", ")
				}

				d.write(ident(columnName(target, te)))
			}

			d.write(") VALUES (")

			for i, te := range a.TargetList {
				if i > 0 {
					d.write(", ")
				}

				if err := d.expr(q, te.Expr); err != nil {
					return err
				}
			}

			d.write(")")

		default:
			return fmt.Errorf("unexpected merge action kind %s", a.Kind)
		}
	}

	return nil
}

// columnName returns the target relation's column name for the action's target entry.
func columnName(target *RangeTblEntry, te *TargetEntry) string {
	if te.ResNo >= 1 && te.ResNo <= len(target.Columns) {
		return target.Columns[te.ResNo-1]
	}

	return te.Name
}

// rte deparses a range table entry for FROM or USING clauses.
func (d *deparser) rte(rte *RangeTblEntry) error {
	if rte == nil {
		return fmt.Errorf("missing range table entry")
	}

	switch rte.Kind {
	case RTERelation:
		if rte.Schema != "" {
			d.write(ident(rte.Schema, rte.Table))
		} else {
			d.write(ident(rte.Table))
		}

	case RTESubquery:
		d.write("(")

		if err := d.query(rte.Subquery); err != nil {
			return err
		}

		d.write(")")

	case RTECTE:
		d.write(ident(rte.CTEName))

	default:
		return fmt.Errorf("unexpected range table entry kind %d", rte.Kind)
	}

	if rte.Alias != "" {
		d.write(" AS ", ident(rte.Alias))
	}

	return nil
}

// expr deparses an expression.
func (d *deparser) expr(q *Query, e Expr) error {
	switch e := e.(type) {
	case *Var:
		rte := q.RTE(e.RTIndex)
		name := q.ColumnName(e)

		if rte == nil || name == "" {
			return fmt.Errorf("invalid var %d.%d", e.RTIndex, e.AttrNo)
		}

		alias := rte.Alias
		if alias == "" {
			alias = rte.Table
		}

		d.write(ident(alias, name))

	case *Const:
		s, err := literal(e.Value)
		if err != nil {
			return err
		}

		d.write(s)

		if e.Type != "" && s != "NULL" {
			d.write("::", e.Type)
		}

	case *FuncExpr:
		d.write(ident(strings.Split(e.Name, ".")...), "(")

		for i, a := range e.Args {
			if i > 0 {
				d.write(", ")
			}

			if err := d.expr(q, a); err != nil {
				return err
			}
		}

		d.write(")")

	case *OpExpr:
		d.write("(")

		if err := d.expr(q, e.Left); err != nil {
			return err
		}

		d.write(" ", e.Op, " ")

		if err := d.expr(q, e.Right); err != nil {
			return err
		}

		d.write(")")

	case *BoolExpr:
		if e.Op == BoolNot {
			if len(e.Args) != 1 {
				return fmt.Errorf("NOT expects 1 argument, got %d", len(e.Args))
			}

			d.write("(NOT ")

			if err := d.expr(q, e.Args[0]); err != nil {
				return err
			}

			d.write(")")

			return nil
		}

		op := " AND "
		if e.Op == BoolOr {
			op = " OR "
		}

		d.write("(")

		for i, a := range e.Args {
			if i > 0 {
				d.write(op)
			}

			if err := d.expr(q, a); err != nil {
				return err
			}
		}

		d.write(")")

	default:
		return fmt.Errorf("unexpected expression %T", e)
	}

	return nil
}

// quote returns a quoted SQL string literal.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// literal returns SQL literal for the constant value.
func literal(v any) (string, error) {
	switch v := v.(type) {
	case nil, types.NullType:
		return "NULL", nil
	case bool:
		if v {
			return "TRUE", nil
		}

		return "FALSE", nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return quote(strconv.FormatFloat(v, 'g', -1, 64)), nil
	case string:
		return quote(v), nil
	case time.Time:
		return quote(v.UTC().Format(time.RFC3339Nano)), nil
	case []string:
		parts := make([]string, len(v))
		for i, s := range v {
			parts[i] = quote(s)
		}

		return "ARRAY[" + strings.Join(parts, ", ") + "]", nil
	case *types.Document:
		b, err := bson.MarshalExtJSON(v)
		if err != nil {
			return "", lazyerrors.Error(err)
		}

		return quote(string(b)), nil
	default:
		return "", fmt.Errorf("unexpected constant type %T", v)
	}
}
