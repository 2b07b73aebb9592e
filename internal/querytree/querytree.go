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

// Package querytree provides a minimal relational query tree model.
//
// Trees are built by the pipeline front end, rewritten by aggregation stages
// (for example, $merge turns a SELECT into a MERGE), deparsed into PostgreSQL SQL,
// and evaluated by in-memory executors.
package querytree

import (
	"fmt"
)

// CommandType is the kind of the top-level query.
type CommandType int

// Command types.
const (
	CmdSelect CommandType = iota
	CmdMerge
)

// String implements [fmt.Stringer].
func (c CommandType) String() string {
	switch c {
	case CmdSelect:
		return "SELECT"
	case CmdMerge:
		return "MERGE"
	default:
		return fmt.Sprintf("CommandType(%d)", int(c))
	}
}

// Node is a query tree node.
type Node interface {
	node()
}

// Expr is an expression node.
type Expr interface {
	Node
	expr()
}

// Var references a column of a range table entry.
type Var struct {
	// RTIndex is a 1-based index into the query's range table.
	RTIndex int

	// AttrNo is a 1-based column number.
	AttrNo int
}

// Const is a constant value of the given SQL type.
type Const struct {
	Value any

	// Type is a SQL type name like "bigint"; empty type means no explicit cast.
	Type string
}

// Function is a Go implementation of a SQL function used by in-memory executors.
//
// Arguments and results are BSON values; nil means SQL NULL.
type Function func(args ...any) (any, error)

// FuncExpr is a function call.
type FuncExpr struct {
	// Name is a possibly schema-qualified function name like "docagg.add_object_id".
	Name string
	Args []Expr
}

// OpExpr is a binary operator expression.
type OpExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

// BoolOp is a boolean operator.
type BoolOp int

// Boolean operators.
const (
	BoolAnd BoolOp = iota
	BoolOr
	BoolNot
)

// BoolExpr is a boolean expression; BoolNot has exactly one argument.
type BoolExpr struct {
	Op   BoolOp
	Args []Expr
}

// TargetEntry is an output column.
type TargetEntry struct {
	Expr Expr
	Name string

	// ResNo is a 1-based output column number,
	// or a target relation's attribute number for MERGE actions.
	ResNo int

	// Junk columns are used for sorting and grouping but are not a part of the result.
	Junk bool
}

// RTEKind is a range table entry kind.
type RTEKind int

// Range table entry kinds.
const (
	RTERelation RTEKind = iota
	RTESubquery
	RTECTE
)

// RangeTblEntry is a range table entry: a table, a subquery, or a CTE reference.
type RangeTblEntry struct {
	Kind RTEKind

	// Schema and Table are set for RTERelation.
	Schema string
	Table  string

	// Subquery is set for RTESubquery.
	Subquery *Query

	// CTEName is set for RTECTE.
	CTEName string

	Alias string

	// Columns are column names in attribute number order.
	Columns []string
}

// CommonTableExpr is a WITH clause entry.
type CommonTableExpr struct {
	Name      string
	Query     *Query
	Recursive bool
}

// MergeActionKind is a MERGE action kind.
type MergeActionKind int

// MERGE action kinds.
const (
	MergeDoNothing MergeActionKind = iota
	MergeUpdate
	MergeInsert
)

// String implements [fmt.Stringer].
func (k MergeActionKind) String() string {
	switch k {
	case MergeDoNothing:
		return "DO NOTHING"
	case MergeUpdate:
		return "UPDATE"
	case MergeInsert:
		return "INSERT"
	default:
		return fmt.Sprintf("MergeActionKind(%d)", int(k))
	}
}

// MergeAction is a WHEN [NOT] MATCHED clause.
type MergeAction struct {
	Matched bool
	Kind    MergeActionKind

	// TargetList contains assigned columns; ResNo is the target relation's attribute number.
	TargetList []*TargetEntry
}

// SortClause is an ORDER BY entry.
type SortClause struct {
	Expr       Expr
	Descending bool
}

// Query is a SELECT or MERGE query.
type Query struct {
	Command CommandType

	CTEs       []*CommonTableExpr
	RangeTable []*RangeTblEntry

	// From lists range table indexes of the FROM clause for SELECT.
	From []int

	Where      Expr
	TargetList []*TargetEntry
	SortClause []*SortClause
	Limit      *int64

	// ResultRelation and SourceRelation are range table indexes of MERGE target and source.
	ResultRelation int
	SourceRelation int

	// JoinCondition is the MERGE ON condition.
	JoinCondition Expr

	MergeActions []*MergeAction
}

// RTE returns the range table entry by 1-based index, or nil.
func (q *Query) RTE(index int) *RangeTblEntry {
	if index < 1 || index > len(q.RangeTable) {
		return nil
	}

	return q.RangeTable[index-1]
}

// ColumnName returns the column name for the given var, or an empty string.
func (q *Query) ColumnName(v *Var) string {
	rte := q.RTE(v.RTIndex)
	if rte == nil || v.AttrNo < 1 || v.AttrNo > len(rte.Columns) {
		return ""
	}

	return rte.Columns[v.AttrNo-1]
}

// Copy returns a shallow copy of the query with copied slices,
// so that entries could be added, removed, or replaced without modifying the original.
func (q *Query) Copy() *Query {
	res := *q

	res.CTEs = append([]*CommonTableExpr(nil), q.CTEs...)
	res.RangeTable = append([]*RangeTblEntry(nil), q.RangeTable...)
	res.From = append([]int(nil), q.From...)
	res.SortClause = append([]*SortClause(nil), q.SortClause...)
	res.MergeActions = append([]*MergeAction(nil), q.MergeActions...)

	res.TargetList = make([]*TargetEntry, len(q.TargetList))
	for i, te := range q.TargetList {
		c := *te
		res.TargetList[i] = &c
	}

	return &res
}

func (*Var) node()             {}
func (*Const) node()           {}
func (*FuncExpr) node()        {}
func (*OpExpr) node()          {}
func (*BoolExpr) node()        {}
func (*TargetEntry) node()     {}
func (*RangeTblEntry) node()   {}
func (*CommonTableExpr) node() {}
func (*MergeAction) node()     {}
func (*SortClause) node()      {}
func (*Query) node()           {}

func (*Var) expr()      {}
func (*Const) expr()    {}
func (*FuncExpr) expr() {}
func (*OpExpr) expr()   {}
func (*BoolExpr) expr() {}

// check interfaces
var (
	_ Expr = (*Var)(nil)
	_ Expr = (*Const)(nil)
	_ Expr = (*FuncExpr)(nil)
	_ Expr = (*OpExpr)(nil)
	_ Expr = (*BoolExpr)(nil)
	_ Node = (*Query)(nil)
)
