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

// Walk traverses the tree in depth-first order, calling f for each node.
//
// If f returns false, children of that node are skipped.
// Subqueries of range table entries and CTE queries are traversed too.
func Walk(n Node, f func(Node) bool) {
	if n == nil || !f(n) {
		return
	}

	switch n := n.(type) {
	case *Query:
		for _, cte := range n.CTEs {
			Walk(cte, f)
		}

		for _, rte := range n.RangeTable {
			Walk(rte, f)
		}

		walkExpr(n.Where, f)

		for _, te := range n.TargetList {
			Walk(te, f)
		}

		for _, sc := range n.SortClause {
			Walk(sc, f)
		}

		walkExpr(n.JoinCondition, f)

		for _, a := range n.MergeActions {
			Walk(a, f)
		}

	case *CommonTableExpr:
		if n.Query != nil {
			Walk(n.Query, f)
		}

	case *RangeTblEntry:
		if n.Subquery != nil {
			Walk(n.Subquery, f)
		}

	case *TargetEntry:
		walkExpr(n.Expr, f)

	case *SortClause:
		walkExpr(n.Expr, f)

	case *MergeAction:
		for _, te := range n.TargetList {
			Walk(te, f)
		}

	case *FuncExpr:
		for _, a := range n.Args {
			walkExpr(a, f)
		}

	case *OpExpr:
		walkExpr(n.Left, f)
		walkExpr(n.Right, f)

	case *BoolExpr:
		for _, a := range n.Args {
			walkExpr(a, f)
		}

	case *Var, *Const:
		// leaf nodes
	}
}

// walkExpr calls Walk for non-nil expressions.
func walkExpr(e Expr, f func(Node) bool) {
	if e == nil {
		return
	}

	Walk(e, f)
}

// HasRecursiveCTE returns true if there is a recursive CTE anywhere in the tree.
func HasRecursiveCTE(q *Query) bool {
	var found bool

	Walk(q, func(n Node) bool {
		if cte, ok := n.(*CommonTableExpr); ok && cte.Recursive {
			found = true
		}

		return !found
	})

	return found
}
