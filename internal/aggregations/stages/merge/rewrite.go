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

package merge

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/querytree"
)

// Range table indexes and aliases of the compiled MERGE query.
const (
	targetRTIndex = 1
	sourceRTIndex = 2

	targetAlias = "target"
	sourceAlias = "source"
)

// shardKeyColumn is the name of the source column holding the target's shard key value.
const shardKeyColumn = "target_shard_key_value"

// rewrite builds the MERGE query:
//
//	MERGE INTO <target> AS target
//	USING (<q'>) AS source
//	ON target.shard_key_value = source.target_shard_key_value
//	  AND merge_join(target.document, source.document, <f1>) AND ...
//	WHEN MATCHED THEN <matched action>
//	WHEN NOT MATCHED THEN <not matched action>
//
// q' is q with the document column wrapped by merge_add_object_id
// and the target_shard_key_value constant column added before junk columns.
func rewrite(q *querytree.Query, spec *Spec, target *backends.CollectionInfo, now time.Time) (*querytree.Query, error) {
	if q.Command != querytree.CmdSelect {
		return nil, internalError("expected SELECT query, got %s", q.Command)
	}

	src, err := rewriteSource(q, target.ID)
	if err != nil {
		return nil, err
	}

	var columns []string
	for _, te := range src.TargetList {
		if !te.Junk {
			columns = append(columns, te.Name)
		}
	}

	// the document is the first column, the shard key value is the last non-junk column
	sourceDoc := &querytree.Var{RTIndex: sourceRTIndex, AttrNo: 1}
	sourceShardKey := &querytree.Var{RTIndex: sourceRTIndex, AttrNo: len(columns)}

	targetDoc := &querytree.Var{RTIndex: targetRTIndex, AttrNo: backends.AttrDocument}

	join := []querytree.Expr{
		&querytree.OpExpr{
			Op:    "=",
			Left:  &querytree.Var{RTIndex: targetRTIndex, AttrNo: backends.AttrShardKeyValue},
			Right: sourceShardKey,
		},
	}

	for _, f := range spec.On {
		join = append(join, &querytree.FuncExpr{
			Name: FuncMergeJoin,
			Args: []querytree.Expr{targetDoc, sourceDoc, &querytree.Const{Value: f, Type: "text"}},
		})
	}

	matched, err := matchedAction(spec.WhenMatched, sourceDoc, targetDoc)
	if err != nil {
		return nil, err
	}

	notMatched, err := notMatchedAction(spec.WhenNotMatched, sourceDoc, sourceShardKey, now)
	if err != nil {
		return nil, err
	}

	return &querytree.Query{
		Command: querytree.CmdMerge,
		RangeTable: []*querytree.RangeTblEntry{
			target.RTE(targetAlias),
			{
				Kind:     querytree.RTESubquery,
				Subquery: src,
				Alias:    sourceAlias,
				Columns:  columns,
			},
		},
		ResultRelation: targetRTIndex,
		SourceRelation: sourceRTIndex,
		JoinCondition:  &querytree.BoolExpr{Op: querytree.BoolAnd, Args: join},
		MergeActions:   []*querytree.MergeAction{matched, notMatched},
	}, nil
}

// rewriteSource returns a copy of the pipeline query prepared to be the MERGE source.
func rewriteSource(q *querytree.Query, targetID int64) (*querytree.Query, error) {
	src := q.Copy()

	pos := slices.IndexFunc(src.TargetList, func(te *querytree.TargetEntry) bool { return te.Junk })
	if pos < 0 {
		pos = len(src.TargetList)
	}

	if pos == 0 {
		return nil, internalError("query has no document column")
	}

	for _, te := range src.TargetList[pos:] {
		if !te.Junk {
			return nil, internalError("non-junk column %q after junk column", te.Name)
		}

		te.ResNo++
	}

	doc := src.TargetList[0]
	doc.Expr = &querytree.FuncExpr{Name: FuncAddObjectID, Args: []querytree.Expr{doc.Expr}}

	src.TargetList = slices.Insert(src.TargetList, pos, &querytree.TargetEntry{
		Expr:  &querytree.Const{Value: targetID, Type: "bigint"},
		Name:  shardKeyColumn,
		ResNo: pos + 1,
	})

	return src, nil
}

// matchedAction returns WHEN MATCHED action.
func matchedAction(mode WhenMatched, sourceDoc, targetDoc querytree.Expr) (*querytree.MergeAction, error) {
	switch mode {
	case WhenMatchedReplace, WhenMatchedFail:
		return &querytree.MergeAction{
			Matched: true,
			Kind:    querytree.MergeUpdate,
			TargetList: []*querytree.TargetEntry{{
				Expr: &querytree.FuncExpr{
					Name: FuncMergeWhenMatched,
					Args: []querytree.Expr{sourceDoc, targetDoc, &querytree.Const{Value: string(mode), Type: "text"}},
				},
				Name:  "document",
				ResNo: backends.AttrDocument,
			}},
		}, nil

	case WhenMatchedKeepExisting:
		return &querytree.MergeAction{Matched: true, Kind: querytree.MergeDoNothing}, nil

	default:
		return nil, internalError("unexpected whenMatched %q", mode)
	}
}

// notMatchedAction returns WHEN NOT MATCHED action.
func notMatchedAction(mode WhenNotMatched, sourceDoc, sourceShardKey querytree.Expr, now time.Time) (*querytree.MergeAction, error) {
	var objectID querytree.Expr

	switch mode {
	case WhenNotMatchedInsert:
		objectID = &querytree.FuncExpr{Name: FuncExtractID, Args: []querytree.Expr{sourceDoc}}

	case WhenNotMatchedFail:
		objectID = &querytree.FuncExpr{
			Name: FuncFailWhenNotMatched,
			Args: []querytree.Expr{sourceDoc, &querytree.Const{Value: "_id", Type: "text"}},
		}

	case WhenNotMatchedDiscard:
		return &querytree.MergeAction{Kind: querytree.MergeDoNothing}, nil

	default:
		return nil, internalError("unexpected whenNotMatched %q", mode)
	}

	return &querytree.MergeAction{
		Kind: querytree.MergeInsert,
		TargetList: []*querytree.TargetEntry{
			{Expr: sourceShardKey, Name: "shard_key_value", ResNo: backends.AttrShardKeyValue},
			{Expr: objectID, Name: "object_id", ResNo: backends.AttrObjectID},
			{Expr: sourceDoc, Name: "document", ResNo: backends.AttrDocument},
			{Expr: &querytree.Const{Value: now, Type: "timestamptz"}, Name: "creation_time", ResNo: backends.AttrCreationTime},
		},
	}, nil
}

// internalError returns an error for broken invariants of the query rewrite.
func internalError(format string, args ...any) error {
	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrInternalError,
		fmt.Sprintf(format, args...),
		"$merge (stage)",
	)
}
