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
	"github.com/FerretDB/docagg/internal/querytree"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
)

// FunctionSchema is the SQL schema of helper functions.
const FunctionSchema = "docagg_api_internal"

// Names of helper functions used in compiled queries.
const (
	FuncAddObjectID        = FunctionSchema + ".merge_add_object_id"
	FuncMergeWhenMatched   = FunctionSchema + ".merge_when_matched"
	FuncFailWhenNotMatched = FunctionSchema + ".merge_fail_when_not_matched"
	FuncMergeJoin          = FunctionSchema + ".merge_join"
	FuncExtractID          = FunctionSchema + ".merge_extract_id"
)

// Functions binds helper function names to their implementations for in-memory executors.
//
// All functions are strict: SQL NULL arguments produce SQL NULL results.
var Functions = map[string]querytree.Function{
	FuncAddObjectID: func(args ...any) (any, error) {
		doc, ok, err := docArgs(FuncAddObjectID, args, 1)
		if !ok || err != nil {
			return nil, err
		}

		return AddObjectID(doc[0])
	},

	FuncMergeWhenMatched: func(args ...any) (any, error) {
		if len(args) != 3 {
			return nil, lazyerrors.Errorf("%s: expected 3 arguments, got %d", FuncMergeWhenMatched, len(args))
		}

		doc, ok, err := docArgs(FuncMergeWhenMatched, args[:2], 2)
		if !ok || err != nil {
			return nil, err
		}

		mode, ok := args[2].(string)
		if !ok {
			return nil, lazyerrors.Errorf("%s: unexpected mode %T", FuncMergeWhenMatched, args[2])
		}

		return MergeWhenMatched(doc[0], doc[1], WhenMatched(mode))
	},

	FuncFailWhenNotMatched: func(args ...any) (any, error) {
		if len(args) != 2 {
			return nil, lazyerrors.Errorf("%s: expected 2 arguments, got %d", FuncFailWhenNotMatched, len(args))
		}

		doc, ok, err := docArgs(FuncFailWhenNotMatched, args[:1], 1)
		if !ok || err != nil {
			return nil, err
		}

		field, ok := args[1].(string)
		if !ok {
			return nil, lazyerrors.Errorf("%s: unexpected field %T", FuncFailWhenNotMatched, args[1])
		}

		return FailWhenNotMatched(doc[0], field)
	},

	FuncMergeJoin: func(args ...any) (any, error) {
		if len(args) != 3 {
			return nil, lazyerrors.Errorf("%s: expected 3 arguments, got %d", FuncMergeJoin, len(args))
		}

		doc, ok, err := docArgs(FuncMergeJoin, args[:2], 2)
		if !ok || err != nil {
			return nil, err
		}

		field, ok := args[2].(string)
		if !ok {
			return nil, lazyerrors.Errorf("%s: unexpected field %T", FuncMergeJoin, args[2])
		}

		return MergeJoin(doc[0], doc[1], field)
	},

	FuncExtractID: func(args ...any) (any, error) {
		doc, ok, err := docArgs(FuncExtractID, args, 1)
		if !ok || err != nil {
			return nil, err
		}

		return ExtractID(doc[0])
	},
}

// docArgs checks that there are exactly n document arguments.
// It returns false without an error if any of them is NULL.
func docArgs(name string, args []any, n int) ([]*types.Document, bool, error) {
	if len(args) != n {
		return nil, false, lazyerrors.Errorf("%s: expected %d arguments, got %d", name, n, len(args))
	}

	res := make([]*types.Document, n)

	for i, a := range args {
		if a == nil {
			return nil, false, nil
		}

		doc, ok := a.(*types.Document)
		if !ok {
			return nil, false, lazyerrors.Errorf("%s: argument %d: expected document, got %T", name, i+1, a)
		}

		res[i] = doc
	}

	return res, true, nil
}
