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
	"errors"
	"fmt"

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/bson"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/must"
)

// AddObjectID returns a copy of the document with a new ObjectID _id field added first
// if the document doesn't have one, and checks that the result could be written.
//
// Calling it on its own result returns an equal document.
func AddObjectID(doc *types.Document) (*types.Document, error) {
	res := doc.DeepCopy()

	if !res.Has("_id") {
		must.NoError(res.Set("_id", types.NewObjectID()))
	}

	if err := validateWritable(res); err != nil {
		return nil, err
	}

	return res, nil
}

// validateWritable checks that the document is well-formed and fits the maximum document size.
func validateWritable(doc *types.Document) error {
	if err := doc.ValidateData(); err != nil {
		var ve *types.ValidationError
		if !errors.As(err, &ve) {
			return lazyerrors.Error(err)
		}

		switch ve.Code() {
		case types.ErrWrongIDType:
			return commonerrors.NewCommandErrorMsgWithArgument(commonerrors.ErrInvalidID, ve.Error(), "$merge")
		case types.ErrValidation, types.ErrIDNotFound:
			return commonerrors.NewCommandErrorMsgWithArgument(commonerrors.ErrInvalidBSON, ve.Error(), "$merge")
		default:
			panic(fmt.Sprintf("unknown validation code: %v", ve.Code()))
		}
	}

	size, err := bson.Size(doc)
	if err != nil {
		return commonerrors.NewCommandErrorMsgWithArgument(commonerrors.ErrInvalidBSON, err.Error(), "$merge")
	}

	if size > types.MaxDocumentLen {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrBSONObjectTooLarge,
			fmt.Sprintf("object to insert too large. size in bytes: %d, max size: %d", size, types.MaxDocumentLen),
			"$merge",
		)
	}

	return nil
}

// MergeWhenMatched returns the document that replaces the matched target document.
//
// For replace mode, the result has the target's _id followed by all other source fields.
// For fail mode, it always returns a duplicate key error.
func MergeWhenMatched(source, target *types.Document, mode WhenMatched) (*types.Document, error) {
	switch mode {
	case WhenMatchedReplace:
		if id, err := source.Get("_id"); err == nil {
			if _, ok := id.(*types.Array); ok {
				return nil, commonerrors.NewCommandErrorMsgWithArgument(
					commonerrors.ErrInvalidID,
					"The '_id' value cannot be of type array",
					"$merge",
				)
			}
		}

		id, err := target.Get("_id")
		if err != nil {
			return nil, lazyerrors.Errorf("target document without _id: %s", types.FormatAnyValue(target))
		}

		res := types.MakeDocument(source.Len() + 1)
		must.NoError(res.Set("_id", id))

		for _, k := range source.Keys() {
			if k == "_id" {
				continue
			}

			must.NoError(res.Set(k, must.NotFail(source.Get(k))))
		}

		if err := validateWritable(res); err != nil {
			return nil, err
		}

		return res.DeepCopy(), nil

	case WhenMatchedFail:
		id, _ := target.Get("_id")

		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrDuplicateKey,
			fmt.Sprintf(
				"$merge failed due to a DuplicateKey error :: caused by :: "+
					"E11000 duplicate key error dup key: { _id: %s }",
				types.FormatAnyValue(id),
			),
			"$merge",
		)

	default:
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrInternalError,
			fmt.Sprintf("unexpected whenMatched mode %q", mode),
			"$merge",
		)
	}
}

// FailWhenNotMatched always returns an error for a source document without a target match.
//
// It is used in place of the inserted value so that whenNotMatched: fail aborts the statement.
func FailWhenNotMatched(source *types.Document, idField string) (any, error) {
	id, _ := source.Get(idField)

	return nil, commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrMergeStageNoMatchingDocument,
		fmt.Sprintf(
			"$merge could not find a matching document in the target collection "+
				"for at least one document in the source collection: { %s: %s }",
			idField, types.FormatAnyValue(id),
		),
		"$merge",
	)
}

// MergeJoin returns true if target and source documents have equal values of the given field.
//
// The source value must be present, not null, not undefined, and not an array.
func MergeJoin(target, source *types.Document, field string) (bool, error) {
	expr, err := aggregations.NewExpression("$" + field)
	if err != nil {
		return false, lazyerrors.Error(err)
	}

	sv, ok := expr.Evaluate(source)
	if !ok {
		return false, invalidSourceValue()
	}

	switch sv.(type) {
	case types.NullType, types.UndefinedType, *types.Array:
		return false, invalidSourceValue()
	}

	tv, ok := expr.Evaluate(target)
	if !ok {
		return false, nil
	}

	return types.Compare(tv, sv) == types.Equal, nil
}

// invalidSourceValue returns an error for source documents with unusable join field values.
func invalidSourceValue() error {
	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrMergeOnInvalidSourceValue,
		"$merge write error: 'on' field cannot be missing, null, undefined or an array",
		"$merge",
	)
}

// ExtractID returns the _id value of the document.
func ExtractID(doc *types.Document) (any, error) {
	id, err := doc.Get("_id")
	if err != nil {
		return nil, lazyerrors.Errorf("document without _id: %s", types.FormatAnyValue(doc))
	}

	return id, nil
}
