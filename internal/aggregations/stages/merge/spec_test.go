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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
)

// doc is a shortcut for creating documents in tests.
func doc(pairs ...any) *types.Document {
	return must.NotFail(types.NewDocument(pairs...))
}

// arr is a shortcut for creating arrays in tests.
func arr(values ...any) *types.Array {
	return must.NotFail(types.NewArray(values...))
}

func TestParse(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		v        any
		expected *Spec
		code     commonerrors.ErrorCode
		msg      string
	}{
		"StringDefaultMode": {
			v:    "coll",
			code: commonerrors.ErrNotImplemented,
			msg:  "$merge 'whenMatched' mode 'merge' is not supported yet",
		},
		"Defaults": {
			v: doc("into", "coll", "whenMatched", "replace"),
			expected: &Spec{
				TargetDatabase:   "src",
				TargetCollection: "coll",
				On:               []string{"_id"},
				WhenMatched:      WhenMatchedReplace,
				WhenNotMatched:   WhenNotMatchedInsert,
			},
		},
		"Full": {
			v: doc(
				"into", doc("db", "other", "coll", "coll"),
				"on", arr("a", "b"),
				"whenMatched", "keepExisting",
				"whenNotMatched", "discard",
			),
			expected: &Spec{
				TargetDatabase:   "other",
				TargetCollection: "coll",
				On:               []string{"a", "b"},
				WhenMatched:      WhenMatchedKeepExisting,
				WhenNotMatched:   WhenNotMatchedDiscard,
			},
		},
		"IntoWithoutDB": {
			v: doc("into", doc("coll", "coll"), "on", "a", "whenMatched", "fail", "whenNotMatched", "fail"),
			expected: &Spec{
				TargetDatabase:   "src",
				TargetCollection: "coll",
				On:               []string{"a"},
				WhenMatched:      WhenMatchedFail,
				WhenNotMatched:   WhenNotMatchedFail,
			},
		},
		"WrongType": {
			v:    int32(42),
			code: commonerrors.ErrFailedToParse,
			msg:  "$merge only supports a string or object argument, but found int",
		},
		"EmptyString": {
			v:    "",
			code: commonerrors.ErrInvalidNamespace,
		},
		"MissingInto": {
			v:    doc("on", "_id"),
			code: commonerrors.ErrFailedToParse,
			msg:  "BSON field '$merge.into' is missing but a required field",
		},
		"IntoWrongType": {
			v:    doc("into", true),
			code: commonerrors.ErrMergeIntoInvalidType,
			msg:  "$merge 'into' field  must be either a string or an object, but found bool",
		},
		"IntoEmptyColl": {
			v:    doc("into", doc("db", "db")),
			code: commonerrors.ErrInvalidNamespace,
		},
		"IntoUnknownField": {
			v:    doc("into", doc("coll", "coll", "foo", "bar")),
			code: commonerrors.ErrFailedToParseInput,
		},
		"IntoCollWrongType": {
			v:    doc("into", doc("coll", int64(1))),
			code: commonerrors.ErrTypeMismatch,
		},
		"OnEmpty": {
			v:    doc("into", "coll", "on", arr()),
			code: commonerrors.ErrMergeOnEmpty,
		},
		"OnNotString": {
			v:    doc("into", "coll", "on", arr("a", int32(1))),
			code: commonerrors.ErrMergeOnInvalidFieldType,
			msg:  "Array passed to $merge 'on' field must only contain strings, but found int",
		},
		"OnDuplicate": {
			v:    doc("into", "coll", "on", arr("a", "b", "a")),
			code: commonerrors.ErrMergeOnDuplicateField,
			msg:  "Found a duplicate field 'a'",
		},
		"OnWrongType": {
			v:    doc("into", "coll", "on", doc()),
			code: commonerrors.ErrMergeOnInvalidType,
		},
		"WhenMatchedUnknown": {
			v:    doc("into", "coll", "whenMatched", "foo"),
			code: commonerrors.ErrBadValue,
			msg:  "Enumeration value 'foo' for field 'whenMatched' is not a valid value.",
		},
		"WhenMatchedWrongType": {
			v:    doc("into", "coll", "whenMatched", 42.0),
			code: commonerrors.ErrTypeMismatch,
		},
		"WhenMatchedMerge": {
			v:    doc("into", "coll", "whenMatched", "merge"),
			code: commonerrors.ErrNotImplemented,
		},
		"WhenMatchedPipeline": {
			v:    doc("into", "coll", "whenMatched", arr(doc("$set", doc("a", int32(1))))),
			code: commonerrors.ErrNotImplemented,
			msg:  "$merge 'whenMatched' mode 'pipeline' is not supported yet",
		},
		"WhenNotMatchedUnknown": {
			v:    doc("into", "coll", "whenMatched", "replace", "whenNotMatched", "keepExisting"),
			code: commonerrors.ErrBadValue,
		},
		"WhenNotMatchedWrongType": {
			v:    doc("into", "coll", "whenMatched", "replace", "whenNotMatched", types.Null),
			code: commonerrors.ErrTypeMismatch,
			msg:  "BSON field '$merge.whenNotMatched' is the wrong type 'null', expected type 'string'",
		},
		"Let": {
			v:    doc("into", "coll", "whenMatched", "replace", "let", doc("a", int32(1))),
			code: commonerrors.ErrNotImplemented,
		},
		"UnknownField": {
			v:    doc("into", "coll", "foo", "bar"),
			code: commonerrors.ErrFailedToParseInput,
			msg:  "BSON field '$merge.foo' is an unknown field.",
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			actual, err := Parse(tc.v, "src")

			if tc.code != 0 {
				assert.Nil(t, actual)
				require.Error(t, err)

				ce, ok := commonerrors.ProtocolError(err)
				require.True(t, ok, "%v", err)
				assert.Equal(t, tc.code, ce.Code(), "%v", err)

				if tc.msg != "" {
					assert.ErrorContains(t, err, tc.msg)
				}

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestParseKinds(t *testing.T) {
	t.Parallel()

	_, err := Parse(doc("into", "coll", "on", arr()), "src")
	ce, ok := commonerrors.ProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, commonerrors.KindParse, ce.Kind())

	_, err = Parse(doc("into", "coll", "let", doc()), "src")
	ce, ok = commonerrors.ProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, commonerrors.KindUnsupported, ce.Kind())
}

func TestMarshal(t *testing.T) {
	t.Parallel()

	for _, spec := range []*Spec{{
		TargetDatabase:   "db",
		TargetCollection: "coll",
		On:               []string{"_id"},
		WhenMatched:      WhenMatchedReplace,
		WhenNotMatched:   WhenNotMatchedInsert,
	}, {
		TargetDatabase:   "other",
		TargetCollection: "c",
		On:               []string{"c", "a", "b"},
		WhenMatched:      WhenMatchedFail,
		WhenNotMatched:   WhenNotMatchedDiscard,
	}} {
		d := spec.Marshal()

		actual, err := Parse(d, "ignored")
		require.NoError(t, err)
		assert.Equal(t, spec, actual)

		assert.Equal(t, d, actual.Marshal())
	}
}
