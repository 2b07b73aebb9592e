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

package commonparams

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/FerretDB/docagg/internal/types"
)

func TestAliasFromType(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		v        any
		expected string
	}{
		{v: new(types.Document), expected: "object"},
		{v: new(types.Array), expected: "array"},
		{v: 42.13, expected: "double"},
		{v: "foo", expected: "string"},
		{v: types.Binary{B: []byte{1}}, expected: "binData"},
		{v: types.Undefined, expected: "undefined"},
		{v: types.ObjectID{}, expected: "objectId"},
		{v: true, expected: "bool"},
		{v: time.Unix(0, 0), expected: "date"},
		{v: types.Null, expected: "null"},
		{v: types.Regex{Pattern: "^a"}, expected: "regex"},
		{v: int32(1), expected: "int"},
		{v: types.Timestamp(1), expected: "timestamp"},
		{v: int64(1), expected: "long"},
		{v: types.Decimal128{}, expected: "decimal"},
	} {
		t.Run(tc.expected, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expected, AliasFromType(tc.v))
		})
	}

	assert.Panics(t, func() { AliasFromType(struct{}{}) })
	assert.Equal(t, "TypeCode(42)", TypeCode(42).String())
}
