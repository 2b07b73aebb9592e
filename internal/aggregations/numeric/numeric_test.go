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

package numeric

import (
	"math"
	"testing"

	"github.com/cockroachdb/apd/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
)

// decimal128 parses s as BSON decimal128.
func decimal128(s string) types.Decimal128 {
	h, l := must.NotFail(primitive.ParseDecimal128(s)).GetBytes()
	return types.Decimal128{H: h, L: l}
}

func TestToDecimal(t *testing.T) {
	t.Parallel()

	for name, tc := range map[string]struct {
		v        any
		expected string
	}{
		"Int32":   {int32(-42), "-42"},
		"Int64":   {int64(1) << 40, "1099511627776"},
		"Double":  {0.1, "0.1"},
		"Decimal": {decimal128("-1.50"), "-1.50"},
		"NaN":     {math.NaN(), "NaN"},
		"Inf":     {math.Inf(-1), "-Infinity"},
		"DecInf":  {decimal128("Infinity"), "Infinity"},
	} {
		name, tc := name, tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			d, ok := ToDecimal(tc.v)
			require.True(t, ok)
			assert.Equal(t, tc.expected, d.String())
		})
	}

	_, ok := ToDecimal("1")
	assert.False(t, ok)
	assert.False(t, IsNumber(types.Null))
	assert.True(t, IsDecimal(decimal128("1")))
}

func TestToDecimal128(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"0", "1.5", "-123456789012345678901234567890.1234", "1E+300", "NaN", "Infinity", "-Infinity"} {
		d, ok := ToDecimal(decimal128(s))
		require.True(t, ok)

		actual, err := ToDecimal128(d)
		require.NoError(t, err)

		assert.Equal(t, decimal128(s), actual, s)
	}

	// 35 digits are rounded half-even to 34
	d, _, err := apd.NewFromString("1.0000000000000000000000000000000005")
	require.NoError(t, err)

	actual, err := ToDecimal128(d)
	require.NoError(t, err)
	assert.Equal(t, decimal128("1.000000000000000000000000000000000"), actual)
}

func TestArithmetic(t *testing.T) {
	t.Parallel()

	var res apd.Decimal

	require.NoError(t, Quo(&res, apd.New(1, 0), apd.New(3, 0)))
	assert.Equal(t, "0.3333333333333333333333333333333333", res.String())

	err := Quo(&res, apd.New(1, 0), apd.New(0, 0))
	require.Error(t, err)
	assert.Equal(t, commonerrors.ErrInternalError, commonerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "divide of [1, 0]")

	require.NoError(t, Sqrt(&res, apd.New(4, 0)))
	f, ok := ToFloat64(&res)
	require.True(t, ok)
	assert.Equal(t, 2.0, f)
}

func TestToFloat64(t *testing.T) {
	t.Parallel()

	f, ok := ToFloat64(FromDecimal128(decimal128("1E+400")))
	assert.False(t, ok)
	assert.True(t, math.IsNaN(f))

	f, ok = ToFloat64(Inf(true))
	assert.True(t, ok)
	assert.True(t, math.IsInf(f, -1))

	f, ok = ToFloat64(FromFloat64(27.5))
	assert.True(t, ok)
	assert.Equal(t, 27.5, f)
}

func TestDowncast(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int32(15), Downcast(15))
	assert.Equal(t, int64(1)<<40, Downcast(float64(int64(1)<<40)))
	assert.Equal(t, 27.5, Downcast(27.5))
	assert.Equal(t, 1e300, Downcast(1e300))
	assert.True(t, math.IsNaN(Downcast(math.NaN()).(float64)))
}
