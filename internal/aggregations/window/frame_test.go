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

package window

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/testutil"
)

// series returns documents {_id: i, p: <partition>, t: <ts[i]>, v: <vs[i]>}.
func series(partition string, ts []any, vs []any) []*types.Document {
	res := make([]*types.Document, len(ts))
	for i := range ts {
		res[i] = must.NotFail(types.NewDocument("_id", int32(i), "p", partition, "t", ts[i], "v", vs[i]))
	}

	return res
}

// outputs returns output field values.
func outputs(t testing.TB, docs []*types.Document, field string) []any {
	t.Helper()

	res := make([]any, len(docs))
	for i, doc := range docs {
		var err error
		res[i], err = doc.Get(field)
		require.NoError(t, err)
	}

	return res
}

func newWindow(t testing.TB, op *types.Document, frame Frame) *Window {
	t.Helper()

	sortBy := must.NotFail(aggregations.NewExpression("$t"))

	operator, err := NewOperator(op, sortBy)
	require.NoError(t, err)

	return &Window{
		PartitionBy: must.NotFail(aggregations.NewExpression("$p")),
		SortBy:      sortBy,
		Frame:       frame,
		Output:      "out",
		Operator:    operator,
	}
}

func TestExpMovingAvg(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	docs := series("a", []any{int32(3), int32(1), int32(2)}, []any{int32(40), int32(10), int32(20)})

	for name, tc := range map[string]struct {
		op       *types.Document
		expected []any
	}{
		"Alpha": {
			op:       must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument("input", "$v", "alpha", 0.5)))),
			expected: []any{int32(10), int32(15), 27.5},
		},
		"N": {
			op:       must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument("input", "$v", "N", int32(3))))),
			expected: []any{int32(10), int32(15), 27.5},
		},
		"NOne": {
			op:       must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument("input", "$v", "N", int64(1))))),
			expected: []any{int32(10), int32(20), int32(40)},
		},
		"AlphaSmall": {
			op:       must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument("input", "$v", "alpha", 1e-9)))),
			expected: []any{int32(10), 10.00000001, 10.00000004},
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			res, err := Evaluate(ctx, l, newWindow(t, tc.op, Frame{}), docs)
			require.NoError(t, err)

			actual := outputs(t, res, "out")
			require.Len(t, actual, len(tc.expected))

			for i, e := range tc.expected {
				if f, ok := e.(float64); ok {
					assert.InDelta(t, f, actual[i], 1e-12, "row %d", i)
					continue
				}

				assert.Equal(t, e, actual[i], "row %d", i)
			}
		})
	}

	t.Run("NonNumeric", func(t *testing.T) {
		t.Parallel()

		fn := must.NotFail(NewExpMovingAvgAlpha(0.5))

		state := transitions(t, fn, []any{int32(10)}, []any{"x"})
		assert.Equal(t, types.Null, final(t, fn, state))

		state = transitions(t, fn, []any{int32(10)}, []any{"x"}, []any{int32(20)})
		assert.Equal(t, int32(15), final(t, fn, state))
	})

	t.Run("Decimal", func(t *testing.T) {
		t.Parallel()

		fn := must.NotFail(NewExpMovingAvgAlpha(0.5))

		state := transitions(t, fn, []any{decimal("10")}, []any{int32(20)}, []any{int32(40)})
		assertDecimal(t, "27.5", final(t, fn, state))
	})

	t.Run("Restart", func(t *testing.T) {
		t.Parallel()

		fn := must.NotFail(NewExpMovingAvgN(int32(2)))

		state, err := fn.InverseTransition(transitions(t, fn, []any{int32(1)}), int32(1))
		require.NoError(t, err)
		assert.Nil(t, state)

		_, err = fn.Combine(fn.Init(), fn.Init())
		assert.Equal(t, commonerrors.ErrInternalError, commonerrors.CodeOf(err))
	})
}

func TestExpMovingAvgParse(t *testing.T) {
	t.Parallel()

	for name, alpha := range map[string]any{
		"Zero":     float64(0),
		"One":      int32(1),
		"Negative": -0.5,
		"NaN":      math.NaN(),
		"String":   "0.5",
	} {
		t.Run("Alpha"+name, func(t *testing.T) {
			t.Parallel()

			_, err := NewExpMovingAvgAlpha(alpha)
			assert.Equal(t, commonerrors.ErrFailedToParse, commonerrors.CodeOf(err))
		})
	}

	for name, n := range map[string]any{
		"Zero":     int32(0),
		"Negative": int64(-3),
		"Fraction": 2.5,
		"Huge":     1e300,
		"Inf":      math.Inf(1),
		"Decimal":  decimal("2.5"),
	} {
		t.Run("N"+name, func(t *testing.T) {
			t.Parallel()

			_, err := NewExpMovingAvgN(n)
			assert.Equal(t, commonerrors.ErrFailedToParse, commonerrors.CodeOf(err))
		})
	}

	for name, n := range map[string]any{
		"Double":  float64(10),
		"Decimal": decimal("10.0"),
		"Large":   int64(math.MaxInt64),
	} {
		t.Run("Valid"+name, func(t *testing.T) {
			t.Parallel()

			_, err := NewExpMovingAvgN(n)
			assert.NoError(t, err)
		})
	}
}

func TestIntegralDerivative(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	dates := []any{time.UnixMilli(2000).UTC(), time.UnixMilli(0).UTC(), time.UnixMilli(1000).UTC()}
	values := []any{int32(5), int32(1), int32(3)}
	docs := series("a", dates, values)

	integral := must.NotFail(types.NewDocument(
		"$integral", must.NotFail(types.NewDocument("input", "$v", "unit", "second")),
	))
	derivative := must.NotFail(types.NewDocument(
		"$derivative", must.NotFail(types.NewDocument("input", "$v", "unit", "second")),
	))

	for name, tc := range map[string]struct {
		op       *types.Document
		frame    Frame
		expected []any
	}{
		"IntegralUnbounded": {
			op:       integral,
			expected: []any{6.0, 6.0, 6.0},
		},
		"IntegralRunning": {
			op:       integral,
			frame:    Frame{Upper: pointer.ToInt(0)},
			expected: []any{0.0, 2.0, 6.0},
		},
		"IntegralSliding": {
			op:       integral,
			frame:    Frame{Lower: pointer.ToInt(-1), Upper: pointer.ToInt(0)},
			expected: []any{0.0, 2.0, 4.0},
		},
		"DerivativeUnbounded": {
			op:       derivative,
			expected: []any{2.0, 2.0, 2.0},
		},
		"DerivativeSliding": {
			op:       derivative,
			frame:    Frame{Lower: pointer.ToInt(-1), Upper: pointer.ToInt(0)},
			expected: []any{types.Null, 2.0, 2.0},
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			res, err := Evaluate(ctx, l, newWindow(t, tc.op, tc.frame), docs)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, outputs(t, res, "out"))
		})
	}

	t.Run("Numeric", func(t *testing.T) {
		t.Parallel()

		fn := NewIntegral("")
		state := transitions(t, fn, []any{int32(0), int32(1)}, []any{int64(1), 3.0}, []any{types.Null, int32(100)}, []any{2.0, int32(5)})
		assert.Equal(t, 6.0, final(t, fn, state))

		fn = NewIntegral("")
		assert.Equal(t, 0.0, final(t, fn, transitions(t, fn, []any{int32(0), int32(1)})))

		fn = NewDerivative("")
		assert.Equal(t, types.Null, final(t, fn, transitions(t, fn, []any{int32(0), int32(1)})))

		fn = NewDerivative("")
		state = transitions(t, fn, []any{decimal("0"), decimal("1")}, []any{int32(4), int32(3)})
		assertDecimal(t, "0.5", final(t, fn, state))
	})

	t.Run("Errors", func(t *testing.T) {
		t.Parallel()

		for name, tc := range map[string]struct {
			fn       Func
			args     []any
			expected commonerrors.ErrorCode
		}{
			"IntegralNumericWithUnit": {
				fn:       NewIntegral(UnitSecond),
				args:     []any{int32(1), int32(1)},
				expected: commonerrors.ErrIntegralNumericUnit,
			},
			"IntegralDateWithoutUnit": {
				fn:       NewIntegral(""),
				args:     []any{time.UnixMilli(0), int32(1)},
				expected: commonerrors.ErrIntegralDateNoUnit,
			},
			"IntegralNonNumeric": {
				fn:       NewIntegral(""),
				args:     []any{int32(1), "x"},
				expected: commonerrors.ErrIntegralNonNumericInput,
			},
			"DerivativeNumericWithUnit": {
				fn:       NewDerivative(UnitHour),
				args:     []any{int32(1), int32(1)},
				expected: commonerrors.ErrDerivativeNumericUnit,
			},
			"DerivativeDateWithoutUnit": {
				fn:       NewDerivative(""),
				args:     []any{time.UnixMilli(0), int32(1)},
				expected: commonerrors.ErrDerivativeDateNoUnit,
			},
			"DerivativeMissing": {
				fn:       NewDerivative(""),
				args:     []any{int32(1), nil},
				expected: commonerrors.ErrDerivativeNonNumericInput,
			},
		} {
			t.Run(name, func(t *testing.T) {
				t.Parallel()

				_, err := tc.fn.Transition(tc.fn.Init(), tc.args...)
				assert.Equal(t, tc.expected, commonerrors.CodeOf(err))
			})
		}
	})

	t.Run("SameX", func(t *testing.T) {
		t.Parallel()

		fn := NewDerivative("")
		state := transitions(t, fn, []any{int32(1), int32(1)})

		_, err := fn.Transition(state, int32(1), int32(2))
		assert.Equal(t, commonerrors.ErrInternalError, commonerrors.CodeOf(err))
	})

	t.Run("Units", func(t *testing.T) {
		t.Parallel()

		u, err := ParseUnit("week")
		require.NoError(t, err)
		assert.Equal(t, UnitWeek, u)

		_, err = ParseUnit("fortnight")
		assert.Equal(t, commonerrors.ErrBadValue, commonerrors.CodeOf(err))
	})
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	docs := append(
		series("a", []any{int32(1), int32(2), int32(3), int32(4)}, []any{int32(2), int32(4), int32(4), int32(4)}),
		series("b", []any{int32(1), int32(2), int32(3), int32(4)}, []any{int32(5), int32(5), int32(7), int32(9)})...,
	)

	stdDevPop := must.NotFail(types.NewDocument("$stdDevPop", "$v"))

	t.Run("Partitions", func(t *testing.T) {
		t.Parallel()

		res, err := Evaluate(ctx, l, newWindow(t, stdDevPop, Frame{}), docs)
		require.NoError(t, err)
		require.Len(t, res, 8)

		out := outputs(t, res, "out")
		assert.InDelta(t, math.Sqrt(0.75), out[0], 1e-15)
		assert.InDelta(t, math.Sqrt(2.75), out[7], 1e-15)

		p := outputs(t, res, "p")
		assert.Equal(t, []any{"a", "a", "a", "a", "b", "b", "b", "b"}, p)

		_, err = docs[0].Get("out")
		assert.Error(t, err, "input documents are not modified")
	})

	t.Run("Sliding", func(t *testing.T) {
		t.Parallel()

		w := newWindow(t, stdDevPop, Frame{Lower: pointer.ToInt(-1), Upper: pointer.ToInt(1)})
		w.PartitionBy = nil
		w.SortBy = nil

		res, err := Evaluate(ctx, l, w, docs)
		require.NoError(t, err)

		values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

		for i, v := range outputs(t, res, "out") {
			fn := NewStdDevPop()

			var rows [][]any
			for j := max(i-1, 0); j <= min(i+1, len(values)-1); j++ {
				rows = append(rows, []any{values[j]})
			}

			assert.InDelta(t, final(t, fn, transitions(t, fn, rows...)), v, 1e-15, "row %d", i)
		}
	})

	t.Run("SlidingMixed", func(t *testing.T) {
		t.Parallel()

		values := []any{int32(986854), 195142.0, 53.20504827811783, int32(6), 3.0, int32(3), 0.1, 0.1}

		vdocs := make([]*types.Document, len(values))
		for i, v := range values {
			vdocs[i] = must.NotFail(types.NewDocument("_id", int32(i), "v", v))
		}

		w := newWindow(t, stdDevPop, Frame{Lower: pointer.ToInt(0), Upper: pointer.ToInt(1)})
		w.PartitionBy = nil
		w.SortBy = nil

		res, err := Evaluate(ctx, l, w, vdocs)
		require.NoError(t, err)

		out := outputs(t, res, "out")

		for i, v := range out {
			fn := NewStdDevPop()
			expected := final(t, fn, transitions(t, fn, single(values[i:min(i+2, len(values))]...)...))
			assert.InDelta(t, expected, v, 1e-6, "row %d", i)
		}

		assert.Equal(t, 0.0, out[len(out)-1])
	})

	t.Run("Empty", func(t *testing.T) {
		t.Parallel()

		w := newWindow(t, stdDevPop, Frame{Lower: pointer.ToInt(-3), Upper: pointer.ToInt(-2)})

		res, err := Evaluate(ctx, l, w, docs[:4])
		require.NoError(t, err)
		assert.Equal(t, []any{types.Null, types.Null, 0.0, 1.0}, outputs(t, res, "out"))
	})

	t.Run("Parallel", func(t *testing.T) {
		t.Parallel()

		w := newWindow(t, must.NotFail(types.NewDocument("$covarianceSamp", must.NotFail(types.NewArray("$t", "$v")))), Frame{})
		w.PartitionBy = nil

		sequential, err := Evaluate(ctx, l, w, docs)
		require.NoError(t, err)

		w.Parallelism = 3

		parallel, err := Evaluate(ctx, l, w, docs)
		require.NoError(t, err)

		expected := outputs(t, sequential, "out")
		for i, v := range outputs(t, parallel, "out") {
			assert.InDelta(t, expected[i], v, 1e-12)
		}
	})

	t.Run("NoRows", func(t *testing.T) {
		t.Parallel()

		res, err := Evaluate(ctx, l, newWindow(t, stdDevPop, Frame{}), nil)
		require.NoError(t, err)
		assert.Empty(t, res)
	})

	t.Run("Canceled", func(t *testing.T) {
		t.Parallel()

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := Evaluate(canceled, l, newWindow(t, stdDevPop, Frame{}), docs)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("InvalidFrame", func(t *testing.T) {
		t.Parallel()

		w := newWindow(t, stdDevPop, Frame{Lower: pointer.ToInt(1), Upper: pointer.ToInt(0)})
		_, err := Evaluate(ctx, l, w, docs)
		assert.Equal(t, commonerrors.ErrFailedToParse, commonerrors.CodeOf(err))

		ema := must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument("input", "$v", "N", int32(2)))))
		w = newWindow(t, ema, Frame{Lower: pointer.ToInt(-1)})
		_, err = Evaluate(ctx, l, w, docs)
		assert.Equal(t, commonerrors.ErrFailedToParse, commonerrors.CodeOf(err))
	})

	t.Run("Counter", func(t *testing.T) {
		t.Parallel()

		fc := aggregations.NewFeatureCounters()

		w := newWindow(t, stdDevPop, Frame{})
		w.Counter = fc

		_, err := Evaluate(ctx, l, w, docs)
		require.NoError(t, err)

		assert.Equal(t, float64(1), promtestutil.ToFloat64(fc))
	})
}

func TestNewOperator(t *testing.T) {
	t.Parallel()

	sortBy := must.NotFail(aggregations.NewExpression("$t"))

	for name, tc := range map[string]struct {
		op       *types.Document
		sortBy   *aggregations.Expression
		expected commonerrors.ErrorCode
	}{
		"Unknown": {
			op:       must.NotFail(types.NewDocument("$median", "$v")),
			sortBy:   sortBy,
			expected: commonerrors.ErrFailedToParse,
		},
		"TwoOperators": {
			op:       must.NotFail(types.NewDocument("$stdDevPop", "$v", "$stdDevSamp", "$v")),
			expected: commonerrors.ErrFailedToParse,
		},
		"CovarianceOneArg": {
			op:       must.NotFail(types.NewDocument("$covariancePop", must.NotFail(types.NewArray("$v")))),
			expected: commonerrors.ErrFailedToParse,
		},
		"StdDevArray": {
			op:       must.NotFail(types.NewDocument("$stdDevSamp", must.NotFail(types.NewArray("$v")))),
			expected: commonerrors.ErrFailedToParse,
		},
		"ExpMovingAvgNoSortBy": {
			op:       must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument("input", "$v", "N", int32(2))))),
			expected: commonerrors.ErrFailedToParse,
		},
		"ExpMovingAvgBoth": {
			op: must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument(
				"input", "$v", "N", int32(2), "alpha", 0.5,
			)))),
			sortBy:   sortBy,
			expected: commonerrors.ErrFailedToParse,
		},
		"ExpMovingAvgNoInput": {
			op:       must.NotFail(types.NewDocument("$expMovingAvg", must.NotFail(types.NewDocument("N", int32(2))))),
			sortBy:   sortBy,
			expected: commonerrors.ErrFailedToParse,
		},
		"IntegralUnknownField": {
			op:       must.NotFail(types.NewDocument("$integral", must.NotFail(types.NewDocument("input", "$v", "foo", int32(1))))),
			sortBy:   sortBy,
			expected: commonerrors.ErrFailedToParse,
		},
		"IntegralUnitType": {
			op:       must.NotFail(types.NewDocument("$integral", must.NotFail(types.NewDocument("input", "$v", "unit", int32(1))))),
			sortBy:   sortBy,
			expected: commonerrors.ErrTypeMismatch,
		},
		"DerivativeBadUnit": {
			op:       must.NotFail(types.NewDocument("$derivative", must.NotFail(types.NewDocument("input", "$v", "unit", "year")))),
			sortBy:   sortBy,
			expected: commonerrors.ErrBadValue,
		},
		"BadExpression": {
			op:       must.NotFail(types.NewDocument("$stdDevPop", "$")),
			expected: commonerrors.ErrFailedToParse,
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := NewOperator(tc.op, tc.sortBy)
			assert.Equal(t, tc.expected, commonerrors.CodeOf(err))
		})
	}

	op, err := NewOperator(must.NotFail(types.NewDocument("$integral", must.NotFail(types.NewDocument("input", "$v")))), sortBy)
	require.NoError(t, err)
	assert.Equal(t, "$integral", op.Name())

	doc := must.NotFail(types.NewDocument("t", int32(1)))
	assert.Equal(t, []any{int32(1), nil}, op.Args(doc))
}
