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
	"github.com/cockroachdb/apd/v3"

	"github.com/FerretDB/docagg/internal/aggregations/numeric"
	"github.com/FerretDB/docagg/internal/types"
)

// ExpMovingAvgState is the state of $expMovingAvg.
type ExpMovingAvgState struct {
	initialized bool
	isAlpha     bool
	isDecimal   bool

	// weight is alpha or N depending on isAlpha.
	weight apd.Decimal

	// previous is the last computed average.
	previous apd.Decimal

	// value is the value emitted for the last row.
	value any
}

// expMovingAvg implements $expMovingAvg.
type expMovingAvg struct {
	isAlpha   bool
	isDecimal bool
	weight    apd.Decimal
}

// newExpMovingAvg returns exponential moving average aggregate with the given alpha or N.
//
// The caller validates the weight.
func newExpMovingAvg(isAlpha bool, weight any) (Func, error) {
	w, ok := numeric.ToDecimal(weight)
	if !ok {
		return nil, errInvalidState("$expMovingAvg", weight)
	}

	res := &expMovingAvg{
		isAlpha:   isAlpha,
		isDecimal: numeric.IsDecimal(weight),
	}
	res.weight.Set(w)

	return res, nil
}

// NewExpMovingAvgAlpha returns exponential moving average aggregate with the given alpha in (0, 1).
func NewExpMovingAvgAlpha(alpha any) (Func, error) {
	if err := validateAlpha(alpha); err != nil {
		return nil, err
	}

	return newExpMovingAvg(true, alpha)
}

// NewExpMovingAvgN returns exponential moving average aggregate with the given positive whole N.
func NewExpMovingAvgN(n any) (Func, error) {
	if err := validateN(n); err != nil {
		return nil, err
	}

	return newExpMovingAvg(false, n)
}

// Init implements [Func].
func (e *expMovingAvg) Init() State {
	s := &ExpMovingAvgState{
		isAlpha:   e.isAlpha,
		isDecimal: e.isDecimal,
		value:     types.Null,
	}
	s.weight.Set(&e.weight)

	return s
}

// Transition implements [Func].
func (e *expMovingAvg) Transition(state State, args ...any) (State, error) {
	s, ok := state.(*ExpMovingAvgState)
	if !ok {
		return nil, errInvalidState("$expMovingAvg", state)
	}

	if err := checkArgs("$expMovingAvg", args, 1); err != nil {
		return nil, err
	}

	v := args[0]

	x, ok := numeric.ToDecimal(v)
	if !ok {
		s.value = types.Null
		return s, nil
	}

	if numeric.IsDecimal(v) {
		s.isDecimal = true
	}

	if !s.initialized {
		s.initialized = true
		s.previous.Set(x)
		s.value = v

		return s, nil
	}

	var r apd.Decimal
	if err := s.next(&r, x); err != nil {
		return nil, err
	}

	if s.isDecimal {
		d, err := numeric.ToDecimal128(&r)
		if err != nil {
			return nil, err
		}

		s.previous.Set(&r)
		s.value = d

		return s, nil
	}

	// keep the state exactly as the emitted double
	f, _ := numeric.ToFloat64(&r)
	s.previous.Set(numeric.FromFloat64(f))
	s.value = numeric.Downcast(f)

	return s, nil
}

// next computes the next average for x.
func (s *ExpMovingAvgState) next(res, x *apd.Decimal) error {
	var a, b, c apd.Decimal

	if s.isAlpha {
		// r = x·α + prev·(1 − α)
		if err := numeric.Mul(&a, x, &s.weight); err != nil {
			return err
		}

		if err := numeric.Sub(&b, decimalOne, &s.weight); err != nil {
			return err
		}

		if err := numeric.Mul(&c, &s.previous, &b); err != nil {
			return err
		}

		return numeric.Add(res, &a, &c)
	}

	// r = (x·2 + prev·(N − 1)) / (N + 1)
	if err := numeric.Mul(&a, x, decimalTwo); err != nil {
		return err
	}

	if err := numeric.Sub(&b, &s.weight, decimalOne); err != nil {
		return err
	}

	if err := numeric.Mul(&c, &s.previous, &b); err != nil {
		return err
	}

	var num, den apd.Decimal

	if err := numeric.Add(&num, &a, &c); err != nil {
		return err
	}

	if err := numeric.Add(&den, &s.weight, decimalOne); err != nil {
		return err
	}

	return numeric.Quo(res, &num, &den)
}

// InverseTransition implements [Func].
//
// The average depends on all previous rows, so it always requests a restart.
func (e *expMovingAvg) InverseTransition(State, ...any) (State, error) {
	return nil, nil
}

// Combine implements [Func].
func (e *expMovingAvg) Combine(State, State) (State, error) {
	return nil, errCombineNotSupported("$expMovingAvg")
}

// Final implements [Func].
func (e *expMovingAvg) Final(state State) (any, error) {
	s, ok := state.(*ExpMovingAvgState)
	if !ok {
		return nil, errInvalidState("$expMovingAvg", state)
	}

	return s.value, nil
}

// check interfaces
var (
	_ Func = (*expMovingAvg)(nil)
)
