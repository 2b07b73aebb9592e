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
	"math"

	"github.com/cockroachdb/apd/v3"

	"github.com/FerretDB/docagg/internal/aggregations/numeric"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
)

// CovarianceState is the Youngs-Cramer state shared by covariance, variance, and standard deviation.
//
// For variance, y is the same as x.
type CovarianceState struct {
	sx    apd.Decimal
	sy    apd.Decimal
	sxy   apd.Decimal
	count apd.Decimal

	// scale is the largest |Sxy| seen since the state was empty.
	// Inverse transitions may leave rounding residue of that magnitude.
	scale apd.Decimal

	// decimalCount is the number of inputs where x or y was decimal128; it determines the output type.
	decimalCount int64
}

// newCovarianceState returns a new empty state.
func newCovarianceState() *CovarianceState {
	return new(CovarianceState)
}

// clone returns a deep copy of the state.
func (s *CovarianceState) clone() *CovarianceState {
	res := &CovarianceState{decimalCount: s.decimalCount}
	res.sx.Set(&s.sx)
	res.sy.Set(&s.sy)
	res.sxy.Set(&s.sxy)
	res.count.Set(&s.count)
	res.scale.Set(&s.scale)

	return res
}

// trackScale updates scale with the current |Sxy|.
func (s *CovarianceState) trackScale() {
	if !numeric.IsFinite(&s.sxy) {
		return
	}

	var abs apd.Decimal
	abs.Abs(&s.sxy)

	if abs.Cmp(&s.scale) > 0 {
		s.scale.Set(&abs)
	}
}

// isRoundingResidue returns true if Sxy is within rounding distance of zero
// relative to the values that passed through the state.
func (s *CovarianceState) isRoundingResidue() bool {
	if !numeric.IsFinite(&s.sxy) {
		return false
	}

	var abs, limit apd.Decimal
	abs.Abs(&s.sxy)

	if err := numeric.Mul(&limit, &s.scale, roundingTolerance); err != nil {
		return false
	}

	return abs.Cmp(&limit) <= 0
}

// Count returns the number of contributing rows.
func (s *CovarianceState) Count() int64 {
	n, _ := s.count.Int64()
	return n
}

// combineInfinities applies IEEE rules to values where at least one is not finite:
// any NaN yields NaN, same-sign infinities yield that infinity, opposite signs yield NaN.
// Finite values do not affect the result.
func combineInfinities(values ...*apd.Decimal) *apd.Decimal {
	var pos, neg bool

	for _, v := range values {
		switch v.Form {
		case apd.NaN, apd.NaNSignaling:
			return numeric.NaN()
		case apd.Infinite:
			if v.Negative {
				neg = true
			} else {
				pos = true
			}
		}
	}

	switch {
	case pos && neg:
		return numeric.NaN()
	case neg:
		return numeric.Inf(true)
	case pos:
		return numeric.Inf(false)
	default:
		// should not be reached
		return numeric.NaN()
	}
}

// addSafe sets res to x + y; non-finite operands are combined with IEEE rules instead.
func addSafe(res, x, y *apd.Decimal) error {
	if !numeric.IsFinite(x) || !numeric.IsFinite(y) {
		res.Set(combineInfinities(x, y))
		return nil
	}

	return numeric.Add(res, x, y)
}

// add is the forward transition. Non-numeric inputs are ignored.
func (s *CovarianceState) add(xv, yv any) error {
	x, ok := numeric.ToDecimal(xv)
	if !ok {
		return nil
	}

	y, ok := numeric.ToDecimal(yv)
	if !ok {
		return nil
	}

	if numeric.IsDecimal(xv) || numeric.IsDecimal(yv) {
		s.decimalCount++
	}

	var n, n1 apd.Decimal
	n.Set(&s.count)

	if err := numeric.Add(&n1, &n, decimalOne); err != nil {
		return err
	}

	var sx1, sy1 apd.Decimal
	if err := addSafe(&sx1, &s.sx, x); err != nil {
		return err
	}

	if err := addSafe(&sy1, &s.sy, y); err != nil {
		return err
	}

	switch {
	case !numeric.IsFinite(x) || !numeric.IsFinite(y) || !numeric.IsFinite(&s.sxy):
		s.sxy.Set(combineInfinities(x, y, &s.sxy))

	case n.IsZero():
		s.sxy.SetInt64(0)

	default:
		// Sxy' = Sxy + (x·N' − Sx')·(y·N' − Sy') / (N'·N)
		var tx, ty, num, den, q apd.Decimal

		if err := numeric.Mul(&tx, x, &n1); err != nil {
			return err
		}

		if err := numeric.Sub(&tx, &tx, &sx1); err != nil {
			return err
		}

		if err := numeric.Mul(&ty, y, &n1); err != nil {
			return err
		}

		if err := numeric.Sub(&ty, &ty, &sy1); err != nil {
			return err
		}

		if err := numeric.Mul(&num, &tx, &ty); err != nil {
			return err
		}

		if err := numeric.Mul(&den, &n1, &n); err != nil {
			return err
		}

		if err := numeric.Quo(&q, &num, &den); err != nil {
			return err
		}

		if err := numeric.Add(&s.sxy, &s.sxy, &q); err != nil {
			return err
		}
	}

	s.sx.Set(&sx1)
	s.sy.Set(&sy1)
	s.count.Set(&n1)
	s.trackScale()

	return nil
}

// remove is the inverse transition. Non-numeric inputs are ignored.
//
// It returns true if the state can't be updated and must be recomputed.
func (s *CovarianceState) remove(xv, yv any) (bool, error) {
	x, ok := numeric.ToDecimal(xv)
	if !ok {
		return false, nil
	}

	y, ok := numeric.ToDecimal(yv)
	if !ok {
		return false, nil
	}

	if !numeric.IsFinite(&s.sxy) || !numeric.IsFinite(x) || !numeric.IsFinite(y) || s.count.IsZero() {
		return true, nil
	}

	if numeric.IsDecimal(xv) || numeric.IsDecimal(yv) {
		s.decimalCount--
	}

	var n, n1 apd.Decimal
	n.Set(&s.count)

	if err := numeric.Sub(&n1, &n, decimalOne); err != nil {
		return false, err
	}

	if n1.IsZero() {
		*s = CovarianceState{}
		return false, nil
	}

	var sx1, sy1 apd.Decimal
	if err := numeric.Sub(&sx1, &s.sx, x); err != nil {
		return false, err
	}

	if err := numeric.Sub(&sy1, &s.sy, y); err != nil {
		return false, err
	}

	// a single row has no co-moment
	if n1.Cmp(decimalOne) == 0 {
		s.sx.Set(&sx1)
		s.sy.Set(&sy1)
		s.sxy.SetInt64(0)
		s.count.Set(&n1)

		return false, nil
	}

	// Sxy' = Sxy − (Sx' − x·N')·(Sy' − y·N') / (N·N')
	var tx, ty, num, den, q apd.Decimal

	if err := numeric.Mul(&tx, x, &n1); err != nil {
		return false, err
	}

	if err := numeric.Sub(&tx, &sx1, &tx); err != nil {
		return false, err
	}

	if err := numeric.Mul(&ty, y, &n1); err != nil {
		return false, err
	}

	if err := numeric.Sub(&ty, &sy1, &ty); err != nil {
		return false, err
	}

	if err := numeric.Mul(&num, &tx, &ty); err != nil {
		return false, err
	}

	if err := numeric.Mul(&den, &n, &n1); err != nil {
		return false, err
	}

	if err := numeric.Quo(&q, &num, &den); err != nil {
		return false, err
	}

	if err := numeric.Sub(&s.sxy, &s.sxy, &q); err != nil {
		return false, err
	}

	s.sx.Set(&sx1)
	s.sy.Set(&sy1)
	s.count.Set(&n1)

	return false, nil
}

// combineCovarianceStates merges two states into a new one.
func combineCovarianceStates(l, r *CovarianceState) (*CovarianceState, error) {
	if l.count.IsZero() {
		return r.clone(), nil
	}

	if r.count.IsZero() {
		return l.clone(), nil
	}

	res := &CovarianceState{decimalCount: l.decimalCount + r.decimalCount}

	if err := numeric.Add(&res.count, &l.count, &r.count); err != nil {
		return nil, err
	}

	if err := addSafe(&res.sx, &l.sx, &r.sx); err != nil {
		return nil, err
	}

	if err := addSafe(&res.sy, &l.sy, &r.sy); err != nil {
		return nil, err
	}

	if !numeric.IsFinite(&l.sxy) || !numeric.IsFinite(&r.sxy) ||
		!numeric.IsFinite(&res.sx) || !numeric.IsFinite(&res.sy) {
		res.sxy.Set(combineInfinities(&l.sxy, &r.sxy, &res.sx, &res.sy))
		return res, nil
	}

	// Sxy = SxyL + SxyR + NL·NR·(SxL/NL − SxR/NR)·(SyL/NL − SyR/NR) / N
	var mxl, mxr, myl, myr, dx, dy, nn, t apd.Decimal

	for _, op := range []struct {
		f    func(res, x, y *apd.Decimal) error
		res  *apd.Decimal
		x, y *apd.Decimal
	}{
		{numeric.Quo, &mxl, &l.sx, &l.count},
		{numeric.Quo, &mxr, &r.sx, &r.count},
		{numeric.Quo, &myl, &l.sy, &l.count},
		{numeric.Quo, &myr, &r.sy, &r.count},
		{numeric.Sub, &dx, &mxl, &mxr},
		{numeric.Sub, &dy, &myl, &myr},
		{numeric.Mul, &nn, &l.count, &r.count},
		{numeric.Mul, &t, &nn, &dx},
		{numeric.Mul, &t, &t, &dy},
		{numeric.Quo, &t, &t, &res.count},
		{numeric.Add, &res.sxy, &l.sxy, &r.sxy},
		{numeric.Add, &res.sxy, &res.sxy, &t},
	} {
		if err := op.f(op.res, op.x, op.y); err != nil {
			return nil, err
		}
	}

	res.scale.Set(&l.scale)
	if r.scale.Cmp(&res.scale) > 0 {
		res.scale.Set(&r.scale)
	}

	res.trackScale()

	return res, nil
}

// output converts a decimal result to the output type: decimal128 if any input was decimal, double otherwise.
func (s *CovarianceState) output(d *apd.Decimal) (any, error) {
	if s.decimalCount > 0 {
		return numeric.ToDecimal128(d)
	}

	f, _ := numeric.ToFloat64(d)

	return f, nil
}

// ratio returns Sxy divided by count (population) or count - 1 (sample).
//
// It returns nil if the result is null.
func (s *CovarianceState) ratio(samp bool) (*apd.Decimal, error) {
	if !numeric.IsFinite(&s.sxy) {
		return new(apd.Decimal).Set(&s.sxy), nil
	}

	divisor := new(apd.Decimal).Set(&s.count)

	if samp {
		if err := numeric.Sub(divisor, divisor, decimalOne); err != nil {
			return nil, err
		}
	}

	if divisor.Sign() <= 0 {
		return nil, nil
	}

	res := new(apd.Decimal)
	if err := numeric.Quo(res, &s.sxy, divisor); err != nil {
		return nil, err
	}

	return res, nil
}

// covariance implements $covariancePop and $covarianceSamp.
type covariance struct {
	name string
	samp bool
}

// NewCovariancePop returns population covariance aggregate.
func NewCovariancePop() Func {
	return &covariance{name: "$covariancePop"}
}

// NewCovarianceSamp returns sample covariance aggregate.
func NewCovarianceSamp() Func {
	return &covariance{name: "$covarianceSamp", samp: true}
}

// Init implements [Func].
func (c *covariance) Init() State {
	return newCovarianceState()
}

// Transition implements [Func].
func (c *covariance) Transition(state State, args ...any) (State, error) {
	s, ok := state.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(c.name, state)
	}

	if err := checkArgs(c.name, args, 2); err != nil {
		return nil, err
	}

	if err := s.add(args[0], args[1]); err != nil {
		return nil, err
	}

	return s, nil
}

// InverseTransition implements [Func].
func (c *covariance) InverseTransition(state State, args ...any) (State, error) {
	s, ok := state.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(c.name, state)
	}

	if err := checkArgs(c.name, args, 2); err != nil {
		return nil, err
	}

	restart, err := s.remove(args[0], args[1])
	if err != nil || restart {
		return nil, err
	}

	return s, nil
}

// Combine implements [Func].
func (c *covariance) Combine(left, right State) (State, error) {
	l, ok := left.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(c.name, left)
	}

	r, ok := right.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(c.name, right)
	}

	return combineCovarianceStates(l, r)
}

// Final implements [Func].
func (c *covariance) Final(state State) (any, error) {
	s, ok := state.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(c.name, state)
	}

	if numeric.IsFinite(&s.sxy) && !c.samp && s.Count() == 1 {
		return float64(0), nil
	}

	r, err := s.ratio(c.samp)
	if err != nil {
		return nil, err
	}

	if r == nil {
		return types.Null, nil
	}

	return s.output(r)
}

// stdDev implements $stdDevPop and $stdDevSamp.
type stdDev struct {
	name string
	samp bool
}

// NewStdDevPop returns population standard deviation aggregate.
func NewStdDevPop() Func {
	return &stdDev{name: "$stdDevPop"}
}

// NewStdDevSamp returns sample standard deviation aggregate.
func NewStdDevSamp() Func {
	return &stdDev{name: "$stdDevSamp", samp: true}
}

// Init implements [Func].
func (sd *stdDev) Init() State {
	return newCovarianceState()
}

// Transition implements [Func].
func (sd *stdDev) Transition(state State, args ...any) (State, error) {
	s, ok := state.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(sd.name, state)
	}

	if err := checkArgs(sd.name, args, 1); err != nil {
		return nil, err
	}

	if err := s.add(args[0], args[0]); err != nil {
		return nil, err
	}

	return s, nil
}

// InverseTransition implements [Func].
func (sd *stdDev) InverseTransition(state State, args ...any) (State, error) {
	s, ok := state.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(sd.name, state)
	}

	if err := checkArgs(sd.name, args, 1); err != nil {
		return nil, err
	}

	restart, err := s.remove(args[0], args[0])
	if err != nil || restart {
		return nil, err
	}

	return s, nil
}

// Combine implements [Func].
func (sd *stdDev) Combine(left, right State) (State, error) {
	l, ok := left.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(sd.name, left)
	}

	r, ok := right.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(sd.name, right)
	}

	return combineCovarianceStates(l, r)
}

// Final implements [Func].
func (sd *stdDev) Final(state State) (any, error) {
	s, ok := state.(*CovarianceState)
	if !ok {
		return nil, errInvalidState(sd.name, state)
	}

	r, err := s.ratio(sd.samp)
	if err != nil {
		return nil, err
	}

	if r == nil {
		return types.Null, nil
	}

	if numeric.IsFinite(r) && r.Negative && !r.IsZero() && s.isRoundingResidue() {
		r.SetInt64(0)
	}

	if numeric.IsFinite(r) && r.Negative && !r.IsZero() {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrInternalError,
			"variance is negative: "+r.String(),
			sd.name,
		)
	}

	f, ok := numeric.ToFloat64(r)
	if !ok {
		return math.NaN(), nil
	}

	res := math.Sqrt(f)

	if s.decimalCount > 0 {
		return numeric.ToDecimal128(numeric.FromFloat64(res))
	}

	return res, nil
}

// check interfaces
var (
	_ Func = (*covariance)(nil)
	_ Func = (*stdDev)(nil)
)
