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
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/FerretDB/docagg/internal/aggregations/numeric"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
)

// Unit is a time unit for $integral and $derivative over dates.
type Unit string

// Supported time units.
const (
	UnitWeek        = Unit("week")
	UnitDay         = Unit("day")
	UnitHour        = Unit("hour")
	UnitMinute      = Unit("minute")
	UnitSecond      = Unit("second")
	UnitMillisecond = Unit("millisecond")
)

// unitMillis maps units to their length in milliseconds.
var unitMillis = map[Unit]int64{
	UnitWeek:        7 * 24 * int64(time.Hour/time.Millisecond),
	UnitDay:         24 * int64(time.Hour/time.Millisecond),
	UnitHour:        int64(time.Hour / time.Millisecond),
	UnitMinute:      int64(time.Minute / time.Millisecond),
	UnitSecond:      int64(time.Second / time.Millisecond),
	UnitMillisecond: 1,
}

// ParseUnit returns the unit for the given name.
func ParseUnit(name string) (Unit, error) {
	u := Unit(name)
	if _, ok := unitMillis[u]; !ok {
		return "", commonerrors.NewCommandErrorMsg(
			commonerrors.ErrBadValue,
			fmt.Sprintf("unknown time unit value: %s", name),
		)
	}

	return u, nil
}

// IntegralDerivativeState is the state of $integral and $derivative.
type IntegralDerivativeState struct {
	// result is nil until there are at least two points for derivative;
	// integral starts with zero.
	result *apd.Decimal

	hasAnchor bool
	anchorX   apd.Decimal
	anchorY   apd.Decimal

	isDecimal bool
}

// integralDerivative implements $integral and $derivative.
type integralDerivative struct {
	name       string
	derivative bool

	// unit is empty if sortBy values are numbers.
	unit Unit

	codes errorCodes
}

// errorCodes groups per-operator error codes for type checks.
type errorCodes struct {
	numericWithUnit commonerrors.ErrorCode
	dateWithoutUnit commonerrors.ErrorCode
	nonNumericInput commonerrors.ErrorCode
}

// NewIntegral returns $integral aggregate; unit should be empty for numeric sortBy values.
func NewIntegral(unit Unit) Func {
	return &integralDerivative{
		name: "$integral",
		unit: unit,
		codes: errorCodes{
			numericWithUnit: commonerrors.ErrIntegralNumericUnit,
			dateWithoutUnit: commonerrors.ErrIntegralDateNoUnit,
			nonNumericInput: commonerrors.ErrIntegralNonNumericInput,
		},
	}
}

// NewDerivative returns $derivative aggregate; unit should be empty for numeric sortBy values.
func NewDerivative(unit Unit) Func {
	return &integralDerivative{
		name:       "$derivative",
		derivative: true,
		unit:       unit,
		codes: errorCodes{
			numericWithUnit: commonerrors.ErrDerivativeNumericUnit,
			dateWithoutUnit: commonerrors.ErrDerivativeDateNoUnit,
			nonNumericInput: commonerrors.ErrDerivativeNonNumericInput,
		},
	}
}

// Init implements [Func].
func (f *integralDerivative) Init() State {
	s := new(IntegralDerivativeState)

	if !f.derivative {
		s.result = new(apd.Decimal)
	}

	return s
}

// point converts sortBy and input values to decimals, checking their types.
//
// It returns false if the row should be skipped.
func (f *integralDerivative) point(xv, yv any) (*apd.Decimal, *apd.Decimal, bool, error) {
	var x *apd.Decimal

	switch xv := xv.(type) {
	case nil, types.NullType:
		return nil, nil, false, nil

	case time.Time:
		if f.unit == "" {
			return nil, nil, false, f.error(
				f.codes.dateWithoutUnit,
				fmt.Sprintf("%s (with no 'unit') expects the sortBy field to be numeric", f.name),
			)
		}

		x = numeric.FromFloat64(float64(xv.UnixMilli()))

	default:
		d, ok := numeric.ToDecimal(xv)
		if !ok || f.unit != "" {
			if f.unit == "" {
				return nil, nil, false, f.error(
					f.codes.dateWithoutUnit,
					fmt.Sprintf("%s (with no 'unit') expects the sortBy field to be numeric", f.name),
				)
			}

			return nil, nil, false, f.error(
				f.codes.numericWithUnit,
				fmt.Sprintf("%s with 'unit' expects the sortBy field to be a Date", f.name),
			)
		}

		x = d
	}

	y, ok := numeric.ToDecimal(yv)
	if !ok {
		return nil, nil, false, f.error(
			f.codes.nonNumericInput,
			fmt.Sprintf("%s only accepts numeric inputs, got %s", f.name, formatMissing(yv)),
		)
	}

	return x, y, true, nil
}

// formatMissing formats a possibly missing (nil) value.
func formatMissing(v any) string {
	if v == nil {
		return "missing"
	}

	return types.FormatAnyValue(v)
}

// error returns a runtime error with the operator name as an argument.
func (f *integralDerivative) error(code commonerrors.ErrorCode, msg string) error {
	return commonerrors.NewCommandErrorMsgWithArgument(code, msg, f.name)
}

// unitDecimal returns the unit length in milliseconds, or 1 for numeric sortBy values.
func (f *integralDerivative) unitDecimal() *apd.Decimal {
	if f.unit == "" {
		return decimalOne
	}

	return apd.New(unitMillis[f.unit], 0)
}

// Transition implements [Func].
//
// Arguments are the sortBy value and the input value.
func (f *integralDerivative) Transition(state State, args ...any) (State, error) {
	s, ok := state.(*IntegralDerivativeState)
	if !ok {
		return nil, errInvalidState(f.name, state)
	}

	if err := checkArgs(f.name, args, 2); err != nil {
		return nil, err
	}

	x, y, ok, err := f.point(args[0], args[1])
	if err != nil || !ok {
		return s, err
	}

	if numeric.IsDecimal(args[1]) {
		s.isDecimal = true
	}

	if !s.hasAnchor {
		s.hasAnchor = true
		s.anchorX.Set(x)
		s.anchorY.Set(y)

		return s, nil
	}

	if f.derivative {
		if err = f.slope(s, x, y); err != nil {
			return nil, err
		}

		return s, nil
	}

	if err = f.area(s, x, y); err != nil {
		return nil, err
	}

	s.anchorX.Set(x)
	s.anchorY.Set(y)

	return s, nil
}

// area adds (y + y_anchor)·(x − x_anchor) / 2 / unit to the result.
func (f *integralDerivative) area(s *IntegralDerivativeState, x, y *apd.Decimal) error {
	var sumY, dx, a apd.Decimal

	if err := numeric.Add(&sumY, y, &s.anchorY); err != nil {
		return err
	}

	if err := numeric.Sub(&dx, x, &s.anchorX); err != nil {
		return err
	}

	if err := numeric.Mul(&a, &sumY, &dx); err != nil {
		return err
	}

	if err := numeric.Quo(&a, &a, decimalTwo); err != nil {
		return err
	}

	if err := numeric.Quo(&a, &a, f.unitDecimal()); err != nil {
		return err
	}

	return numeric.Add(s.result, s.result, &a)
}

// slope sets the result to (y − y_anchor) / ((x − x_anchor) / unit).
func (f *integralDerivative) slope(s *IntegralDerivativeState, x, y *apd.Decimal) error {
	var dx, dy apd.Decimal

	if err := numeric.Sub(&dx, x, &s.anchorX); err != nil {
		return err
	}

	if err := numeric.Quo(&dx, &dx, f.unitDecimal()); err != nil {
		return err
	}

	if err := numeric.Sub(&dy, y, &s.anchorY); err != nil {
		return err
	}

	res := new(apd.Decimal)
	if err := numeric.Quo(res, &dy, &dx); err != nil {
		return err
	}

	s.result = res

	return nil
}

// InverseTransition implements [Func].
//
// Anchors can't be moved back, so it always requests a restart.
func (f *integralDerivative) InverseTransition(State, ...any) (State, error) {
	return nil, nil
}

// Combine implements [Func].
func (f *integralDerivative) Combine(State, State) (State, error) {
	return nil, errCombineNotSupported(f.name)
}

// Final implements [Func].
func (f *integralDerivative) Final(state State) (any, error) {
	s, ok := state.(*IntegralDerivativeState)
	if !ok {
		return nil, errInvalidState(f.name, state)
	}

	if s.result == nil {
		return types.Null, nil
	}

	if s.isDecimal {
		return numeric.ToDecimal128(s.result)
	}

	res, _ := numeric.ToFloat64(s.result)

	return res, nil
}

// check interfaces
var (
	_ Func = (*integralDerivative)(nil)
)
