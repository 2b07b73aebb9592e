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

// Package numeric provides decimal128 arithmetic and numeric type coercion for aggregation operators.
//
// All arithmetic is done with [apd.Decimal] values in a context matching IEEE 754-2008 decimal128:
// 34 significant digits, exponents in [-6143, 6144], and half-even rounding.
// Inexact and rounded results are fine; any other condition (overflow, division by zero,
// invalid operation, etc.) is reported as an internal error carrying the operands.
package numeric

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
)

// Decimal128 encoding of special values.
const (
	nanHigh    = uint64(0x7c00000000000000)
	infHigh    = uint64(0x7800000000000000)
	negInfHigh = uint64(0xf800000000000000)
)

// decimalCtx is the decimal128 arithmetic context.
var decimalCtx = &apd.Context{
	Precision:   34,
	MaxExponent: 6144,
	MinExponent: -6143,
	Traps:       0,
	Rounding:    apd.RoundHalfEven,
}

// allowedConditions are conditions that do not indicate a failure.
const allowedConditions = apd.Inexact | apd.Rounded

// IsNumber returns true if v is int32, int64, float64, or types.Decimal128.
func IsNumber(v any) bool {
	switch v.(type) {
	case int32, int64, float64, types.Decimal128:
		return true
	default:
		return false
	}
}

// IsDecimal returns true if v is types.Decimal128.
func IsDecimal(v any) bool {
	_, ok := v.(types.Decimal128)
	return ok
}

// NaN returns a new NaN decimal.
func NaN() *apd.Decimal {
	return &apd.Decimal{Form: apd.NaN}
}

// Inf returns a new infinite decimal with the given sign.
func Inf(negative bool) *apd.Decimal {
	return &apd.Decimal{Form: apd.Infinite, Negative: negative}
}

// IsFinite returns true if d is neither NaN nor infinite.
func IsFinite(d *apd.Decimal) bool {
	return d.Form == apd.Finite
}

// FromFloat64 converts a double to a decimal exactly as its shortest decimal representation.
func FromFloat64(f float64) *apd.Decimal {
	switch {
	case math.IsNaN(f):
		return NaN()
	case math.IsInf(f, 0):
		return Inf(f < 0)
	}

	d, err := new(apd.Decimal).SetFloat64(f)
	if err != nil {
		// should not be reached for finite values
		return NaN()
	}

	return d
}

// FromDecimal128 converts a BSON decimal128 value to a decimal.
func FromDecimal128(v types.Decimal128) *apd.Decimal {
	d := primitive.NewDecimal128(v.H, v.L)

	if d.IsNaN() {
		return NaN()
	}

	if inf := d.IsInf(); inf != 0 {
		return Inf(inf < 0)
	}

	bi, exp, err := d.BigInt()
	if err != nil {
		return NaN()
	}

	return apd.NewWithBigInt(new(apd.BigInt).SetMathBigInt(bi), int32(exp))
}

// ToDecimal lifts a numeric BSON value to a decimal.
//
// It returns false for non-numeric values.
func ToDecimal(v any) (*apd.Decimal, bool) {
	switch v := v.(type) {
	case int32:
		return apd.New(int64(v), 0), true
	case int64:
		return apd.New(v, 0), true
	case float64:
		return FromFloat64(v), true
	case types.Decimal128:
		return FromDecimal128(v), true
	default:
		return nil, false
	}
}

// ToDecimal128 converts a decimal to BSON decimal128, rounding it to 34 digits first.
func ToDecimal128(d *apd.Decimal) (types.Decimal128, error) {
	switch d.Form {
	case apd.NaN, apd.NaNSignaling:
		return types.Decimal128{H: nanHigh}, nil

	case apd.Infinite:
		if d.Negative {
			return types.Decimal128{H: negInfHigh}, nil
		}

		return types.Decimal128{H: infHigh}, nil
	}

	var r apd.Decimal
	if err := check(decimalCtx.Round(&r, d))("round", d); err != nil {
		return types.Decimal128{}, err
	}

	bi := r.Coeff.MathBigInt()
	if r.Negative {
		bi = new(big.Int).Neg(bi)
	}

	res, ok := primitive.ParseDecimal128FromBigInt(bi, int(r.Exponent))
	if !ok {
		return types.Decimal128{}, internalError("encode", apd.Overflow, d)
	}

	h, l := res.GetBytes()

	return types.Decimal128{H: h, L: l}, nil
}

// ToFloat64 converts a decimal to a double.
//
// It returns false if d is finite but does not fit the double range.
func ToFloat64(d *apd.Decimal) (float64, bool) {
	switch d.Form {
	case apd.NaN, apd.NaNSignaling:
		return math.NaN(), true

	case apd.Infinite:
		if d.Negative {
			return math.Inf(-1), true
		}

		return math.Inf(1), true
	}

	f, err := d.Float64()
	if err != nil || math.IsInf(f, 0) {
		return math.NaN(), false
	}

	return f, true
}

// Downcast returns f as int32 if it fits with no fractional part,
// as int64 if it fits 64 bits with no fractional part, and as is otherwise.
func Downcast(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return f
	}

	if f >= math.MinInt32 && f <= math.MaxInt32 {
		return int32(f)
	}

	// float64(math.MaxInt64) is 2^63 which does not fit
	if f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f)
	}

	return f
}

// Add sets res to x + y.
func Add(res, x, y *apd.Decimal) error {
	return check(decimalCtx.Add(res, x, y))("add", x, y)
}

// Sub sets res to x - y.
func Sub(res, x, y *apd.Decimal) error {
	return check(decimalCtx.Sub(res, x, y))("subtract", x, y)
}

// Mul sets res to x * y.
func Mul(res, x, y *apd.Decimal) error {
	return check(decimalCtx.Mul(res, x, y))("multiply", x, y)
}

// Quo sets res to x / y.
func Quo(res, x, y *apd.Decimal) error {
	return check(decimalCtx.Quo(res, x, y))("divide", x, y)
}

// Sqrt sets res to the square root of x.
func Sqrt(res, x *apd.Decimal) error {
	return check(decimalCtx.Sqrt(res, x))("sqrt", x)
}

// check returns a function that converts the result of an apd operation to an error.
func check(cond apd.Condition, err error) func(op string, operands ...*apd.Decimal) error {
	return func(op string, operands ...*apd.Decimal) error {
		if err != nil {
			return commonerrors.NewCommandError(
				commonerrors.ErrInternalError,
				fmt.Errorf("decimal128 %s of %s failed: %w", op, snapshot(operands), err),
			)
		}

		if cond&^allowedConditions != 0 {
			return internalError(op, cond, operands...)
		}

		return nil
	}
}

// internalError returns an internal error for a failed operation with operands snapshot.
func internalError(op string, cond apd.Condition, operands ...*apd.Decimal) error {
	return commonerrors.NewCommandErrorMsg(
		commonerrors.ErrInternalError,
		fmt.Sprintf("decimal128 %s of %s failed: %s", op, snapshot(operands), cond),
	)
}

// snapshot formats operands for error messages.
func snapshot(operands []*apd.Decimal) string {
	parts := make([]string, len(operands))
	for i, o := range operands {
		parts[i] = o.String()
	}

	return "[" + strings.Join(parts, ", ") + "]"
}
