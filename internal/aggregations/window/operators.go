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

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/aggregations/numeric"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
)

// Operator is a parsed window operator expression like `{$covariancePop: ["$x", "$y"]}`.
type Operator struct {
	fn   Func
	name string
	args []*aggregations.Operand

	// sortBy is passed as the first argument to integral and derivative.
	sortBy *aggregations.Expression

	// cumulative operators are evaluated over rows from the partition start to the current one.
	cumulative bool
	combinable bool
}

// NewOperator parses a window operator expression.
//
// sortBy is the window's single sort field; it is required by $expMovingAvg, $integral and $derivative.
func NewOperator(expr *types.Document, sortBy *aggregations.Expression) (*Operator, error) {
	if expr.Len() != 1 {
		return nil, commonerrors.NewCommandErrorMsg(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("Expected exactly one window function, got %d fields", expr.Len()),
		)
	}

	name := expr.Command()
	v := must.NotFail(expr.Get(name))

	op := &Operator{name: name}

	var err error

	switch name {
	case "$covariancePop", "$covarianceSamp":
		arr, ok := v.(*types.Array)
		if !ok || arr.Len() != 2 {
			return nil, commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrFailedToParse,
				fmt.Sprintf("%s requires an array of two arguments", name),
				name,
			)
		}

		for _, arg := range arr.Values() {
			if err = op.addArg(arg); err != nil {
				return nil, err
			}
		}

		op.fn = NewCovariancePop()
		if name == "$covarianceSamp" {
			op.fn = NewCovarianceSamp()
		}

		op.combinable = true

	case "$stdDevPop", "$stdDevSamp":
		if _, ok := v.(*types.Array); ok {
			return nil, commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrFailedToParse,
				fmt.Sprintf("%s requires a single argument", name),
				name,
			)
		}

		if err = op.addArg(v); err != nil {
			return nil, err
		}

		op.fn = NewStdDevPop()
		if name == "$stdDevSamp" {
			op.fn = NewStdDevSamp()
		}

		op.combinable = true

	case "$expMovingAvg":
		if err = op.parseExpMovingAvg(v, sortBy); err != nil {
			return nil, err
		}

	case "$integral", "$derivative":
		if err = op.parseIntegralDerivative(v, sortBy); err != nil {
			return nil, err
		}

	default:
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("Unrecognized window function, %s", name),
			name,
		)
	}

	return op, nil
}

// addArg adds an operand argument.
func (op *Operator) addArg(v any) error {
	o, err := aggregations.NewOperand(v)
	if err != nil {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("%s: invalid argument %s: %s", op.name, types.FormatAnyValue(v), err),
			op.name,
		)
	}

	op.args = append(op.args, o)

	return nil
}

// requireSortBy returns an error if sortBy is not set.
func (op *Operator) requireSortBy(sortBy *aggregations.Expression) error {
	if sortBy != nil {
		return nil
	}

	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrFailedToParse,
		fmt.Sprintf("%s requires an explicit 'sortBy'", op.name),
		op.name,
	)
}

// operatorDocument returns the operator's argument as a document with only allowed fields.
func (op *Operator) operatorDocument(v any, allowed ...string) (*types.Document, error) {
	doc, ok := v.(*types.Document)
	if !ok {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("%s must have exactly one argument that is an object", op.name),
			op.name,
		)
	}

	for _, k := range doc.Keys() {
		var found bool

		for _, a := range allowed {
			if k == a {
				found = true
				break
			}
		}

		if !found {
			return nil, commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrFailedToParse,
				fmt.Sprintf("%s got unexpected argument: %s", op.name, k),
				op.name,
			)
		}
	}

	if !doc.Has("input") {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("%s requires an 'input' expression", op.name),
			op.name,
		)
	}

	return doc, nil
}

// parseExpMovingAvg parses `{input: <expr>, alpha: <number>}` or `{input: <expr>, N: <number>}`.
func (op *Operator) parseExpMovingAvg(v any, sortBy *aggregations.Expression) error {
	doc, err := op.operatorDocument(v, "input", "alpha", "N")
	if err != nil {
		return err
	}

	if doc.Has("alpha") == doc.Has("N") {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			"$expMovingAvg sub object must have exactly two fields: An 'input' field, and either an 'N' field or an 'alpha' field",
			op.name,
		)
	}

	if err = op.requireSortBy(sortBy); err != nil {
		return err
	}

	if err = op.addArg(must.NotFail(doc.Get("input"))); err != nil {
		return err
	}

	if doc.Has("alpha") {
		op.fn, err = NewExpMovingAvgAlpha(must.NotFail(doc.Get("alpha")))
	} else {
		op.fn, err = NewExpMovingAvgN(must.NotFail(doc.Get("N")))
	}

	if err != nil {
		return err
	}

	op.cumulative = true

	return nil
}

// parseIntegralDerivative parses `{input: <expr>, unit: <string>}`.
func (op *Operator) parseIntegralDerivative(v any, sortBy *aggregations.Expression) error {
	doc, err := op.operatorDocument(v, "input", "unit")
	if err != nil {
		return err
	}

	if err = op.requireSortBy(sortBy); err != nil {
		return err
	}

	var unit Unit

	if doc.Has("unit") {
		u, ok := must.NotFail(doc.Get("unit")).(string)
		if !ok {
			return commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrTypeMismatch,
				fmt.Sprintf("%s 'unit' must be a string", op.name),
				op.name,
			)
		}

		if unit, err = ParseUnit(u); err != nil {
			return err
		}
	}

	if err = op.addArg(must.NotFail(doc.Get("input"))); err != nil {
		return err
	}

	op.sortBy = sortBy

	op.fn = NewIntegral(unit)
	if op.name == "$derivative" {
		op.fn = NewDerivative(unit)
	}

	return nil
}

// validateAlpha checks that alpha is a number in the (0, 1) range.
func validateAlpha(alpha any) error {
	d, ok := numeric.ToDecimal(alpha)
	if !ok || !numeric.IsFinite(d) || d.Sign() <= 0 || d.Cmp(decimalOne) >= 0 {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("'alpha' must be between 0 and 1 (exclusive), found alpha: %s", types.FormatAnyValue(alpha)),
			"$expMovingAvg",
		)
	}

	return nil
}

// validateN checks that N is a positive whole number that fits into int64.
func validateN(n any) error {
	if d, ok := numeric.ToDecimal(n); ok {
		// Int64 fails for non-finite values, fractions, and values out of int64 range
		if i, err := d.Int64(); err == nil && i > 0 {
			return nil
		}
	}

	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrFailedToParse,
		fmt.Sprintf("'N' field must be an integer, but found N: %s", types.FormatAnyValue(n)),
		"$expMovingAvg",
	)
}

// Name returns the operator name like "$integral".
func (op *Operator) Name() string {
	return op.name
}

// Func returns the operator's aggregate.
func (op *Operator) Func() Func {
	return op.fn
}

// Args evaluates the operator's arguments for the given row.
//
// Missing fields are returned as nil.
func (op *Operator) Args(doc *types.Document) []any {
	res := make([]any, 0, len(op.args)+1)

	if op.sortBy != nil {
		v, _ := op.sortBy.Evaluate(doc)
		res = append(res, v)
	}

	for _, a := range op.args {
		v, _ := a.Evaluate(doc)
		res = append(res, v)
	}

	return res
}
