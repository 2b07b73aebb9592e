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

package aggregations

import (
	"fmt"
	"strings"

	"github.com/FerretDB/docagg/internal/types"
)

// ExpressionErrorCode represents Expression error code.
type ExpressionErrorCode int

const (
	_ ExpressionErrorCode = iota

	// ErrNotExpression indicates that field is not an expression.
	ErrNotExpression

	// ErrInvalidExpression indicates that expression is invalid.
	ErrInvalidExpression

	// ErrEmptyFieldPath indicates that field path expression is empty.
	ErrEmptyFieldPath

	// ErrUndefinedVariable indicates that variable name is not defined.
	ErrUndefinedVariable

	// ErrEmptyVariable indicates that variable name is empty.
	ErrEmptyVariable
)

// String implements [fmt.Stringer].
func (c ExpressionErrorCode) String() string {
	switch c {
	case ErrNotExpression:
		return "ErrNotExpression"
	case ErrInvalidExpression:
		return "ErrInvalidExpression"
	case ErrEmptyFieldPath:
		return "ErrEmptyFieldPath"
	case ErrUndefinedVariable:
		return "ErrUndefinedVariable"
	case ErrEmptyVariable:
		return "ErrEmptyVariable"
	default:
		return fmt.Sprintf("ExpressionErrorCode(%d)", int(c))
	}
}

// ExpressionError describes an error that occurs while parsing expression.
type ExpressionError struct {
	code ExpressionErrorCode
}

// newExpressionError creates a new ExpressionError.
func newExpressionError(code ExpressionErrorCode) error {
	return &ExpressionError{code: code}
}

// Error implements the error interface.
func (e *ExpressionError) Error() string {
	return e.code.String()
}

// Code returns the ExpressionError code.
func (e *ExpressionError) Code() ExpressionErrorCode {
	return e.code
}

// Expression is a field path expression like "$a.b".
type Expression struct {
	path []string
}

// NewExpression creates a new instance by checking expression string.
func NewExpression(expression string) (*Expression, error) {
	switch {
	case strings.HasPrefix(expression, "$$"):
		// `$$` indicates field is a variable.
		v := strings.TrimPrefix(expression, "$$")
		if v == "" {
			return nil, newExpressionError(ErrEmptyVariable)
		}

		if strings.HasPrefix(v, "$") {
			return nil, newExpressionError(ErrInvalidExpression)
		}

		return nil, newExpressionError(ErrUndefinedVariable)

	case strings.HasPrefix(expression, "$"):
		// `$` indicates field is a path.
		val := strings.TrimPrefix(expression, "$")
		if val == "" {
			return nil, newExpressionError(ErrEmptyFieldPath)
		}

		path := strings.Split(val, ".")
		for _, p := range path {
			if p == "" {
				return nil, newExpressionError(ErrInvalidExpression)
			}
		}

		return &Expression{path: path}, nil

	default:
		return nil, newExpressionError(ErrNotExpression)
	}
}

// Evaluate gets the value at the path.
//
// It returns false if the path does not exist or goes through a non-document value.
func (e *Expression) Evaluate(doc *types.Document) (any, bool) {
	var v any = doc

	for _, p := range e.path {
		d, ok := v.(*types.Document)
		if !ok {
			return nil, false
		}

		var err error
		if v, err = d.Get(p); err != nil {
			return nil, false
		}
	}

	return v, true
}

// String returns the expression as it was given, with a leading dollar sign.
func (e *Expression) String() string {
	return "$" + strings.Join(e.path, ".")
}

// Operand is either a field path expression or a constant value.
type Operand struct {
	expr     *Expression
	constant any
}

// NewOperand creates an operand from the given value.
//
// Strings starting with a dollar sign are parsed as expressions; everything else is a constant.
func NewOperand(v any) (*Operand, error) {
	if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
		expr, err := NewExpression(s)
		if err != nil {
			return nil, err
		}

		return &Operand{expr: expr}, nil
	}

	return &Operand{constant: v}, nil
}

// Evaluate returns the operand value for the given document.
//
// It returns false if the operand is a path that does not exist.
func (o *Operand) Evaluate(doc *types.Document) (any, bool) {
	if o.expr != nil {
		return o.expr.Evaluate(doc)
	}

	return o.constant, true
}

// String returns the operand's representation for error messages.
func (o *Operand) String() string {
	if o.expr != nil {
		return o.expr.String()
	}

	return types.FormatAnyValue(o.constant)
}
