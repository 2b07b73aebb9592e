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

// Package window implements streaming window aggregates: covariance, standard deviation,
// exponential moving average, integral, and derivative.
//
// Each aggregate is a [Func] with forward and inverse transitions, so the frame evaluator can
// slide a window over a sorted partition without recomputing it from scratch.
// An inverse transition may return a nil state; in that case the evaluator restarts
// the frame from its first row.
package window

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"

	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
)

// State is an opaque per-partition aggregate state.
type State any

// Func is a streaming window aggregate.
//
// Transition and InverseTransition may modify and return the given state.
// Combine always returns a new state and never modifies or aliases its arguments.
type Func interface {
	// Init returns a new empty state.
	Init() State

	// Transition adds a row to the state.
	Transition(state State, args ...any) (State, error)

	// InverseTransition removes a row that was previously added.
	// It returns nil state if the state can't be updated and should be recomputed.
	InverseTransition(state State, args ...any) (State, error)

	// Combine merges two partial states.
	Combine(left, right State) (State, error)

	// Final returns the aggregate value for the state.
	Final(state State) (any, error)
}

var (
	decimalOne = apd.New(1, 0)
	decimalTwo = apd.New(2, 0)

	// roundingTolerance is a hundred decimal128 ulps, relative to the state's scale.
	roundingTolerance = apd.New(1, -32)
)

// checkArgs returns an internal error if the number of arguments is not n.
func checkArgs(name string, args []any, n int) error {
	if len(args) == n {
		return nil
	}

	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrInternalError,
		fmt.Sprintf("%s expects %d arguments, got %d", name, n, len(args)),
		name,
	)
}

// errCombineNotSupported returns an internal error for aggregates that can't be combined.
func errCombineNotSupported(name string) error {
	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrInternalError,
		fmt.Sprintf("%s does not support combining partial states", name),
		name,
	)
}

// errInvalidState returns an internal error for unexpected state types.
func errInvalidState(name string, state State) error {
	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrInternalError,
		fmt.Sprintf("%s got unexpected state %T", name, state),
		name,
	)
}
