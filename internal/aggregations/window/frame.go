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
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
)

// Frame is a ROWS frame relative to the current row.
//
// Nil bound means unbounded; 0 is the current row, -1 is the previous one, and so on.
type Frame struct {
	Lower *int
	Upper *int
}

// Window describes a single window output field.
type Window struct {
	// PartitionBy is optional; nil puts all documents into a single partition.
	PartitionBy *aggregations.Expression

	// SortBy is optional for covariance and standard deviation.
	SortBy     *aggregations.Expression
	Descending bool

	Frame    Frame
	Output   string
	Operator *Operator

	// Parallelism is the number of goroutines used for combinable aggregates over unbounded frames.
	// Values less than 2 disable parallel evaluation.
	Parallelism int

	// Counter is optional.
	Counter aggregations.FeatureCounter
}

// partition is a group of documents with the same partitionBy value, in input order.
type partition struct {
	key  any
	docs []*types.Document
}

// Evaluate computes the window field for all documents.
//
// It returns copies of documents with Output field set, grouped by partitions
// (in the order of their first appearance) and sorted within each partition.
func Evaluate(ctx context.Context, l *zap.Logger, w *Window, docs []*types.Document) (res []*types.Document, err error) {
	defer observability.FuncCall(ctx)()

	ctx, span := observability.StartSpan(
		ctx, "window.Evaluate",
		attribute.String("operator", w.Operator.Name()),
		attribute.Int("docs", len(docs)),
	)
	defer func() { observability.EndSpan(span, err) }()

	frame, err := w.frame()
	if err != nil {
		return nil, err
	}

	if w.Counter != nil {
		w.Counter.Inc("$setWindowFields", w.Operator.Name())
	}

	parts := w.partitions(docs)

	l.Debug(
		"Evaluating window",
		zap.String("operator", w.Operator.Name()), zap.String("output", w.Output),
		zap.Int("docs", len(docs)), zap.Int("partitions", len(parts)),
	)

	res = make([]*types.Document, 0, len(docs))

	for _, p := range parts {
		w.sort(p.docs)

		var values []any

		if frame.Lower == nil && frame.Upper == nil && w.Operator.combinable && w.Parallelism > 1 {
			values, err = w.evaluateParallel(ctx, p.docs)
		} else {
			values, err = w.evaluateSliding(ctx, frame, p.docs)
		}

		if err != nil {
			return nil, err
		}

		for i, doc := range p.docs {
			out := doc.DeepCopy()
			if err = out.Set(w.Output, values[i]); err != nil {
				return nil, lazyerrors.Error(err)
			}

			res = append(res, out)
		}
	}

	return res, nil
}

// frame validates the frame and returns the effective one.
func (w *Window) frame() (Frame, error) {
	f := w.Frame

	if w.Operator.cumulative {
		if f.Lower != nil || f.Upper != nil {
			return f, commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrFailedToParse,
				fmt.Sprintf("%s does not accept a 'window' field", w.Operator.Name()),
				w.Operator.Name(),
			)
		}

		current := 0

		return Frame{Upper: &current}, nil
	}

	if f.Lower != nil && f.Upper != nil && *f.Lower > *f.Upper {
		return f, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("Lower bound must not exceed upper bound: [%d, %d]", *f.Lower, *f.Upper),
			w.Operator.Name(),
		)
	}

	return f, nil
}

// partitions groups documents by partitionBy value.
func (w *Window) partitions(docs []*types.Document) []*partition {
	var res []*partition

	for _, doc := range docs {
		var key any = types.Null

		if w.PartitionBy != nil {
			if v, ok := w.PartitionBy.Evaluate(doc); ok {
				key = v
			}
		}

		var p *partition

		for _, candidate := range res {
			if types.Compare(candidate.key, key) == types.Equal {
				p = candidate
				break
			}
		}

		if p == nil {
			p = &partition{key: key}
			res = append(res, p)
		}

		p.docs = append(p.docs, doc)
	}

	return res
}

// sort sorts partition documents by sortBy value, keeping the input order of equal values.
func (w *Window) sort(docs []*types.Document) {
	if w.SortBy == nil {
		return
	}

	key := func(doc *types.Document) any {
		if v, ok := w.SortBy.Evaluate(doc); ok {
			return v
		}

		return types.Null
	}

	sort.SliceStable(docs, func(i, j int) bool {
		c := types.Compare(key(docs[i]), key(docs[j]))
		if w.Descending {
			return c == types.Greater
		}

		return c == types.Less
	})
}

// bounds returns [lo, hi) row range of the frame for the i-th row out of n.
func bounds(f Frame, i, n int) (int, int) {
	lo, hi := 0, n

	if f.Lower != nil {
		lo = min(max(i+*f.Lower, 0), n)
	}

	if f.Upper != nil {
		hi = min(max(i+*f.Upper+1, 0), n)
	}

	return lo, hi
}

// evaluateSliding computes values by moving the frame over the rows,
// removing rows with inverse transitions, and restarting when that is not possible.
func (w *Window) evaluateSliding(ctx context.Context, f Frame, docs []*types.Document) ([]any, error) {
	fn := w.Operator.fn

	args := make([][]any, len(docs))
	for i, doc := range docs {
		args[i] = w.Operator.Args(doc)
	}

	res := make([]any, len(docs))

	state := fn.Init()
	lo, hi := 0, 0

	var err error

	for i := range docs {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		nlo, nhi := bounds(f, i, len(docs))

		if nlo >= nhi || nlo >= hi {
			// no overlap with the previous frame
			state = fn.Init()
			lo, hi = nlo, nlo
		}

		for ; hi < nhi; hi++ {
			if state, err = fn.Transition(state, args[hi]...); err != nil {
				return nil, err
			}
		}

		for ; lo < nlo; lo++ {
			var s State
			if s, err = fn.InverseTransition(state, args[lo]...); err != nil {
				return nil, err
			}

			if s == nil {
				if state, err = restart(fn, args[nlo:hi]); err != nil {
					return nil, err
				}

				lo = nlo

				break
			}

			state = s
		}

		if res[i], err = fn.Final(state); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// restart computes a new state from the given rows.
func restart(fn Func, rows [][]any) (State, error) {
	state := fn.Init()

	var err error

	for _, args := range rows {
		if state, err = fn.Transition(state, args...); err != nil {
			return nil, err
		}
	}

	return state, nil
}

// evaluateParallel computes a single value for the whole partition by splitting it into chunks,
// aggregating them concurrently, and combining partial states.
func (w *Window) evaluateParallel(ctx context.Context, docs []*types.Document) ([]any, error) {
	fn := w.Operator.fn

	n := min(w.Parallelism, len(docs))
	if n == 0 {
		n = 1
	}

	states := make([]State, n)
	size := (len(docs) + n - 1) / n

	g, gCtx := errgroup.WithContext(ctx)

	for c := 0; c < n; c++ {
		start := min(c*size, len(docs))
		end := min(start+size, len(docs))

		g.Go(func() error {
			state := fn.Init()

			var err error

			for _, doc := range docs[start:end] {
				if err = gCtx.Err(); err != nil {
					return err
				}

				if state, err = fn.Transition(state, w.Operator.Args(doc)...); err != nil {
					return err
				}
			}

			states[c] = state

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := states[0]

	for _, s := range states[1:] {
		var err error
		if state, err = fn.Combine(state, s); err != nil {
			return nil, err
		}
	}

	v, err := fn.Final(state)
	if err != nil {
		return nil, err
	}

	res := make([]any, len(docs))
	for i := range res {
		res[i] = v
	}

	return res, nil
}
