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

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/AlekSi/pointer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/aggregations/window"
	"github.com/FerretDB/docagg/internal/bson"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
)

// windowParams represents flags of the window command.
//
//nolint:lll // some tags are long
type windowParams struct {
	Operator string `arg:"" help:"Window operator in Extended JSON format, for example '{\"$expMovingAvg\": {\"input\": \"$v\", \"alpha\": 0.5}}'."`
	Input    string `arg:"" help:"Extended JSON array of input documents, '-' for stdin."`

	PartitionBy string `default:""          help:"Partition by expression, for example '$group'."`
	SortBy      string `default:""          help:"Sort by expression, for example '$t'."`
	Descending  bool   `default:"false"     help:"Sort in descending order."`
	Lower       string `default:"unbounded" help:"Lower frame bound relative to the current row."`
	Upper       string `default:"unbounded" help:"Upper frame bound relative to the current row."`
	Output      string `default:"result"    help:"Output field."`
	Parallelism int    `default:"1"         help:"Number of goroutines for unbounded combinable frames."`
}

// parseBound parses a frame bound: "unbounded", "current", or an integer.
func parseBound(s string) (*int, error) {
	switch s {
	case "unbounded":
		return nil, nil
	case "current":
		return pointer.ToInt(0), nil
	}

	i, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid frame bound %q", s)
	}

	return pointer.ToInt(i), nil
}

// parseExpression parses an optional field path expression.
func parseExpression(s string) (*aggregations.Expression, error) {
	if s == "" {
		return nil, nil
	}

	return aggregations.NewExpression(s)
}

// runWindow implements the window command.
func runWindow(ctx context.Context, stdin io.Reader, w io.Writer, params *windowParams, reg prometheus.Registerer, l *zap.Logger) error {
	expr, err := bson.UnmarshalExtJSON([]byte(params.Operator))
	if err != nil {
		return lazyerrors.Error(err)
	}

	sortBy, err := parseExpression(params.SortBy)
	if err != nil {
		return err
	}

	partitionBy, err := parseExpression(params.PartitionBy)
	if err != nil {
		return err
	}

	op, err := window.NewOperator(expr, sortBy)
	if err != nil {
		return err
	}

	var frame window.Frame

	if frame.Lower, err = parseBound(params.Lower); err != nil {
		return err
	}

	if frame.Upper, err = parseBound(params.Upper); err != nil {
		return err
	}

	docs, err := readDocuments(params.Input, stdin)
	if err != nil {
		return err
	}

	counters := aggregations.NewFeatureCounters()
	reg.MustRegister(counters)

	res, err := window.Evaluate(ctx, l.Named("window"), &window.Window{
		PartitionBy: partitionBy,
		SortBy:      sortBy,
		Descending:  params.Descending,
		Frame:       frame,
		Output:      params.Output,
		Operator:    op,
		Parallelism: params.Parallelism,
		Counter:     counters,
	}, docs)
	if err != nil {
		return err
	}

	return writeDocuments(w, res)
}
