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

// Package merge implements the $merge aggregation stage.
//
// The stage is compiled into a MERGE query over the target collection's data table.
// The pipeline query becomes the MERGE source; per-row work is done by helper functions
// referenced by name (see [Functions]).
package merge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/mod/semver"

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/querytree"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
)

// CompileContext contains feature gates and the environment of a single compilation.
type CompileContext struct {
	// SourceDatabase and SourceCollection identify the aggregated collection.
	SourceDatabase   string
	SourceCollection string

	// EnableMerge must be set for the stage to be compiled.
	EnableMerge bool

	// AllowTargetCreation enables creation of missing target collections.
	AllowTargetCreation bool

	// ClusterVersion must not be less than MinClusterVersion (semantic versions, "v" prefix is optional).
	// Empty MinClusterVersion disables the check.
	ClusterVersion    string
	MinClusterVersion string

	InTransaction bool

	// Now is the creation time of inserted documents; zero value means the current time.
	Now time.Time

	// Counter records used features; nil means no recording.
	Counter aggregations.FeatureCounter
}

// Compiler compiles $merge stages into MERGE queries.
//
// It is safe for concurrent use.
type Compiler struct {
	c backends.Catalog
	l *zap.Logger
}

// NewCompiler creates a new compiler that uses the given catalog.
func NewCompiler(c backends.Catalog, l *zap.Logger) *Compiler {
	return &Compiler{
		c: c,
		l: l.Named("merge"),
	}
}

// Compile turns the SELECT query of the pipeline into a MERGE query into the target collection.
//
// If the source collection does not exist, the query is returned unchanged.
// On error, no query is returned.
func (c *Compiler) Compile(ctx context.Context, spec *Spec, q *querytree.Query, cc *CompileContext) (res *querytree.Query, err error) {
	defer observability.FuncCall(ctx)()

	ctx, span := observability.StartSpan(
		ctx, "merge.Compile",
		attribute.String("target", spec.TargetDatabase+"."+spec.TargetCollection),
	)
	defer func() { observability.EndSpan(span, err) }()

	l := c.l.With(zap.String("compile_id", uuid.NewString()))

	counter := cc.Counter
	if counter == nil {
		counter = aggregations.NoopFeatureCounter()
	}

	counter.Inc("$merge", "whenMatched."+string(spec.WhenMatched))
	counter.Inc("$merge", "whenNotMatched."+string(spec.WhenNotMatched))

	if err = checkVersion(cc); err != nil {
		return nil, err
	}

	if cc.InTransaction {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrOperationNotSupportedInTransaction,
			"$merge cannot be used in a transaction",
			"$merge (stage)",
		)
	}

	source, err := c.c.CollectionGet(ctx, cc.SourceDatabase, cc.SourceCollection)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if source == nil {
		l.Debug(
			"Source collection does not exist, query is not changed",
			zap.String("db", cc.SourceDatabase), zap.String("collection", cc.SourceCollection),
		)

		return q, nil
	}

	if querytree.HasRecursiveCTE(q) {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrNotImplemented,
			"$graphLookup with $merge is not supported yet",
			"$merge (stage)",
		)
	}

	target, err := c.target(ctx, spec, cc, l)
	if err != nil {
		return nil, err
	}

	if target.View {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrCommandNotSupportedOnView,
			fmt.Sprintf("Namespace %s.%s is a view, not a collection", target.Database, target.Name),
			"$merge (stage)",
		)
	}

	if target.ShardKey != nil {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrNotImplemented,
			"$merge into a sharded collection is not supported yet",
			"$merge (stage)",
		)
	}

	if target.ID == source.ID {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrNotImplemented,
			"$merge into the same collection that is being aggregated is not supported yet",
			"$merge (stage)",
		)
	}

	if err = c.checkUniqueIndex(ctx, target, spec.On); err != nil {
		return nil, err
	}

	now := cc.Now
	if now.IsZero() {
		now = time.Now()
	}

	if res, err = rewrite(q, spec, target, now); err != nil {
		return nil, err
	}

	if ce := l.Check(zap.DebugLevel, "Compiled $merge"); ce != nil {
		sql, deparseErr := querytree.Deparse(res)
		if deparseErr != nil {
			sql = deparseErr.Error()
		}

		ce.Write(zap.String("target", target.Database+"."+target.Name), zap.String("sql", sql))
	}

	return res, nil
}

// checkVersion checks feature gates.
func checkVersion(cc *CompileContext) error {
	if !cc.EnableMerge {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrNotImplemented,
			"$merge is not enabled",
			"$merge (stage)",
		)
	}

	if cc.MinClusterVersion == "" {
		return nil
	}

	minVersion := canonicalVersion(cc.MinClusterVersion)
	if !semver.IsValid(minVersion) {
		return lazyerrors.Errorf("invalid minimal cluster version %q", cc.MinClusterVersion)
	}

	version := canonicalVersion(cc.ClusterVersion)
	if !semver.IsValid(version) || semver.Compare(version, minVersion) < 0 {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrNotImplemented,
			fmt.Sprintf(
				"$merge is not supported yet for cluster version %q, %s or later is required",
				cc.ClusterVersion, strings.TrimPrefix(minVersion, "v"),
			),
			"$merge (stage)",
		)
	}

	return nil
}

// canonicalVersion adds the "v" prefix expected by the semver package.
func canonicalVersion(v string) string {
	if v == "" || strings.HasPrefix(v, "v") {
		return v
	}

	return "v" + v
}

// target returns the target collection, creating it if needed and allowed.
func (c *Compiler) target(ctx context.Context, spec *Spec, cc *CompileContext, l *zap.Logger) (*backends.CollectionInfo, error) {
	target, err := c.c.CollectionGet(ctx, spec.TargetDatabase, spec.TargetCollection)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if target != nil {
		return target, nil
	}

	if !cc.AllowTargetCreation {
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrNamespaceNotFound,
			fmt.Sprintf("Target collection %s.%s does not exist", spec.TargetDatabase, spec.TargetCollection),
			"$merge (stage)",
		)
	}

	// a new collection has only the _id index
	if !isIDOnly(spec.On) {
		return nil, noUniqueIndex()
	}

	target, err = c.c.CollectionCreate(ctx, spec.TargetDatabase, spec.TargetCollection)

	switch {
	case err == nil:
		l.Info("Target collection created", zap.String("db", target.Database), zap.String("collection", target.Name))
		return target, nil

	case backends.ErrorCodeIs(err, backends.ErrorCodeCollectionAlreadyExists):
		// created concurrently
		if target, err = c.c.CollectionGet(ctx, spec.TargetDatabase, spec.TargetCollection); err != nil {
			return nil, lazyerrors.Error(err)
		}

		if target == nil {
			return nil, lazyerrors.Errorf("collection %s.%s disappeared", spec.TargetDatabase, spec.TargetCollection)
		}

		return target, nil

	case backends.ErrorCodeIs(err, backends.ErrorCodeDatabaseNameIsInvalid, backends.ErrorCodeCollectionNameIsInvalid):
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrInvalidNamespace,
			fmt.Sprintf("Invalid target namespace %s.%s", spec.TargetDatabase, spec.TargetCollection),
			"$merge (stage)",
		)

	default:
		return nil, lazyerrors.Error(err)
	}
}
