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
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/docagg/internal/aggregations"
	"github.com/FerretDB/docagg/internal/aggregations/stages/merge"
	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/backends/memory"
	pgmetadata "github.com/FerretDB/docagg/internal/backends/postgresql/metadata"
	sqlitemetadata "github.com/FerretDB/docagg/internal/backends/sqlite/metadata"
	"github.com/FerretDB/docagg/internal/bson"
	"github.com/FerretDB/docagg/internal/querytree"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/state"
)

// compileParams represents flags of the compile command.
//
//nolint:lll // some tags are long
type compileParams struct {
	Stage string `arg:"" help:"$merge stage value in Extended JSON format, for example '{\"into\": \"target\", \"whenMatched\": \"replace\"}'."`

	DB         string `default:"test"   help:"Source database."`
	Collection string `default:"source" help:"Source collection."`

	EnableMerge         bool   `default:"true"                       help:"Enable $merge stage."             negatable:""`
	AllowTargetCreation bool   `default:"false"                      help:"Create missing target collection."`
	ClusterVersion      string `default:"${default_cluster_version}" help:"Cluster version."`
	MinClusterVersion   string `default:""                           help:"Minimal cluster version for $merge."`

	SourceFile string `default:""      help:"Extended JSON array of source documents to load ('memory' catalog only)." type:"existingfile"`
	TargetFile string `default:""      help:"Extended JSON array of target documents to load ('memory' catalog only)." type:"existingfile"`
	Execute    bool   `default:"false" help:"Execute compiled query and print target documents ('memory' catalog only)."`
}

// catalogParams represents catalog flags.
type catalogParams struct {
	name          string
	postgreSQLURL string
	sqliteURL     string
}

// catalog is a catalog that exposes metrics.
type catalog interface {
	backends.Catalog
	prometheus.Collector
}

// openCatalog opens the catalog.
//
// For the memory catalog, the second return value is the same catalog.
func openCatalog(p *catalogParams, sp *state.Provider, l *zap.Logger) (catalog, *memory.Catalog, func(), error) {
	switch p.name {
	case "memory":
		c := memory.NewCatalog(l.Named("memory"))
		return c, c, func() {}, nil

	case "sqlite":
		r, err := sqlitemetadata.NewRegistry(p.sqliteURL, l.Named("sqlite"), sp)
		if err != nil {
			return nil, nil, nil, lazyerrors.Error(err)
		}

		return r, nil, r.Close, nil

	case "postgresql":
		r, err := pgmetadata.NewRegistry(p.postgreSQLURL, l.Named("postgresql"), sp)
		if err != nil {
			return nil, nil, nil, lazyerrors.Error(err)
		}

		return r, nil, r.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown catalog %q", p.name)
	}
}

// parseStage parses the value of $merge stage in Extended JSON format.
func parseStage(s string) (any, error) {
	doc, err := bson.UnmarshalExtJSON([]byte(`{"$merge": ` + s + `}`))
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return must.NotFail(doc.Get("$merge")), nil
}

// readDocuments reads Extended JSON array of documents from the file, or from stdin if path is "-".
func readDocuments(path string, stdin io.Reader) ([]*types.Document, error) {
	var b []byte
	var err error

	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}

	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return bson.UnmarshalExtJSONArray(b)
}

// writeDocuments writes documents in Extended JSON format, one per line.
func writeDocuments(w io.Writer, docs []*types.Document) error {
	for _, doc := range docs {
		b, err := bson.MarshalExtJSON(doc)
		if err != nil {
			return lazyerrors.Error(err)
		}

		if _, err = fmt.Fprintf(w, "%s\n", b); err != nil {
			return lazyerrors.Error(err)
		}
	}

	return nil
}

// load creates the collection if needed and inserts documents from the file.
func load(ctx context.Context, c *memory.Catalog, dbName, collectionName, path string) error {
	if path == "" {
		return nil
	}

	docs, err := readDocuments(path, nil)
	if err != nil {
		return err
	}

	_, err = c.CollectionCreate(ctx, dbName, collectionName)
	if err != nil && !backends.ErrorCodeIs(err, backends.ErrorCodeCollectionAlreadyExists) {
		return lazyerrors.Error(err)
	}

	if err = c.Insert(ctx, dbName, collectionName, docs...); err != nil {
		return lazyerrors.Error(err)
	}

	return nil
}

// runCompile implements the compile command.
func runCompile(ctx context.Context, w io.Writer, params *compileParams, cp *catalogParams, sp *state.Provider, reg prometheus.Registerer, l *zap.Logger) error {
	stage, err := parseStage(params.Stage)
	if err != nil {
		return err
	}

	spec, err := merge.Parse(stage, params.DB)
	if err != nil {
		return err
	}

	c, mem, closeCatalog, err := openCatalog(cp, sp, l)
	if err != nil {
		return err
	}

	defer closeCatalog()

	reg.MustRegister(c)

	if mem == nil && (params.SourceFile != "" || params.TargetFile != "" || params.Execute) {
		return fmt.Errorf("loading documents and execution are supported only by 'memory' catalog")
	}

	if mem != nil {
		if err = load(ctx, mem, params.DB, params.Collection, params.SourceFile); err != nil {
			return err
		}

		if err = load(ctx, mem, spec.TargetDatabase, spec.TargetCollection, params.TargetFile); err != nil {
			return err
		}
	}

	source, err := c.CollectionGet(ctx, params.DB, params.Collection)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if source == nil {
		return fmt.Errorf("source collection %s.%s does not exist", params.DB, params.Collection)
	}

	counters := aggregations.NewFeatureCounters()
	reg.MustRegister(counters)

	q, err := merge.NewCompiler(c, l).Compile(ctx, spec, source.ScanQuery(), &merge.CompileContext{
		SourceDatabase:      params.DB,
		SourceCollection:    params.Collection,
		EnableMerge:         params.EnableMerge,
		AllowTargetCreation: params.AllowTargetCreation,
		ClusterVersion:      params.ClusterVersion,
		MinClusterVersion:   params.MinClusterVersion,
		Counter:             counters,
	})
	if err != nil {
		return err
	}

	sql, err := querytree.Deparse(q)
	if err != nil {
		return lazyerrors.Error(err)
	}

	fmt.Fprintln(w, sql)

	if !params.Execute {
		return nil
	}

	res, err := memory.NewExecutor(mem, merge.Functions, l).Execute(ctx, q)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "matched: %d, inserted: %d, updated: %d\n", res.Stats.Matched, res.Stats.Inserted, res.Stats.Updated)

	docs, err := mem.Documents(ctx, spec.TargetDatabase, spec.TargetCollection)
	if err != nil {
		return lazyerrors.Error(err)
	}

	return writeDocuments(w, docs)
}
