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

// Package memory provides in-memory collection catalog, storage, and query tree executor.
//
// It is used by tests and by the command-line tool when no database URL is given.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
)

// Parts of Prometheus metric names.
const (
	namespace = "ferretdb"
	subsystem = "memory_catalog"
)

// Row is a row of a collection data table.
type Row struct {
	ShardKeyValue int64
	ObjectID      any
	Document      *types.Document
	CreationTime  time.Time
}

// values returns row values in attribute number order.
func (r *Row) values() []any {
	return []any{r.ShardKeyValue, r.ObjectID, r.Document, r.CreationTime}
}

// collection stores collection metadata and data.
type collection struct {
	info    backends.CollectionInfo
	indexes []backends.IndexInfo
	rows    []*Row
}

// Catalog is an in-memory implementation of [backends.Catalog] that also stores documents.
//
// Exported methods are safe for concurrent use. Unexported methods are not.
//
//nolint:vet // for readability
type Catalog struct {
	l *zap.Logger

	// rw protects all fields below but also acts like a global lock for query execution.
	rw     sync.RWMutex
	lastID int64
	colls  map[string]map[string]*collection // database name -> collection name -> collection
	tables map[string]*collection            // table name -> collection
}

// NewCatalog creates a new empty catalog.
func NewCatalog(l *zap.Logger) *Catalog {
	return &Catalog{
		l:      l,
		colls:  map[string]map[string]*collection{},
		tables: map[string]*collection{},
	}
}

// validate checks database and collection names.
func validate(dbName, collectionName string) error {
	if err := backends.ValidateDatabaseName(dbName); err != nil {
		return err
	}

	return backends.ValidateCollectionName(collectionName)
}

// get returns the collection or nil.
//
// It does not hold the lock.
func (c *Catalog) get(dbName, collectionName string) *collection {
	colls := c.colls[dbName]
	if colls == nil {
		return nil
	}

	return colls[collectionName]
}

// CollectionGet implements [backends.Catalog].
func (c *Catalog) CollectionGet(ctx context.Context, dbName, collectionName string) (*backends.CollectionInfo, error) {
	defer observability.FuncCall(ctx)()

	c.rw.RLock()
	defer c.rw.RUnlock()

	coll := c.get(dbName, collectionName)
	if coll == nil {
		return nil, nil
	}

	info := coll.info

	return &info, nil
}

// CollectionCreate implements [backends.Catalog].
func (c *Catalog) CollectionCreate(ctx context.Context, dbName, collectionName string) (*backends.CollectionInfo, error) {
	defer observability.FuncCall(ctx)()

	info, err := c.create(ctx, dbName, collectionName, false)
	backends.CheckError(err, backends.ErrorCodeDatabaseNameIsInvalid, backends.ErrorCodeCollectionNameIsInvalid, backends.ErrorCodeCollectionAlreadyExists)

	return info, err
}

// CreateView creates a view with the given name.
//
// Views are stored only as catalog entries; they can't be queried.
func (c *Catalog) CreateView(ctx context.Context, dbName, viewName string) (*backends.CollectionInfo, error) {
	defer observability.FuncCall(ctx)()

	return c.create(ctx, dbName, viewName, true)
}

// create adds a collection or a view.
func (c *Catalog) create(ctx context.Context, dbName, collectionName string, view bool) (*backends.CollectionInfo, error) {
	if err := validate(dbName, collectionName); err != nil {
		return nil, err
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if c.get(dbName, collectionName) != nil {
		return nil, backends.NewError(
			backends.ErrorCodeCollectionAlreadyExists,
			lazyerrors.Errorf("%s.%s", dbName, collectionName),
		)
	}

	c.lastID++

	coll := &collection{
		info: backends.CollectionInfo{
			ID:       c.lastID,
			Database: dbName,
			Name:     collectionName,
			View:     view,
		},
	}

	if !view {
		coll.indexes = []backends.IndexInfo{backends.IDIndex()}
	}

	if c.colls[dbName] == nil {
		c.colls[dbName] = map[string]*collection{}
	}

	c.colls[dbName][collectionName] = coll
	c.tables[coll.info.TableName()] = coll

	c.l.Debug(
		"Collection created",
		zap.String("db", dbName), zap.String("collection", collectionName),
		zap.Int64("id", coll.info.ID), zap.Bool("view", view),
	)

	info := coll.info

	return &info, nil
}

// SetShardKey marks the collection as sharded by the given key.
func (c *Catalog) SetShardKey(ctx context.Context, dbName, collectionName string, key *types.Document) error {
	defer observability.FuncCall(ctx)()

	c.rw.Lock()
	defer c.rw.Unlock()

	coll := c.get(dbName, collectionName)
	if coll == nil {
		return backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	coll.info.ShardKey = key

	return nil
}

// ListIndexes implements [backends.Catalog].
func (c *Catalog) ListIndexes(ctx context.Context, info *backends.CollectionInfo) ([]backends.IndexInfo, error) {
	defer observability.FuncCall(ctx)()

	c.rw.RLock()
	defer c.rw.RUnlock()

	coll := c.get(info.Database, info.Name)
	if coll == nil {
		return nil, backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	res := make([]backends.IndexInfo, len(coll.indexes))
	for i, idx := range coll.indexes {
		res[i] = idx
		res[i].Key = append([]backends.IndexKey(nil), idx.Key...)
	}

	return res, nil
}

// IndexCreate adds an index to the collection.
//
// Existing documents are not checked for uniqueness.
func (c *Catalog) IndexCreate(ctx context.Context, dbName, collectionName string, index backends.IndexInfo) error {
	defer observability.FuncCall(ctx)()

	c.rw.Lock()
	defer c.rw.Unlock()

	coll := c.get(dbName, collectionName)
	if coll == nil {
		return backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	for _, idx := range coll.indexes {
		if idx.Name == index.Name {
			return lazyerrors.Errorf("index %q already exists", index.Name)
		}
	}

	coll.indexes = append(coll.indexes, index)

	return nil
}

// Insert adds documents to the collection.
//
// Documents without _id get a new ObjectID.
func (c *Catalog) Insert(ctx context.Context, dbName, collectionName string, docs ...*types.Document) error {
	defer observability.FuncCall(ctx)()

	c.rw.Lock()
	defer c.rw.Unlock()

	coll := c.get(dbName, collectionName)
	if coll == nil || coll.info.View {
		return backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	rows := append([]*Row(nil), coll.rows...)

	for _, doc := range docs {
		doc = doc.DeepCopy()

		if !doc.Has("_id") {
			if err := doc.Set("_id", types.NewObjectID()); err != nil {
				return lazyerrors.Error(err)
			}
		}

		if err := doc.ValidateData(); err != nil {
			return lazyerrors.Error(err)
		}

		id, _ := doc.Get("_id")

		for _, r := range rows {
			if types.Compare(r.ObjectID, id) == types.Equal {
				return backends.NewError(backends.ErrorCodeInsertDuplicateID, lazyerrors.Errorf("_id %s", types.FormatAnyValue(id)))
			}
		}

		rows = append(rows, &Row{
			ShardKeyValue: coll.info.ID,
			ObjectID:      id,
			Document:      doc,
			CreationTime:  time.Now(),
		})
	}

	coll.rows = rows

	return nil
}

// Documents returns copies of all collection documents ordered by _id.
func (c *Catalog) Documents(ctx context.Context, dbName, collectionName string) ([]*types.Document, error) {
	defer observability.FuncCall(ctx)()

	c.rw.RLock()
	defer c.rw.RUnlock()

	coll := c.get(dbName, collectionName)
	if coll == nil {
		return nil, backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	rows := append([]*Row(nil), coll.rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		return types.Compare(rows[i].ObjectID, rows[j].ObjectID) == types.Less
	})

	res := make([]*types.Document, len(rows))
	for i, r := range rows {
		res[i] = r.Document.DeepCopy()
	}

	return res, nil
}

// CollectionList returns a sorted list of collection names in the database.
func (c *Catalog) CollectionList(ctx context.Context, dbName string) []string {
	defer observability.FuncCall(ctx)()

	c.rw.RLock()
	defer c.rw.RUnlock()

	res := maps.Keys(c.colls[dbName])
	sort.Strings(res)

	return res
}

// Describe implements [prometheus.Collector].
func (c *Catalog) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements [prometheus.Collector].
func (c *Catalog) Collect(ch chan<- prometheus.Metric) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	for db, colls := range c.colls {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, "collections"),
				"The current number of collections in the catalog.",
				[]string{"db"}, nil,
			),
			prometheus.GaugeValue,
			float64(len(colls)),
			db,
		)
	}
}

// String returns a short description for logging.
func (c *Catalog) String() string {
	c.rw.RLock()
	defer c.rw.RUnlock()

	return fmt.Sprintf("memory catalog with %d tables", len(c.tables))
}

// check interfaces
var (
	_ backends.Catalog     = (*Catalog)(nil)
	_ prometheus.Collector = (*Catalog)(nil)
)
