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

// Package metadata provides a collection catalog stored in PostgreSQL.
//
// Collections and indexes are listed in tables of the ferretdb_catalog schema;
// collection documents are stored in tables of the ferretdb_data schema.
// Catalog contents are cached in memory and changed only through the Registry.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AlekSi/pointer"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/backends/postgresql/metadata/pool"
	"github.com/FerretDB/docagg/internal/bson"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/observability"
	"github.com/FerretDB/docagg/internal/util/state"
)

// CatalogSchema is the schema of catalog tables.
const CatalogSchema = "ferretdb_catalog"

// Parts of Prometheus metric names.
const (
	namespace = "ferretdb"
	subsystem = "postgresql_metadata"
)

// collection is a cached catalog entry.
type collection struct {
	info    backends.CollectionInfo
	indexes []backends.IndexInfo
}

// Registry provides access to collections information stored in PostgreSQL.
//
// Exported methods are safe for concurrent use. Unexported methods are not.
//
//nolint:vet // for readability
type Registry struct {
	p *pgxpool.Pool
	l *zap.Logger

	// rw protects colls but also acts like a global lock for catalog changes.
	rw    sync.RWMutex
	colls map[string]map[string]*collection // database name -> collection name -> collection
}

// NewRegistry creates a registry for PostgreSQL database with a given URI.
//
// Catalog tables are created if needed, and their contents are loaded.
func NewRegistry(u string, l *zap.Logger, sp *state.Provider) (*Registry, error) {
	p, err := pool.Open(u, l, sp)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		p:     p,
		l:     l,
		colls: map[string]map[string]*collection{},
	}

	ctx := context.TODO()

	if err = r.init(ctx); err != nil {
		r.Close()
		return nil, lazyerrors.Error(err)
	}

	if err = r.load(ctx); err != nil {
		r.Close()
		return nil, lazyerrors.Error(err)
	}

	return r, nil
}

// Close closes the registry.
func (r *Registry) Close() {
	r.p.Close()
}

// init creates catalog schemas and tables.
func (r *Registry) init(ctx context.Context) error {
	return pool.InTransaction(ctx, r.p, func(tx pgx.Tx) error {
		for _, q := range []string{
			"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{CatalogSchema}.Sanitize(),
			"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{backends.DataSchema}.Sanitize(),
			"CREATE TABLE IF NOT EXISTS " + pgx.Identifier{CatalogSchema, "collections"}.Sanitize() + " (" +
				"id bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY, " +
				"database text NOT NULL, " +
				"name text NOT NULL, " +
				"shard_key text, " +
				"view boolean NOT NULL DEFAULT false, " +
				"UNIQUE (database, name))",
			"CREATE TABLE IF NOT EXISTS " + pgx.Identifier{CatalogSchema, "indexes"}.Sanitize() + " (" +
				"collection_id bigint NOT NULL REFERENCES " + pgx.Identifier{CatalogSchema, "collections"}.Sanitize() + " ON DELETE CASCADE, " +
				"name text NOT NULL, " +
				"key text NOT NULL, " +
				"is_unique boolean NOT NULL, " +
				"is_partial boolean NOT NULL, " +
				"PRIMARY KEY (collection_id, name))",
		} {
			if _, err := tx.Exec(ctx, q); err != nil {
				return lazyerrors.Error(err)
			}
		}

		return nil
	})
}

// load reads catalog tables into memory.
func (r *Registry) load(ctx context.Context) error {
	r.rw.Lock()
	defer r.rw.Unlock()

	byID := map[int64]*collection{}

	q := "SELECT id, database, name, shard_key, view FROM " + pgx.Identifier{CatalogSchema, "collections"}.Sanitize()

	rows, err := r.p.Query(ctx, q)
	if err != nil {
		return lazyerrors.Error(err)
	}

	for rows.Next() {
		var c collection
		var shardKey *string

		if err = rows.Scan(&c.info.ID, &c.info.Database, &c.info.Name, &shardKey, &c.info.View); err != nil {
			rows.Close()
			return lazyerrors.Error(err)
		}

		if shardKey != nil {
			if c.info.ShardKey, err = bson.UnmarshalExtJSON([]byte(*shardKey)); err != nil {
				rows.Close()
				return lazyerrors.Error(err)
			}
		}

		byID[c.info.ID] = &c
	}

	rows.Close()

	if err = rows.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	q = "SELECT collection_id, name, key, is_unique, is_partial FROM " + pgx.Identifier{CatalogSchema, "indexes"}.Sanitize() +
		" ORDER BY collection_id, name"

	if rows, err = r.p.Query(ctx, q); err != nil {
		return lazyerrors.Error(err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var key string
		var idx backends.IndexInfo

		if err = rows.Scan(&id, &idx.Name, &key, &idx.Unique, &idx.Partial); err != nil {
			return lazyerrors.Error(err)
		}

		if idx.Key, err = unmarshalIndexKey(key); err != nil {
			return lazyerrors.Error(err)
		}

		if c := byID[id]; c != nil {
			c.indexes = append(c.indexes, idx)
		}
	}

	if err = rows.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	r.colls = map[string]map[string]*collection{}

	for _, c := range byID {
		// _id index is always first
		sort.SliceStable(c.indexes, func(i, j int) bool { return c.indexes[i].Name == backends.IDIndexName })

		if r.colls[c.info.Database] == nil {
			r.colls[c.info.Database] = map[string]*collection{}
		}

		r.colls[c.info.Database][c.info.Name] = c
	}

	return nil
}

// marshalIndexKey returns index key as Extended JSON; key order is preserved.
func marshalIndexKey(key []backends.IndexKey) (string, error) {
	doc := types.MakeDocument(len(key))

	for _, k := range key {
		order := int32(1)
		if k.Descending {
			order = -1
		}

		must.NoError(doc.Set(k.Field, order))
	}

	b, err := bson.MarshalExtJSON(doc)
	if err != nil {
		return "", lazyerrors.Error(err)
	}

	return string(b), nil
}

// unmarshalIndexKey decodes index key from Extended JSON.
func unmarshalIndexKey(s string) ([]backends.IndexKey, error) {
	doc, err := bson.UnmarshalExtJSON([]byte(s))
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := make([]backends.IndexKey, 0, doc.Len())

	for _, f := range doc.Keys() {
		order, _ := must.NotFail(doc.Get(f)).(int32)
		res = append(res, backends.IndexKey{Field: f, Descending: order < 0})
	}

	return res, nil
}

// DatabaseList returns a sorted list of databases with at least one collection.
func (r *Registry) DatabaseList(ctx context.Context) []string {
	defer observability.FuncCall(ctx)()

	r.rw.RLock()
	defer r.rw.RUnlock()

	res := make([]string, 0, len(r.colls))
	for db, colls := range r.colls {
		if len(colls) > 0 {
			res = append(res, db)
		}
	}

	sort.Strings(res)

	return res
}

// CollectionList returns a sorted list of collection names in the database.
func (r *Registry) CollectionList(ctx context.Context, dbName string) []string {
	defer observability.FuncCall(ctx)()

	r.rw.RLock()
	defer r.rw.RUnlock()

	res := make([]string, 0, len(r.colls[dbName]))
	for name := range r.colls[dbName] {
		res = append(res, name)
	}

	sort.Strings(res)

	return res
}

// collectionGet returns cached collection or nil.
//
// It does not hold the lock.
func (r *Registry) collectionGet(dbName, collectionName string) *collection {
	colls := r.colls[dbName]
	if colls == nil {
		return nil
	}

	return colls[collectionName]
}

// CollectionGet implements [backends.Catalog].
func (r *Registry) CollectionGet(ctx context.Context, dbName, collectionName string) (*backends.CollectionInfo, error) {
	defer observability.FuncCall(ctx)()

	r.rw.RLock()
	defer r.rw.RUnlock()

	c := r.collectionGet(dbName, collectionName)
	if c == nil {
		return nil, nil
	}

	info := c.info

	return &info, nil
}

// CollectionCreate implements [backends.Catalog].
func (r *Registry) CollectionCreate(ctx context.Context, dbName, collectionName string) (*backends.CollectionInfo, error) {
	defer observability.FuncCall(ctx)()

	info, err := r.collectionCreate(ctx, dbName, collectionName, false)
	backends.CheckError(err, backends.ErrorCodeDatabaseNameIsInvalid, backends.ErrorCodeCollectionNameIsInvalid, backends.ErrorCodeCollectionAlreadyExists)

	return info, err
}

// CreateView creates a view entry; views have no data table.
func (r *Registry) CreateView(ctx context.Context, dbName, viewName string) (*backends.CollectionInfo, error) {
	defer observability.FuncCall(ctx)()

	return r.collectionCreate(ctx, dbName, viewName, true)
}

// collectionCreate creates a catalog entry, and, for collections, the data table with the _id index.
func (r *Registry) collectionCreate(ctx context.Context, dbName, collectionName string, view bool) (*backends.CollectionInfo, error) {
	if err := backends.ValidateDatabaseName(dbName); err != nil {
		return nil, err
	}

	if err := backends.ValidateCollectionName(collectionName); err != nil {
		return nil, err
	}

	r.rw.Lock()
	defer r.rw.Unlock()

	alreadyExists := backends.NewError(
		backends.ErrorCodeCollectionAlreadyExists,
		lazyerrors.Errorf("%s.%s", dbName, collectionName),
	)

	if r.collectionGet(dbName, collectionName) != nil {
		return nil, alreadyExists
	}

	c := &collection{
		info: backends.CollectionInfo{
			Database: dbName,
			Name:     collectionName,
			View:     view,
		},
	}

	if !view {
		c.indexes = []backends.IndexInfo{backends.IDIndex()}
	}

	err := pool.InTransaction(ctx, r.p, func(tx pgx.Tx) error {
		q := "INSERT INTO " + pgx.Identifier{CatalogSchema, "collections"}.Sanitize() +
			" (database, name, view) VALUES ($1, $2, $3) RETURNING id"
		if err := tx.QueryRow(ctx, q, dbName, collectionName, view).Scan(&c.info.ID); err != nil {
			return err
		}

		if view {
			return nil
		}

		table := pgx.Identifier{backends.DataSchema, c.info.TableName()}.Sanitize()

		q = "CREATE TABLE " + table + " (" +
			"shard_key_value bigint NOT NULL, " +
			"object_id bytea NOT NULL, " +
			"document bytea NOT NULL, " +
			"creation_time timestamptz NOT NULL)"
		if _, err := tx.Exec(ctx, q); err != nil {
			return err
		}

		q = fmt.Sprintf(
			"CREATE UNIQUE INDEX %s ON %s (shard_key_value, object_id)",
			pgx.Identifier{c.info.TableName() + "_id"}.Sanitize(), table,
		)
		if _, err := tx.Exec(ctx, q); err != nil {
			return err
		}

		return insertIndex(ctx, tx, c.info.ID, backends.IDIndex())
	})

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			// created concurrently by other process
			return nil, alreadyExists
		}

		return nil, lazyerrors.Error(err)
	}

	if r.colls[dbName] == nil {
		r.colls[dbName] = map[string]*collection{}
	}

	r.colls[dbName][collectionName] = c

	r.l.Debug(
		"Collection created.",
		zap.String("db", dbName), zap.String("collection", collectionName), zap.Int64("id", c.info.ID),
	)

	info := c.info

	return &info, nil
}

// insertIndex adds an index to the catalog.
func insertIndex(ctx context.Context, tx pgx.Tx, collectionID int64, idx backends.IndexInfo) error {
	key, err := marshalIndexKey(idx.Key)
	if err != nil {
		return lazyerrors.Error(err)
	}

	q := "INSERT INTO " + pgx.Identifier{CatalogSchema, "indexes"}.Sanitize() +
		" (collection_id, name, key, is_unique, is_partial) VALUES ($1, $2, $3, $4, $5)"
	_, err = tx.Exec(ctx, q, collectionID, idx.Name, key, idx.Unique, idx.Partial)

	return err
}

// IndexCreate adds an index to the catalog.
//
// Only the catalog entry is created; documents are not checked.
func (r *Registry) IndexCreate(ctx context.Context, dbName, collectionName string, index backends.IndexInfo) error {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	c := r.collectionGet(dbName, collectionName)
	if c == nil {
		return backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	err := pool.InTransaction(ctx, r.p, func(tx pgx.Tx) error {
		return insertIndex(ctx, tx, c.info.ID, index)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return lazyerrors.Errorf("index %q already exists", index.Name)
		}

		return lazyerrors.Error(err)
	}

	c.indexes = append(c.indexes, index)

	return nil
}

// SetShardKey marks the collection as sharded by the given key.
func (r *Registry) SetShardKey(ctx context.Context, dbName, collectionName string, key *types.Document) error {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	c := r.collectionGet(dbName, collectionName)
	if c == nil {
		return backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	var s *string

	if key != nil {
		b, err := bson.MarshalExtJSON(key)
		if err != nil {
			return lazyerrors.Error(err)
		}

		s = pointer.ToString(string(b))
	}

	q := "UPDATE " + pgx.Identifier{CatalogSchema, "collections"}.Sanitize() + " SET shard_key = $1 WHERE id = $2"
	if _, err := r.p.Exec(ctx, q, s, c.info.ID); err != nil {
		return lazyerrors.Error(err)
	}

	c.info.ShardKey = key

	return nil
}

// ListIndexes implements [backends.Catalog].
func (r *Registry) ListIndexes(ctx context.Context, info *backends.CollectionInfo) ([]backends.IndexInfo, error) {
	defer observability.FuncCall(ctx)()

	r.rw.RLock()
	defer r.rw.RUnlock()

	c := r.collectionGet(info.Database, info.Name)
	if c == nil {
		return nil, backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	return append([]backends.IndexInfo(nil), c.indexes...), nil
}

// CollectionDrop drops a collection and its data table.
//
// Returned boolean value indicates whether the collection was dropped.
func (r *Registry) CollectionDrop(ctx context.Context, dbName, collectionName string) (bool, error) {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	c := r.collectionGet(dbName, collectionName)
	if c == nil {
		return false, nil
	}

	err := pool.InTransaction(ctx, r.p, func(tx pgx.Tx) error {
		q := "DELETE FROM " + pgx.Identifier{CatalogSchema, "collections"}.Sanitize() + " WHERE id = $1"
		if _, err := tx.Exec(ctx, q, c.info.ID); err != nil {
			return err
		}

		if c.info.View {
			return nil
		}

		q = "DROP TABLE IF EXISTS " + pgx.Identifier{backends.DataSchema, c.info.TableName()}.Sanitize()
		_, err := tx.Exec(ctx, q)

		return err
	})
	if err != nil {
		return false, lazyerrors.Error(err)
	}

	delete(r.colls[dbName], collectionName)

	return true, nil
}

// Describe implements [prometheus.Collector].
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(r, ch)
}

// Collect implements [prometheus.Collector].
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.rw.RLock()
	defer r.rw.RUnlock()

	stats := r.p.Stat()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "pool_connections"),
			"The current number of connections in the pool.",
			[]string{"state"}, nil,
		),
		prometheus.GaugeValue,
		float64(stats.AcquiredConns()),
		"acquired",
	)

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "pool_connections"),
			"The current number of connections in the pool.",
			[]string{"state"}, nil,
		),
		prometheus.GaugeValue,
		float64(stats.IdleConns()),
		"idle",
	)

	for db, colls := range r.colls {
		ch <- prometheus.MustNewConstMetric(
			prometheus.NewDesc(
				prometheus.BuildFQName(namespace, subsystem, "collections"),
				"The current number of collections in the registry.",
				[]string{"db"}, nil,
			),
			prometheus.GaugeValue,
			float64(len(colls)),
			db,
		)
	}
}

// check interfaces
var (
	_ backends.Catalog     = (*Registry)(nil)
	_ prometheus.Collector = (*Registry)(nil)
)
