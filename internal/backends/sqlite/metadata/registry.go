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

package metadata

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/backends/sqlite/metadata/pool"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/fsql"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
	"github.com/FerretDB/docagg/internal/util/state"
)

// metadataTableName is the SQLite table name where collections metadata is stored.
// It uses a prefix that is not valid for collection data tables.
const metadataTableName = "_ferretdb_collections"

// Parts of Prometheus metric names.
const (
	namespace = "ferretdb"
	subsystem = "sqlite_metadata"
)

// Registry provides access to SQLite databases and collections information.
//
// Exported methods are safe for concurrent use. Unexported methods are not.
//
//nolint:vet // for readability
type Registry struct {
	p *pool.Pool
	l *zap.Logger

	// rw protects colls and lastID but also acts like a global lock for the whole registry.
	// The latter effectively replaces transactions.
	rw     sync.RWMutex
	colls  map[string]map[string]*Collection // database name -> collection name -> collection
	lastID int64
}

// NewRegistry creates a registry for SQLite databases in the directory specified by SQLite URI.
func NewRegistry(u string, l *zap.Logger, sp *state.Provider) (*Registry, error) {
	p, initDBs, err := pool.New(u, l, sp)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		p:     p,
		l:     l,
		colls: map[string]map[string]*Collection{},
	}

	for name, db := range initDBs {
		if err = r.initCollections(context.Background(), name, db); err != nil {
			r.Close()
			return nil, lazyerrors.Error(err)
		}
	}

	return r, nil
}

// Close closes the registry.
func (r *Registry) Close() {
	r.p.Close()
}

// initCollections loads collections metadata from the database during initialization.
//
// Collection IDs are unique across all databases.
func (r *Registry) initCollections(ctx context.Context, dbName string, db *fsql.DB) error {
	q := fmt.Sprintf("SELECT id, name, table_name, settings FROM %q", metadataTableName)

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return lazyerrors.Error(err)
	}
	defer rows.Close()

	colls := map[string]*Collection{}

	for rows.Next() {
		var c Collection
		var settings []byte

		if err = rows.Scan(&c.ID, &c.Name, &c.TableName, &settings); err != nil {
			return lazyerrors.Error(err)
		}

		if err = c.Settings.unmarshal(settings); err != nil {
			return lazyerrors.Error(err)
		}

		colls[c.Name] = &c
		r.lastID = max(r.lastID, c.ID)
	}

	if err = rows.Err(); err != nil {
		return lazyerrors.Error(err)
	}

	r.colls[dbName] = colls

	return nil
}

// DatabaseList returns a sorted list of existing databases.
func (r *Registry) DatabaseList(ctx context.Context) []string {
	defer observability.FuncCall(ctx)()

	return r.p.List(ctx)
}

// databaseGetOrCreate returns a connection to existing database or newly created database.
//
// It does not hold the lock.
func (r *Registry) databaseGetOrCreate(ctx context.Context, dbName string) (*fsql.DB, error) {
	defer observability.FuncCall(ctx)()

	db, created, err := r.p.GetOrCreate(ctx, dbName)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if !created {
		return db, nil
	}

	q := fmt.Sprintf(
		"CREATE TABLE %q ("+
			"id INTEGER PRIMARY KEY, "+
			"name TEXT NOT NULL UNIQUE CHECK(name != ''), "+
			"table_name TEXT NOT NULL UNIQUE CHECK(table_name != ''), "+
			"settings TEXT NOT NULL CHECK(settings != '')"+
			") STRICT",
		metadataTableName,
	)
	if _, err = db.ExecContext(ctx, q); err != nil {
		r.databaseDrop(ctx, dbName)
		return nil, lazyerrors.Error(err)
	}

	r.colls[dbName] = map[string]*Collection{}

	return db, nil
}

// databaseDrop drops the database.
//
// Returned boolean value indicates whether the database was dropped.
//
// It does not hold the lock.
func (r *Registry) databaseDrop(ctx context.Context, dbName string) bool {
	defer observability.FuncCall(ctx)()

	delete(r.colls, dbName)

	return r.p.Drop(ctx, dbName)
}

// DatabaseDrop drops the database.
//
// Returned boolean value indicates whether the database was dropped.
func (r *Registry) DatabaseDrop(ctx context.Context, dbName string) bool {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	return r.databaseDrop(ctx, dbName)
}

// CollectionList returns a sorted list of collections in the database.
//
// If database does not exist, no error is returned.
func (r *Registry) CollectionList(ctx context.Context, dbName string) []*Collection {
	defer observability.FuncCall(ctx)()

	r.rw.RLock()

	res := maps.Values(r.colls[dbName])

	r.rw.RUnlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })

	return res
}

// collectionGet returns collection metadata or nil.
//
// It does not hold the lock.
func (r *Registry) collectionGet(dbName, collectionName string) *Collection {
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

	return c.Info(dbName), nil
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

// collectionCreate creates a collection with the _id index, or a view.
func (r *Registry) collectionCreate(ctx context.Context, dbName, collectionName string, view bool) (*backends.CollectionInfo, error) {
	if err := backends.ValidateDatabaseName(dbName); err != nil {
		return nil, err
	}

	if err := backends.ValidateCollectionName(collectionName); err != nil {
		return nil, err
	}

	r.rw.Lock()
	defer r.rw.Unlock()

	db, err := r.databaseGetOrCreate(ctx, dbName)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	if r.collectionGet(dbName, collectionName) != nil {
		return nil, backends.NewError(
			backends.ErrorCodeCollectionAlreadyExists,
			lazyerrors.Errorf("%s.%s", dbName, collectionName),
		)
	}

	c := &Collection{
		ID:       r.lastID + 1,
		Name:     collectionName,
		Settings: Settings{View: view},
	}
	c.TableName = c.Info(dbName).TableName()

	if !view {
		c.Settings.Indexes = []backends.IndexInfo{backends.IDIndex()}
	}

	settings, err := c.Settings.marshal()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	err = db.InTransaction(ctx, func(tx *fsql.Tx) error {
		if !view {
			q := fmt.Sprintf(
				"CREATE TABLE %q ("+
					"shard_key_value INTEGER NOT NULL, "+
					"object_id TEXT NOT NULL, "+
					"document TEXT NOT NULL, "+
					"creation_time INTEGER NOT NULL"+
					") STRICT",
				c.TableName,
			)
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return lazyerrors.Error(err)
			}

			q = fmt.Sprintf("CREATE UNIQUE INDEX %q ON %q (shard_key_value, object_id)", c.TableName+"_id", c.TableName)
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return lazyerrors.Error(err)
			}
		}

		q := fmt.Sprintf("INSERT INTO %q (id, name, table_name, settings) VALUES (?, ?, ?, ?)", metadataTableName)
		if _, err := tx.ExecContext(ctx, q, c.ID, c.Name, c.TableName, string(settings)); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
	})
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	r.lastID = c.ID
	r.colls[dbName][collectionName] = c

	r.l.Debug(
		"Collection created.",
		zap.String("db", dbName), zap.String("collection", collectionName), zap.Int64("id", c.ID),
	)

	return c.Info(dbName), nil
}

// updateSettings changes collection settings with the given function and stores them.
func (r *Registry) updateSettings(ctx context.Context, dbName, collectionName string, update func(*Settings) error) error {
	r.rw.Lock()
	defer r.rw.Unlock()

	c := r.collectionGet(dbName, collectionName)
	db := r.p.GetExisting(ctx, dbName)

	if c == nil || db == nil {
		return backends.NewError(backends.ErrorCodeCollectionDoesNotExist, nil)
	}

	s := c.Settings
	s.Indexes = append([]backends.IndexInfo(nil), c.Settings.Indexes...)

	if err := update(&s); err != nil {
		return err
	}

	b, err := s.marshal()
	if err != nil {
		return lazyerrors.Error(err)
	}

	q := fmt.Sprintf("UPDATE %q SET settings = ? WHERE name = ?", metadataTableName)
	if _, err = db.ExecContext(ctx, q, string(b), collectionName); err != nil {
		return lazyerrors.Error(err)
	}

	c.Settings = s

	return nil
}

// IndexCreate adds an index to the collection settings.
func (r *Registry) IndexCreate(ctx context.Context, dbName, collectionName string, index backends.IndexInfo) error {
	defer observability.FuncCall(ctx)()

	return r.updateSettings(ctx, dbName, collectionName, func(s *Settings) error {
		for _, idx := range s.Indexes {
			if idx.Name == index.Name {
				return lazyerrors.Errorf("index %q already exists", index.Name)
			}
		}

		s.Indexes = append(s.Indexes, index)

		return nil
	})
}

// SetShardKey marks the collection as sharded by the given key.
func (r *Registry) SetShardKey(ctx context.Context, dbName, collectionName string, key *types.Document) error {
	defer observability.FuncCall(ctx)()

	return r.updateSettings(ctx, dbName, collectionName, func(s *Settings) error {
		s.ShardKey = key
		return nil
	})
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

	return append([]backends.IndexInfo(nil), c.Settings.Indexes...), nil
}

// CollectionDrop drops a collection in the database.
//
// Returned boolean value indicates whether the collection was dropped.
// If database or collection did not exist, (false, nil) is returned.
func (r *Registry) CollectionDrop(ctx context.Context, dbName, collectionName string) (bool, error) {
	defer observability.FuncCall(ctx)()

	r.rw.Lock()
	defer r.rw.Unlock()

	db := r.p.GetExisting(ctx, dbName)
	c := r.collectionGet(dbName, collectionName)

	if db == nil || c == nil {
		return false, nil
	}

	err := db.InTransaction(ctx, func(tx *fsql.Tx) error {
		q := fmt.Sprintf("DELETE FROM %q WHERE name = ?", metadataTableName)
		if _, err := tx.ExecContext(ctx, q, collectionName); err != nil {
			return lazyerrors.Error(err)
		}

		if c.Settings.View {
			return nil
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %q", c.TableName)); err != nil {
			return lazyerrors.Error(err)
		}

		return nil
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
	r.p.Collect(ch)

	r.rw.RLock()
	defer r.rw.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "databases"),
			"The current number of database in the registry.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(len(r.colls)),
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
