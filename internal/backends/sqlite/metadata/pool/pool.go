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

// Package pool provides access to SQLite database files and their connections.
//
// It should be used only by the metadata package.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	_ "modernc.org/sqlite" // register database/sql driver

	"github.com/FerretDB/docagg/internal/util/fsql"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/observability"
	"github.com/FerretDB/docagg/internal/util/resource"
	"github.com/FerretDB/docagg/internal/util/state"
)

// filenameExtension represents SQLite database filename extension.
const filenameExtension = ".sqlite"

// Parts of Prometheus metric names.
const (
	namespace = "ferretdb"
	subsystem = "sqlite_pool"
)

// Pool holds one SQLite database per catalog database.
//
//nolint:vet // for readability
type Pool struct {
	base   string     // directory path from the URI
	query  url.Values // URI parameters passed to every database
	memory bool       // no files are created for mode=memory

	l  *zap.Logger
	sp *state.Provider

	rw  sync.RWMutex
	dbs map[string]*fsql.DB

	token *resource.Token
}

// New creates a pool for SQLite databases in the directory specified by SQLite URI.
//
// Database files already present in the directory are opened on creation.
// The returned map contains them; it should not be modified.
func New(u string, l *zap.Logger, sp *state.Provider) (*Pool, map[string]*fsql.DB, error) {
	uri, err := parseURI(u)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse SQLite URI %q: %s", u, err)
	}

	query := uri.Query()

	p := &Pool{
		base:   uri.Path,
		query:  query,
		memory: query.Get("mode") == "memory",
		l:      l,
		sp:     sp,
		dbs:    map[string]*fsql.DB{},
		token:  resource.NewToken(),
	}

	resource.Track(p, p.token)

	if err = p.openExisting(); err != nil {
		p.Close()
		return nil, nil, err
	}

	return p, p.dbs, nil
}

// openExisting opens all database files in the directory.
func (p *Pool) openExisting() error {
	if p.memory {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(p.base, "*"+filenameExtension))
	if err != nil {
		return lazyerrors.Error(err)
	}

	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), filenameExtension)

		db, err := p.open(name)
		if err != nil {
			return lazyerrors.Error(err)
		}

		p.dbs[name] = db
	}

	return nil
}

// uri returns SQLite URI for the given database name.
func (p *Pool) uri(name string) string {
	file := path.Join(p.base, name+filenameExtension)

	u := url.URL{
		Scheme:   "file",
		Opaque:   file,
		Path:     file,
		OmitHost: true,
		RawQuery: p.query.Encode(),
	}

	return u.String()
}

// open opens the database file, creating it if needed.
//
// All valid database names are valid file names, so no validation is needed.
func (p *Pool) open(name string) (*fsql.DB, error) {
	uri := p.uri(name)

	p.l.Debug("Opening database.", zap.String("name", name), zap.String("uri", uri))

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, lazyerrors.Errorf("%s: %w", uri, err)
	}

	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	// every connection to an in-memory database sees its own empty database
	if p.memory {
		db.SetMaxIdleConns(1)
		db.SetMaxOpenConns(1)
	}

	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, lazyerrors.Errorf("%s: %w", uri, err)
	}

	p.recordVersion(db)

	return fsql.WrapDB(db, name, p.l), nil
}

// recordVersion stores SQLite version in the process state once.
func (p *Pool) recordVersion(db *sql.DB) {
	if p.sp.Get().ServerVersion != "" {
		return
	}

	var v string
	if err := db.QueryRowContext(context.Background(), "SELECT sqlite_version()").Scan(&v); err != nil {
		p.l.Error("Failed to query SQLite version.", zap.Error(err))
		return
	}

	if err := p.sp.Update(func(s *state.State) { s.ServerVersion = v }); err != nil {
		p.l.Error("Failed to update state.", zap.Error(err))
	}
}

// Close closes all databases in the pool and frees all resources.
func (p *Pool) Close() {
	p.rw.Lock()
	defer p.rw.Unlock()

	for _, db := range p.dbs {
		_ = db.Close()
	}

	p.dbs = nil

	resource.Untrack(p, p.token)
}

// List returns a sorted list of database names in the pool.
func (p *Pool) List(ctx context.Context) []string {
	defer observability.FuncCall(ctx)()

	p.rw.RLock()
	defer p.rw.RUnlock()

	res := maps.Keys(p.dbs)
	slices.Sort(res)

	return res
}

// GetExisting returns an existing database by valid name, or nil.
func (p *Pool) GetExisting(ctx context.Context, name string) *fsql.DB {
	defer observability.FuncCall(ctx)()

	p.rw.RLock()
	defer p.rw.RUnlock()

	return p.dbs[name]
}

// GetOrCreate returns an existing database by valid name, or creates a new one.
//
// Returned boolean value indicates whether the database was created.
func (p *Pool) GetOrCreate(ctx context.Context, name string) (*fsql.DB, bool, error) {
	defer observability.FuncCall(ctx)()

	if db := p.GetExisting(ctx, name); db != nil {
		return db, false, nil
	}

	p.rw.Lock()
	defer p.rw.Unlock()

	if db := p.dbs[name]; db != nil {
		return db, false, nil
	}

	db, err := p.open(name)
	if err != nil {
		return nil, false, err
	}

	p.dbs[name] = db

	return db, true, nil
}

// Drop closes and removes a database by valid name.
//
// Returned boolean value indicates whether the database was removed.
func (p *Pool) Drop(ctx context.Context, name string) bool {
	defer observability.FuncCall(ctx)()

	p.rw.Lock()
	defer p.rw.Unlock()

	db := p.dbs[name]
	if db == nil {
		return false
	}

	delete(p.dbs, name)

	if err := db.Close(); err != nil {
		p.l.Warn("Failed to close database.", zap.String("name", name), zap.Error(err))
	}

	if !p.memory {
		f := filepath.Join(p.base, name+filenameExtension)
		if err := os.Remove(f); err != nil {
			p.l.Warn("Failed to remove database file.", zap.String("file", f), zap.Error(err))
		}
	}

	p.l.Debug("Database dropped.", zap.String("name", name))

	return true
}

// Describe implements [prometheus.Collector].
func (p *Pool) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(p, ch)
}

// Collect implements [prometheus.Collector].
func (p *Pool) Collect(ch chan<- prometheus.Metric) {
	p.rw.RLock()
	defer p.rw.RUnlock()

	ch <- prometheus.MustNewConstMetric(
		prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "databases"),
			"The current number of databases in the pool.",
			nil, nil,
		),
		prometheus.GaugeValue,
		float64(len(p.dbs)),
	)

	for _, db := range p.dbs {
		db.Collect(ch)
	}
}
