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

// Package metadata provides a collection catalog stored in SQLite databases.
//
// Each database is stored in its own file with a metadata table listing collections;
// collection settings (view flag, shard key, and indexes) are stored as Extended JSON.
package metadata

import (
	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/bson"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
	"github.com/FerretDB/docagg/internal/util/must"
)

// Collection represents collection metadata.
type Collection struct {
	ID        int64
	Name      string
	TableName string
	Settings  Settings
}

// Info returns collection information for the given database.
func (c *Collection) Info(dbName string) *backends.CollectionInfo {
	return &backends.CollectionInfo{
		ID:       c.ID,
		Database: dbName,
		Name:     c.Name,
		ShardKey: c.Settings.ShardKey,
		View:     c.Settings.View,
	}
}

// Settings represents collection settings.
type Settings struct {
	View     bool
	ShardKey *types.Document
	Indexes  []backends.IndexInfo
}

// marshal returns settings as Extended JSON.
func (s *Settings) marshal() ([]byte, error) {
	indexes := types.MakeArray(len(s.Indexes))

	for _, idx := range s.Indexes {
		key := types.MakeDocument(len(idx.Key))

		for _, k := range idx.Key {
			order := int32(1)
			if k.Descending {
				order = -1
			}

			must.NoError(key.Set(k.Field, order))
		}

		must.NoError(indexes.Append(must.NotFail(types.NewDocument(
			"name", idx.Name,
			"key", key,
			"unique", idx.Unique,
			"partial", idx.Partial,
		))))
	}

	var shardKey any = types.Null
	if s.ShardKey != nil {
		shardKey = s.ShardKey
	}

	doc := must.NotFail(types.NewDocument(
		"view", s.View,
		"shardKey", shardKey,
		"indexes", indexes,
	))

	b, err := bson.MarshalExtJSON(doc)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return b, nil
}

// unmarshal decodes settings from Extended JSON.
func (s *Settings) unmarshal(b []byte) error {
	doc, err := bson.UnmarshalExtJSON(b)
	if err != nil {
		return lazyerrors.Error(err)
	}

	*s = Settings{}

	if v, _ := doc.Get("view"); v != nil {
		s.View, _ = v.(bool)
	}

	if v, _ := doc.Get("shardKey"); v != nil {
		s.ShardKey, _ = v.(*types.Document)
	}

	v, _ := doc.Get("indexes")

	indexes, ok := v.(*types.Array)
	if !ok {
		return lazyerrors.Errorf("invalid indexes %T", v)
	}

	for i, v := range indexes.Values() {
		idxDoc, ok := v.(*types.Document)
		if !ok {
			return lazyerrors.Errorf("invalid index %d", i)
		}

		var idx backends.IndexInfo

		idx.Name, _ = must.NotFail(idxDoc.Get("name")).(string)
		idx.Unique, _ = must.NotFail(idxDoc.Get("unique")).(bool)
		idx.Partial, _ = must.NotFail(idxDoc.Get("partial")).(bool)

		key, ok := must.NotFail(idxDoc.Get("key")).(*types.Document)
		if !ok {
			return lazyerrors.Errorf("invalid index %q key", idx.Name)
		}

		for _, f := range key.Keys() {
			order, _ := must.NotFail(key.Get(f)).(int32)
			idx.Key = append(idx.Key, backends.IndexKey{Field: f, Descending: order < 0})
		}

		s.Indexes = append(s.Indexes, idx)
	}

	return nil
}
