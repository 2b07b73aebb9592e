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

package backends

import (
	"context"
	"fmt"

	"github.com/FerretDB/docagg/internal/querytree"
	"github.com/FerretDB/docagg/internal/types"
)

// DataSchema is the schema of collection data tables.
const DataSchema = "ferretdb_data"

// Attribute numbers of collection data table columns.
const (
	AttrShardKeyValue = 1
	AttrObjectID      = 2
	AttrDocument      = 3
	AttrCreationTime  = 4
)

// DataColumns are column names of collection data tables in attribute number order.
var DataColumns = []string{"shard_key_value", "object_id", "document", "creation_time"}

// IDIndexName is the name of the unique index on _id created for every collection.
const IDIndexName = "_id_"

// CollectionInfo represents collection metadata.
type CollectionInfo struct {
	ID       int64
	Database string
	Name     string

	// ShardKey is nil for unsharded collections.
	ShardKey *types.Document

	View bool
}

// TableName returns the name of the collection data table in [DataSchema].
func (c *CollectionInfo) TableName() string {
	return fmt.Sprintf("documents_%d", c.ID)
}

// RTE returns a range table entry for the collection data table.
func (c *CollectionInfo) RTE(alias string) *querytree.RangeTblEntry {
	return &querytree.RangeTblEntry{
		Kind:    querytree.RTERelation,
		Schema:  DataSchema,
		Table:   c.TableName(),
		Alias:   alias,
		Columns: append([]string(nil), DataColumns...),
	}
}

// ScanQuery returns a query that selects all documents of the collection ordered by _id.
//
// The document is the only non-junk output column; object_id is a junk sort column.
func (c *CollectionInfo) ScanQuery() *querytree.Query {
	return &querytree.Query{
		Command:    querytree.CmdSelect,
		RangeTable: []*querytree.RangeTblEntry{c.RTE("collection")},
		From:       []int{1},
		TargetList: []*querytree.TargetEntry{
			{Expr: &querytree.Var{RTIndex: 1, AttrNo: AttrDocument}, Name: "document", ResNo: 1},
			{Expr: &querytree.Var{RTIndex: 1, AttrNo: AttrObjectID}, Name: "object_id", ResNo: 2, Junk: true},
		},
		SortClause: []*querytree.SortClause{{Expr: &querytree.Var{RTIndex: 1, AttrNo: AttrObjectID}}},
	}
}

// IndexKey is a single field of the index key.
type IndexKey struct {
	Field      string
	Descending bool
}

// IndexInfo represents information about a single index.
type IndexInfo struct {
	Name    string
	Key     []IndexKey
	Unique  bool
	Partial bool
}

// IDIndex returns the unique _id index.
func IDIndex() IndexInfo {
	return IndexInfo{
		Name:   IDIndexName,
		Key:    []IndexKey{{Field: "_id"}},
		Unique: true,
	}
}

// Catalog provides access to collection metadata.
type Catalog interface {
	// CollectionGet returns collection metadata, or nil if the collection does not exist.
	CollectionGet(ctx context.Context, dbName, collectionName string) (*CollectionInfo, error)

	// CollectionCreate creates a collection with the _id index.
	// The database is created automatically if needed.
	CollectionCreate(ctx context.Context, dbName, collectionName string) (*CollectionInfo, error)

	// ListIndexes returns indexes of the collection.
	ListIndexes(ctx context.Context, c *CollectionInfo) ([]IndexInfo, error)
}
