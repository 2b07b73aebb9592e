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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/state"
	"github.com/FerretDB/docagg/internal/util/testutil"
)

func TestIndexKey(t *testing.T) {
	t.Parallel()

	key := []backends.IndexKey{{Field: "b"}, {Field: "a", Descending: true}, {Field: "c.d"}}

	s, err := marshalIndexKey(key)
	require.NoError(t, err)
	assert.Equal(t, `{"b":1,"a":-1,"c.d":1}`, s)

	actual, err := unmarshalIndexKey(s)
	require.NoError(t, err)
	assert.Equal(t, key, actual)
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()

	u := testutil.PostgreSQLURL(t)

	sp, err := state.NewProvider("")
	require.NoError(t, err)

	r, err := NewRegistry(u, testutil.Logger(t), sp)
	require.NoError(t, err)

	return r
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	r := newRegistry(t)

	dbName := "TestRegistry"
	collectionName := t.Name()

	t.Cleanup(func() {
		_, _ = r.CollectionDrop(ctx, dbName, collectionName)
		_, _ = r.CollectionDrop(ctx, dbName, "view")
		r.Close()
	})

	info, err := r.CollectionCreate(ctx, dbName, collectionName)
	require.NoError(t, err)
	assert.Equal(t, collectionName, info.Name)

	_, err = r.CollectionCreate(ctx, dbName, collectionName)
	assert.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeCollectionAlreadyExists))

	index := backends.IndexInfo{
		Name:   "a_1_b_1",
		Key:    []backends.IndexKey{{Field: "a"}, {Field: "b"}},
		Unique: true,
	}
	require.NoError(t, r.IndexCreate(ctx, dbName, collectionName, index))
	require.Error(t, r.IndexCreate(ctx, dbName, collectionName, index))

	shardKey := must.NotFail(types.NewDocument("a", "hashed"))
	require.NoError(t, r.SetShardKey(ctx, dbName, collectionName, shardKey))

	_, err = r.CreateView(ctx, dbName, "view")
	require.NoError(t, err)

	// other registry loads everything from the catalog tables
	r2 := newRegistry(t)
	t.Cleanup(r2.Close)

	got, err := r2.CollectionGet(ctx, dbName, collectionName)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, info.ID, got.ID)
	require.NotNil(t, got.ShardKey)
	assert.Equal(t, "hashed", must.NotFail(got.ShardKey.Get("a")))

	indexes, err := r2.ListIndexes(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, []backends.IndexInfo{backends.IDIndex(), index}, indexes)

	view, err := r2.CollectionGet(ctx, dbName, "view")
	require.NoError(t, err)
	assert.True(t, view.View)

	assert.Contains(t, r.DatabaseList(ctx), dbName)
	assert.Equal(t, []string{collectionName, "view"}, r.CollectionList(ctx, dbName))

	dropped, err := r.CollectionDrop(ctx, dbName, collectionName)
	require.NoError(t, err)
	assert.True(t, dropped)

	dropped, err = r.CollectionDrop(ctx, dbName, collectionName)
	require.NoError(t, err)
	assert.False(t, dropped)
}
