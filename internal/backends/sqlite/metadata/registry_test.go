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
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
	"github.com/FerretDB/docagg/internal/util/state"
	"github.com/FerretDB/docagg/internal/util/testutil"
	"github.com/FerretDB/docagg/internal/util/teststress"
)

func newRegistry(t testing.TB, uri string) *Registry {
	t.Helper()

	sp, err := state.NewProvider("")
	require.NoError(t, err)

	r, err := NewRegistry(uri, testutil.Logger(t), sp)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	return r
}

func TestCreateDrop(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	r := newRegistry(t, "file:./?mode=memory")

	info, err := r.CollectionGet(ctx, "db", "coll")
	require.NoError(t, err)
	require.Nil(t, info)

	info, err = r.CollectionCreate(ctx, "db", "coll")
	require.NoError(t, err)
	assert.Equal(t, &backends.CollectionInfo{ID: 1, Database: "db", Name: "coll"}, info)

	_, err = r.CollectionCreate(ctx, "db", "coll")
	assert.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeCollectionAlreadyExists))

	_, err = r.CollectionCreate(ctx, "db", "system.coll")
	assert.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeCollectionNameIsInvalid))

	other, err := r.CollectionCreate(ctx, "other", "coll")
	require.NoError(t, err)
	assert.Equal(t, int64(2), other.ID, "IDs are unique across databases")

	assert.Equal(t, []string{"db", "other"}, r.DatabaseList(ctx))

	db := r.p.GetExisting(ctx, "db")
	require.NotNil(t, db)

	_, err = db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %q (shard_key_value, object_id, document, creation_time) VALUES (?, ?, ?, ?)", info.TableName(),
	), info.ID, "1", `{"_id": 1}`, 0)
	require.NoError(t, err)

	dropped, err := r.CollectionDrop(ctx, "db", "coll")
	require.NoError(t, err)
	require.True(t, dropped)

	dropped, err = r.CollectionDrop(ctx, "db", "coll")
	require.NoError(t, err)
	require.False(t, dropped)

	info, err = r.CollectionGet(ctx, "db", "coll")
	require.NoError(t, err)
	require.Nil(t, info)

	require.True(t, r.DatabaseDrop(ctx, "other"))
	assert.Equal(t, []string{"db"}, r.DatabaseList(ctx))
}

func TestSettings(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)

	dir := t.TempDir()
	uri := "file:" + dir + "/"

	sp, err := state.NewProvider("")
	require.NoError(t, err)

	r, err := NewRegistry(uri, testutil.Logger(t), sp)
	require.NoError(t, err)

	info, err := r.CollectionCreate(ctx, "db", "coll")
	require.NoError(t, err)

	compound := backends.IndexInfo{
		Name:   "b_1_a_-1",
		Key:    []backends.IndexKey{{Field: "b"}, {Field: "a", Descending: true}},
		Unique: true,
	}
	require.NoError(t, r.IndexCreate(ctx, "db", "coll", compound))
	require.Error(t, r.IndexCreate(ctx, "db", "coll", compound))

	require.NoError(t, r.IndexCreate(ctx, "db", "coll", backends.IndexInfo{
		Name:    "c_1",
		Key:     []backends.IndexKey{{Field: "c"}},
		Unique:  true,
		Partial: true,
	}))

	shardKey := must.NotFail(types.NewDocument("b", int32(1)))
	require.NoError(t, r.SetShardKey(ctx, "db", "coll", shardKey))

	view, err := r.CreateView(ctx, "db", "view")
	require.NoError(t, err)
	assert.True(t, view.View)

	err = r.IndexCreate(ctx, "db", "missing", compound)
	assert.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeCollectionDoesNotExist))

	expected, err := r.ListIndexes(ctx, info)
	require.NoError(t, err)
	require.Len(t, expected, 3)
	assert.Equal(t, backends.IDIndex(), expected[0])
	assert.Equal(t, compound, expected[1])

	// reopen to load settings from the file
	r.Close()

	_, err = os.Stat(dir + "/db.sqlite")
	require.NoError(t, err)

	r2 := newRegistry(t, uri)

	got, err := r2.CollectionGet(ctx, "db", "coll")
	require.NoError(t, err)
	require.NotNil(t, got.ShardKey)
	assert.Equal(t, shardKey.Keys(), got.ShardKey.Keys())

	actual, err := r2.ListIndexes(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, expected, actual)

	got, err = r2.CollectionGet(ctx, "db", "view")
	require.NoError(t, err)
	assert.True(t, got.View)

	created, err := r2.CollectionCreate(ctx, "db", "next")
	require.NoError(t, err)
	assert.Equal(t, int64(3), created.ID)

	names := make([]string, 0, 3)
	for _, c := range r2.CollectionList(ctx, "db") {
		names = append(names, c.Name)
	}

	assert.Equal(t, []string{"coll", "next", "view"}, names)
}

func TestCreateStress(t *testing.T) {
	ctx := testutil.Ctx(t)

	for _, tc := range []struct {
		name string
		uri  string
	}{
		{name: "File", uri: "file:" + t.TempDir() + "/"},
		{name: "Memory", uri: "file:./?mode=memory"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry(t, tc.uri)

			var i atomic.Int32
			var ids sync.Map

			teststress.Stress(t, func(ready chan<- struct{}, start <-chan struct{}) {
				collectionName := fmt.Sprintf("stress_%03d", i.Add(1))

				ready <- struct{}{}
				<-start

				info, err := r.CollectionCreate(ctx, "db", collectionName)
				require.NoError(t, err)

				_, loaded := ids.LoadOrStore(info.ID, collectionName)
				require.False(t, loaded, "duplicate ID %d", info.ID)

				_, err = r.CollectionCreate(ctx, "db", collectionName)
				require.True(t, backends.ErrorCodeIs(err, backends.ErrorCodeCollectionAlreadyExists))
			})

			assert.Len(t, r.CollectionList(ctx, "db"), int(i.Load()))
		})
	}
}
