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

package merge

import (
	"context"

	"github.com/FerretDB/docagg/internal/backends"
	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
)

// isIDOnly returns true if the only join field is _id.
func isIDOnly(on []string) bool {
	return len(on) == 1 && on[0] == "_id"
}

// checkUniqueIndex checks that the target has a unique index guaranteeing
// that at most one target document matches each source document.
func (c *Compiler) checkUniqueIndex(ctx context.Context, target *backends.CollectionInfo, on []string) error {
	if isIDOnly(on) {
		return nil
	}

	indexes, err := c.c.ListIndexes(ctx, target)
	if err != nil {
		return lazyerrors.Error(err)
	}

	if !hasUniqueIndex(indexes, on) {
		return noUniqueIndex()
	}

	return nil
}

// hasUniqueIndex returns true if there is a non-partial unique index
// with exactly the given fields in any order and direction.
func hasUniqueIndex(indexes []backends.IndexInfo, on []string) bool {
	fields := make(map[string]struct{}, len(on))
	for _, f := range on {
		fields[f] = struct{}{}
	}

	for _, idx := range indexes {
		if !idx.Unique || idx.Partial || len(idx.Key) != len(fields) {
			continue
		}

		covered := true

		for _, k := range idx.Key {
			if _, ok := fields[k.Field]; !ok {
				covered = false
				break
			}
		}

		if covered {
			return true
		}
	}

	return false
}

// noUniqueIndex returns an error for targets without a suitable unique index.
func noUniqueIndex() error {
	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrMergeOnNoUniqueIndex,
		"Cannot find index to verify that join fields will be unique",
		"$merge (stage)",
	)
}
