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
	"regexp"
	"strings"
	"unicode/utf8"
)

// ReservedPrefix is reserved for internal database and collection names.
const ReservedPrefix = "_docagg_"

var (
	databaseNameRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,63}$`)
	collectionNameRe = regexp.MustCompile("^[^.$\x00][^$\x00]{0,234}$")
)

// ValidateDatabaseName returns ErrorCodeDatabaseNameIsInvalid if the name
// can't be used for a database (and its schema or file) by any catalog.
func ValidateDatabaseName(name string) error {
	if databaseNameRe.MatchString(name) && !strings.HasPrefix(name, ReservedPrefix) {
		return nil
	}

	return NewError(ErrorCodeDatabaseNameIsInvalid, nil)
}

// ValidateCollectionName returns ErrorCodeCollectionNameIsInvalid if the name
// can't be used for a collection.
//
// Names are UTF-8, can't start with '.', and can't use reserved or "system." prefixes.
func ValidateCollectionName(name string) error {
	switch {
	case !collectionNameRe.MatchString(name):
	case !utf8.ValidString(name):
	case strings.HasPrefix(name, ReservedPrefix), strings.HasPrefix(name, "system."):
	default:
		return nil
	}

	return NewError(ErrorCodeCollectionNameIsInvalid, nil)
}
