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

// Package backends provides common interfaces and types for collection catalogs.
//
// # Design principles
//
//  1. A catalog resolves (database, collection) pairs to collection metadata
//     and lists collection indexes. It does not read or write documents;
//     that is done by executors of compiled query trees.
//  2. Catalog objects are stateful and safe for concurrent use.
//  3. Contexts are per-operation and should not be stored.
//  4. Errors returned by methods could be nil, *Error, or some other opaque error type.
//     *Error values can't be wrapped or be present anywhere in the error chain.
package backends
