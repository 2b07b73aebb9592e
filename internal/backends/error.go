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
	"errors"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/FerretDB/docagg/internal/util/debugbuild"
)

// ErrorCode represent a catalog error code.
type ErrorCode int

// Error codes.
const (
	_ ErrorCode = iota

	ErrorCodeDatabaseNameIsInvalid
	ErrorCodeCollectionNameIsInvalid
	ErrorCodeCollectionDoesNotExist
	ErrorCodeCollectionAlreadyExists
	ErrorCodeInsertDuplicateID
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeDatabaseNameIsInvalid:   "ErrorCodeDatabaseNameIsInvalid",
	ErrorCodeCollectionNameIsInvalid: "ErrorCodeCollectionNameIsInvalid",
	ErrorCodeCollectionDoesNotExist:  "ErrorCodeCollectionDoesNotExist",
	ErrorCodeCollectionAlreadyExists: "ErrorCodeCollectionAlreadyExists",
	ErrorCodeInsertDuplicateID:       "ErrorCodeInsertDuplicateID",
}

// String implements [fmt.Stringer].
func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}

	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is returned by Catalog methods for conditions callers are expected to handle.
//
// Other failures are returned as opaque errors.
type Error struct {
	code ErrorCode

	// cause is kept only for the error message; it may be nil
	cause error
}

// NewError creates a new catalog error.
//
// Code must not be 0. Cause may be nil.
func NewError(code ErrorCode, cause error) *Error {
	if code == 0 {
		panic("backends.NewError: code must not be 0")
	}

	return &Error{code: code, cause: cause}
}

// Code returns the error code.
func (err *Error) Code() ErrorCode {
	return err.code
}

// Error implements error interface.
func (err *Error) Error() string {
	return fmt.Sprintf("%s: %v", err.code, err.cause)
}

// ErrorCodeIs returns true if err is *Error with one of the given error codes.
//
// Error chain is not inspected: catalog errors are never wrapped.
func ErrorCodeIs(err error, code ErrorCode, codes ...ErrorCode) bool {
	e, ok := err.(*Error) //nolint:errorlint // do not inspect error chain
	if !ok {
		return false
	}

	return e.code == code || slices.Contains(codes, e.code)
}

// CheckError panics in debug builds if err is a wrapped *Error
// or *Error with a code other than the given ones.
//
// It does nothing in non-debug builds.
func CheckError(err error, codes ...ErrorCode) {
	if !debugbuild.Enabled || err == nil {
		return
	}

	var e *Error

	switch {
	case !errors.As(err, &e):
		return
	case e != err: //nolint:errorlint // comparing with the unwrapped value
		panic(fmt.Sprintf("error should not be wrapped: %v", err))
	case !slices.Contains(codes, e.code):
		panic(fmt.Sprintf("error code is not in %v: %v", codes, err))
	}
}

// check interfaces
var (
	_ error = (*Error)(nil)
)
