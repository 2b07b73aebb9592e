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

// Package commonerrors provides coded errors shared by aggregation stages and operators.
package commonerrors

import (
	"errors"
	"strconv"
)

// ErrorCode represents a MongoDB-compatible error code.
type ErrorCode int32

const (
	errUnset = ErrorCode(0) // Unset

	// ErrInternalError indicates an invariant violation or an unexpected failure.
	ErrInternalError = ErrorCode(1) // InternalError

	// ErrBadValue indicates wrong input.
	ErrBadValue = ErrorCode(2) // BadValue

	// ErrFailedToParse indicates user input parsing failure.
	ErrFailedToParse = ErrorCode(9) // FailedToParse

	// ErrTypeMismatch indicates that the value has an unexpected type.
	ErrTypeMismatch = ErrorCode(14) // TypeMismatch

	// ErrInvalidBSON indicates that the document is not a well-formed BSON document.
	ErrInvalidBSON = ErrorCode(22) // InvalidBSON

	// ErrNamespaceNotFound indicates that a collection is not found.
	ErrNamespaceNotFound = ErrorCode(26) // NamespaceNotFound

	// ErrNamespaceExists indicates that the collection already exists.
	ErrNamespaceExists = ErrorCode(48) // NamespaceExists

	// ErrInvalidID indicates that _id field is invalid.
	ErrInvalidID = ErrorCode(53) // InvalidID

	// ErrInvalidNamespace indicates that the collection name is invalid.
	ErrInvalidNamespace = ErrorCode(73) // InvalidNamespace

	// ErrCommandNotSupportedOnView indicates that the target is a view.
	ErrCommandNotSupportedOnView = ErrorCode(166) // CommandNotSupportedOnView

	// ErrNotImplemented indicates that a flag, stage, or mode is not implemented.
	ErrNotImplemented = ErrorCode(238) // NotImplemented

	// ErrOperationNotSupportedInTransaction indicates that the operation can't run inside a transaction.
	ErrOperationNotSupportedInTransaction = ErrorCode(263) // OperationNotSupportedInTransaction

	// ErrBSONObjectTooLarge indicates that the document exceeds the maximum BSON size.
	ErrBSONObjectTooLarge = ErrorCode(10334) // BSONObjectTooLarge

	// ErrDuplicateKey indicates duplicate key violation.
	ErrDuplicateKey = ErrorCode(11000) // Location11000

	// ErrMergeStageNoMatchingDocument indicates that  found no target document
	// with whenNotMatched: "fail".
	ErrMergeStageNoMatchingDocument = ErrorCode(13113) // MergeStageNoMatchingDocument

	// ErrMergeOnDuplicateField indicates that the  "on" field list contains duplicates.
	ErrMergeOnDuplicateField = ErrorCode(31465) // Location31465

	// ErrFailedToParseInput indicates an unknown field in the stage specification.
	ErrFailedToParseInput = ErrorCode(40415) // Location40415

	// ErrMergeOnInvalidSourceValue indicates that a source document's "on" field is missing,
	// null, undefined, or an array.
	ErrMergeOnInvalidSourceValue = ErrorCode(51132) // Location51132

	// ErrMergeOnInvalidFieldType indicates that an element of the  "on" array is not a string.
	ErrMergeOnInvalidFieldType = ErrorCode(51134) // Location51134

	// ErrMergeIntoInvalidType indicates that the  "into" field has an invalid type.
	ErrMergeIntoInvalidType = ErrorCode(51178) // Location51178

	// ErrMergeOnNoUniqueIndex indicates that no unique index covers the  "on" fields.
	ErrMergeOnNoUniqueIndex = ErrorCode(51183) // Location51183

	// ErrMergeOnInvalidType indicates that the  "on" field is neither a string nor an array.
	ErrMergeOnInvalidType = ErrorCode(51186) // Location51186

	// ErrMergeOnEmpty indicates that the  "on" array is empty.
	ErrMergeOnEmpty = ErrorCode(51187) // Location51187

	// ErrIntegralNumericUnit indicates that the sortBy value is numeric but a unit was given.
	ErrIntegralNumericUnit = ErrorCode(5423900) // Location5423900

	// ErrIntegralDateNoUnit indicates that the sortBy value is a date but no unit was given.
	ErrIntegralDateNoUnit = ErrorCode(5423901) // Location5423901

	// ErrIntegralNonNumericInput indicates that the  input is not a number.
	ErrIntegralNonNumericInput = ErrorCode(5423902) // Location5423902

	// ErrDerivativeNumericUnit indicates that the sortBy value is numeric but a unit was given.
	ErrDerivativeNumericUnit = ErrorCode(5624900) // Location5624900

	// ErrDerivativeDateNoUnit indicates that the sortBy value is a date but no unit was given.
	ErrDerivativeDateNoUnit = ErrorCode(5624901) // Location5624901

	// ErrDerivativeNonNumericInput indicates that the  input is not a number.
	ErrDerivativeNonNumericInput = ErrorCode(5624902) // Location5624902
)

// errorCodeNames maps codes to their names.
var errorCodeNames = map[ErrorCode]string{
	errUnset:                              "Unset",
	ErrInternalError:                      "InternalError",
	ErrBadValue:                           "BadValue",
	ErrFailedToParse:                      "FailedToParse",
	ErrTypeMismatch:                       "TypeMismatch",
	ErrInvalidBSON:                        "InvalidBSON",
	ErrNamespaceNotFound:                  "NamespaceNotFound",
	ErrNamespaceExists:                    "NamespaceExists",
	ErrInvalidID:                          "InvalidID",
	ErrInvalidNamespace:                   "InvalidNamespace",
	ErrCommandNotSupportedOnView:          "CommandNotSupportedOnView",
	ErrNotImplemented:                     "NotImplemented",
	ErrOperationNotSupportedInTransaction: "OperationNotSupportedInTransaction",
	ErrBSONObjectTooLarge:                 "BSONObjectTooLarge",
	ErrDuplicateKey:                       "Location11000",
	ErrMergeStageNoMatchingDocument:       "MergeStageNoMatchingDocument",
	ErrMergeOnDuplicateField:              "Location31465",
	ErrFailedToParseInput:                 "Location40415",
	ErrMergeOnInvalidSourceValue:          "Location51132",
	ErrMergeOnInvalidFieldType:            "Location51134",
	ErrMergeIntoInvalidType:               "Location51178",
	ErrMergeOnNoUniqueIndex:               "Location51183",
	ErrMergeOnInvalidType:                 "Location51186",
	ErrMergeOnEmpty:                       "Location51187",
	ErrIntegralNumericUnit:                "Location5423900",
	ErrIntegralDateNoUnit:                 "Location5423901",
	ErrIntegralNonNumericInput:            "Location5423902",
	ErrDerivativeNumericUnit:              "Location5624900",
	ErrDerivativeDateNoUnit:               "Location5624901",
	ErrDerivativeNonNumericInput:          "Location5624902",
}

// String implements [fmt.Stringer].
func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}

	return "ErrorCode(" + strconv.FormatInt(int64(c), 10) + ")"
}

// ProtocolError returns *CommandError from the error chain, if any.
func ProtocolError(err error) (*CommandError, bool) {
	if err == nil {
		return nil, false
	}

	var e *CommandError
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}

// CodeOf returns the error code of the first *CommandError in the chain,
// ErrInternalError for other non-nil errors, and errUnset for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return errUnset
	}

	if e, ok := ProtocolError(err); ok {
		return e.Code()
	}

	return ErrInternalError
}
