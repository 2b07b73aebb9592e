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

package commonerrors

// Kind classifies errors by the phase that produced them.
type Kind int

const (
	// KindInternal is an invariant violation or an arithmetic failure.
	KindInternal Kind = iota

	// KindParse is a malformed stage or operator specification.
	KindParse

	// KindUnsupported is a valid but not supported request.
	KindUnsupported

	// KindPrecondition is a request that can't run against the current catalog state.
	KindPrecondition

	// KindRuntime is a per-row failure during execution.
	KindRuntime
)

// String implements [fmt.Stringer].
func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "InternalError"
	case KindParse:
		return "ParseError"
	case KindUnsupported:
		return "UnsupportedError"
	case KindPrecondition:
		return "PreconditionError"
	case KindRuntime:
		return "RuntimeError"
	default:
		return "UnknownError"
	}
}

// Kind returns the kind of the error code.
func (c ErrorCode) Kind() Kind {
	switch c {
	case ErrBadValue, ErrFailedToParse, ErrTypeMismatch, ErrInvalidNamespace, ErrFailedToParseInput,
		ErrMergeOnDuplicateField, ErrMergeOnInvalidFieldType, ErrMergeIntoInvalidType,
		ErrMergeOnInvalidType, ErrMergeOnEmpty:
		return KindParse

	case ErrNotImplemented, ErrCommandNotSupportedOnView, ErrOperationNotSupportedInTransaction:
		return KindUnsupported

	case ErrNamespaceNotFound, ErrMergeOnNoUniqueIndex:
		return KindPrecondition

	case ErrDuplicateKey, ErrMergeStageNoMatchingDocument, ErrInvalidID, ErrBSONObjectTooLarge, ErrInvalidBSON,
		ErrNamespaceExists, ErrMergeOnInvalidSourceValue,
		ErrIntegralNumericUnit, ErrIntegralDateNoUnit, ErrIntegralNonNumericInput,
		ErrDerivativeNumericUnit, ErrDerivativeDateNoUnit, ErrDerivativeNonNumericInput:
		return KindRuntime

	default:
		return KindInternal
	}
}
