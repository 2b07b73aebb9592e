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

// Package types provides Go types matching BSON types that don't have built-in Go equivalents.
//
// All BSON types have two representations in docagg:
//
//  1. As they are used in "business logic" (aggregation stages, window functions) - `types` package.
//  2. As they are encoded on the wire and in storage - `bson` package (backed by the MongoDB Go driver).
//
// # Mapping
//
// Composite types (passed by pointers)
//
//	*types.Document  Document
//	*types.Array     Array
//
// Scalar types (passed by values)
//
//	float64            64-bit binary floating point
//	string             UTF-8 string
//	types.Binary       Binary data
//	types.UndefinedType Undefined (deprecated, accepted only on input)
//	types.ObjectID     ObjectId
//	bool               Boolean
//	time.Time          UTC datetime
//	types.NullType     Null
//	types.Regex        Regular expression
//	int32              32-bit integer
//	types.Timestamp    Timestamp
//	int64              64-bit integer
//	types.Decimal128   128-bit IEEE 754-2008 decimal floating point
package types

import (
	"fmt"
	"time"
)

// MaxDocumentLen is the maximum BSON object size.
const MaxDocumentLen = 16 * 1024 * 1024

// ScalarType represents scalar type.
type ScalarType interface {
	float64 | string | Binary | UndefinedType | ObjectID | bool | time.Time | NullType | Regex |
		int32 | Timestamp | int64 | Decimal128
}

// CompositeType represents composite type - *Document or *Array.
type CompositeType interface {
	*Document | *Array
}

// Type represents any BSON type (scalar or composite).
type Type interface {
	ScalarType | CompositeType
}

type (
	// Timestamp represents BSON type Timestamp.
	Timestamp uint64

	// NullType represents BSON type Null.
	//
	// Most callers should use types.Null value instead.
	NullType struct{}

	// UndefinedType represents deprecated BSON type Undefined.
	UndefinedType struct{}

	// Decimal128 represents BSON type Decimal128 as its high and low 64-bit halves.
	//
	// Arithmetic is provided by the numeric package.
	Decimal128 struct {
		H uint64
		L uint64
	}

	// Binary represents BSON type Binary.
	Binary struct {
		Subtype byte
		B       []byte
	}

	// Regex represents BSON type Regex.
	Regex struct {
		Pattern string
		Options string
	}
)

// Null represents BSON value Null.
var Null = NullType{}

// Undefined represents BSON value Undefined.
var Undefined = UndefinedType{}

// validateValue validates value.
func validateValue(value any) error {
	switch value := value.(type) {
	case *Document:
		return value.validate()
	case *Array:
		// It is impossible to construct invalid Array using exported function, methods, or type conversions,
		// so no need to revalidate it.
		return nil
	case float64, string, Binary, UndefinedType, ObjectID, bool, time.Time, NullType, Regex,
		int32, Timestamp, int64, Decimal128:
		return nil
	default:
		return fmt.Errorf("types.validateValue: unsupported type: %[1]T (%[1]v)", value)
	}
}

// deepCopy returns a deep copy of the given value.
func deepCopy(value any) any {
	if value == nil {
		panic("types.deepCopy: nil value")
	}

	switch value := value.(type) {
	case *Document:
		keys := make([]string, len(value.keys))
		copy(keys, value.keys)

		m := make(map[string]any, len(value.m))
		for k, v := range value.m {
			m[k] = deepCopy(v)
		}

		return &Document{
			keys: keys,
			m:    m,
		}

	case *Array:
		s := make([]any, len(value.s))
		for i, v := range value.s {
			s[i] = deepCopy(v)
		}

		return &Array{
			s: s,
		}

	case Binary:
		b := make([]byte, len(value.B))
		copy(b, value.B)

		return Binary{
			Subtype: value.Subtype,
			B:       b,
		}

	case float64, string, UndefinedType, ObjectID, bool, time.Time, NullType, Regex,
		int32, Timestamp, int64, Decimal128:
		return value

	default:
		panic(fmt.Sprintf("types.deepCopy: unsupported type: %[1]T (%[1]v)", value))
	}
}
