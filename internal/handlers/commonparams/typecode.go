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

// Package commonparams contains helpers for describing parameters of stages and operators
// in error messages.
package commonparams

import (
	"fmt"
	"time"

	"github.com/FerretDB/docagg/internal/types"
)

// TypeCode represents BSON type codes.
type TypeCode int32

const (
	// TypeCodeDouble is a double type code.
	TypeCodeDouble = TypeCode(1)
	// TypeCodeString is a string type code.
	TypeCodeString = TypeCode(2)
	// TypeCodeObject is an object type code.
	TypeCodeObject = TypeCode(3)
	// TypeCodeArray is an array type code.
	TypeCodeArray = TypeCode(4)
	// TypeCodeBinData is a binary data type code.
	TypeCodeBinData = TypeCode(5)
	// TypeCodeUndefined is an undefined type code.
	TypeCodeUndefined = TypeCode(6)
	// TypeCodeObjectID is an object id type code.
	TypeCodeObjectID = TypeCode(7)
	// TypeCodeBool is a boolean type code.
	TypeCodeBool = TypeCode(8)
	// TypeCodeDate is a date type code.
	TypeCodeDate = TypeCode(9)
	// TypeCodeNull is a null type code.
	TypeCodeNull = TypeCode(10)
	// TypeCodeRegex is a regex type code.
	TypeCodeRegex = TypeCode(11)
	// TypeCodeInt is an int type code.
	TypeCodeInt = TypeCode(16)
	// TypeCodeTimestamp is a timestamp type code.
	TypeCodeTimestamp = TypeCode(17)
	// TypeCodeLong is a long type code.
	TypeCodeLong = TypeCode(18)
	// TypeCodeDecimal is a decimal type code.
	TypeCodeDecimal = TypeCode(19)
)

// String returns the type alias used in error messages.
func (c TypeCode) String() string {
	switch c {
	case TypeCodeDouble:
		return "double"
	case TypeCodeString:
		return "string"
	case TypeCodeObject:
		return "object"
	case TypeCodeArray:
		return "array"
	case TypeCodeBinData:
		return "binData"
	case TypeCodeUndefined:
		return "undefined"
	case TypeCodeObjectID:
		return "objectId"
	case TypeCodeBool:
		return "bool"
	case TypeCodeDate:
		return "date"
	case TypeCodeNull:
		return "null"
	case TypeCodeRegex:
		return "regex"
	case TypeCodeInt:
		return "int"
	case TypeCodeTimestamp:
		return "timestamp"
	case TypeCodeLong:
		return "long"
	case TypeCodeDecimal:
		return "decimal"
	default:
		return fmt.Sprintf("TypeCode(%d)", int32(c))
	}
}

// TypeCodeOf returns the type code of the given value.
//
// It panics for values of unsupported types.
func TypeCodeOf(v any) TypeCode {
	switch v := v.(type) {
	case *types.Document:
		return TypeCodeObject
	case *types.Array:
		return TypeCodeArray
	case float64:
		return TypeCodeDouble
	case string:
		return TypeCodeString
	case types.Binary:
		return TypeCodeBinData
	case types.UndefinedType:
		return TypeCodeUndefined
	case types.ObjectID:
		return TypeCodeObjectID
	case bool:
		return TypeCodeBool
	case time.Time:
		return TypeCodeDate
	case types.NullType:
		return TypeCodeNull
	case types.Regex:
		return TypeCodeRegex
	case int32:
		return TypeCodeInt
	case types.Timestamp:
		return TypeCodeTimestamp
	case int64:
		return TypeCodeLong
	case types.Decimal128:
		return TypeCodeDecimal
	default:
		panic(fmt.Sprintf("not supported type %T", v))
	}
}

// AliasFromType returns type alias name for given value.
func AliasFromType(v any) string {
	return TypeCodeOf(v).String()
}
