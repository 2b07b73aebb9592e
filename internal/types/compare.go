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

package types

import (
	"bytes"
	"math"
	"math/big"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CompareResult represents the result of a comparison.
type CompareResult int8

// Values match results of comparison functions such as bytes.Compare.
const (
	Equal   CompareResult = 0  // ==
	Less    CompareResult = -1 // <
	Greater CompareResult = 1  // >
)

// sortOrder returns the BSON comparison order of the value's type.
//
// Numbers of all types share the same order; Undefined sorts together with Null.
func sortOrder(v any) int {
	switch v.(type) {
	case NullType, UndefinedType:
		return 1
	case float64, int32, int64, Decimal128:
		return 2
	case string:
		return 3
	case *Document:
		return 4
	case *Array:
		return 5
	case Binary:
		return 6
	case ObjectID:
		return 7
	case bool:
		return 8
	case time.Time:
		return 9
	case Timestamp:
		return 10
	case Regex:
		return 11
	default:
		panic("types.sortOrder: unexpected type")
	}
}

// Compare compares two BSON values the way unique indexes do.
//
// Numbers of different types are compared by value, so int32(1), int64(1), 1.0,
// and Decimal128 "1.0" are all equal. NaN values are equal to each other and less than any other number.
func Compare(a, b any) CompareResult {
	if oa, ob := sortOrder(a), sortOrder(b); oa != ob {
		return compareOrdered(oa, ob)
	}

	switch a := a.(type) {
	case NullType, UndefinedType:
		return Equal

	case float64, int32, int64, Decimal128:
		return compareNumbers(a, b)

	case string:
		return CompareResult(strings.Compare(a, b.(string)))

	case *Document:
		return compareDocuments(a, b.(*Document))

	case *Array:
		return compareArrays(a, b.(*Array))

	case Binary:
		b := b.(Binary)
		if r := compareOrdered(len(a.B), len(b.B)); r != Equal {
			return r
		}

		if r := compareOrdered(a.Subtype, b.Subtype); r != Equal {
			return r
		}

		return CompareResult(bytes.Compare(a.B, b.B))

	case ObjectID:
		b := b.(ObjectID)
		return CompareResult(bytes.Compare(a[:], b[:]))

	case bool:
		b := b.(bool)
		switch {
		case a == b:
			return Equal
		case b:
			return Less
		default:
			return Greater
		}

	case time.Time:
		return compareOrdered(a.UnixMilli(), b.(time.Time).UnixMilli())

	case Timestamp:
		return compareOrdered(a, b.(Timestamp))

	case Regex:
		b := b.(Regex)
		if r := CompareResult(strings.Compare(a.Pattern, b.Pattern)); r != Equal {
			return r
		}

		return CompareResult(strings.Compare(a.Options, b.Options))

	default:
		panic("types.Compare: unexpected type")
	}
}

// compareOrdered compares two ordered values.
func compareOrdered[T int | int64 | uint64 | byte | Timestamp](a, b T) CompareResult {
	switch {
	case a < b:
		return Less
	case a > b:
		return Greater
	default:
		return Equal
	}
}

// compareDocuments compares documents field by field, names first, then values.
func compareDocuments(a, b *Document) CompareResult {
	ak, bk := a.Keys(), b.Keys()

	for i := 0; i < len(ak) && i < len(bk); i++ {
		av, bv := a.m[ak[i]], b.m[bk[i]]

		if r := compareOrdered(sortOrder(av), sortOrder(bv)); r != Equal {
			return r
		}

		if r := CompareResult(strings.Compare(ak[i], bk[i])); r != Equal {
			return r
		}

		if r := Compare(av, bv); r != Equal {
			return r
		}
	}

	return compareOrdered(len(ak), len(bk))
}

// compareArrays compares arrays element by element.
func compareArrays(a, b *Array) CompareResult {
	for i := 0; i < len(a.s) && i < len(b.s); i++ {
		if r := Compare(a.s[i], b.s[i]); r != Equal {
			return r
		}
	}

	return compareOrdered(len(a.s), len(b.s))
}

// compareNumbers compares two numbers of any numeric BSON type.
func compareNumbers(a, b any) CompareResult {
	af, aNaN := numberToBigFloat(a)
	bf, bNaN := numberToBigFloat(b)

	switch {
	case aNaN && bNaN:
		return Equal
	case aNaN:
		return Less
	case bNaN:
		return Greater
	}

	return CompareResult(af.Cmp(bf))
}

// numberToBigFloat converts a number to *big.Float; the second result is true for NaN.
func numberToBigFloat(v any) (*big.Float, bool) {
	switch v := v.(type) {
	case float64:
		if math.IsNaN(v) {
			return nil, true
		}

		return new(big.Float).SetFloat64(v), false

	case int32:
		return new(big.Float).SetInt64(int64(v)), false

	case int64:
		return new(big.Float).SetInt64(v), false

	case Decimal128:
		d := primitive.NewDecimal128(v.H, v.L)

		if d.IsNaN() {
			return nil, true
		}

		if inf := d.IsInf(); inf != 0 {
			return new(big.Float).SetInf(inf < 0), false
		}

		bi, exp, err := d.BigInt()
		if err != nil {
			return nil, true
		}

		f := new(big.Float).SetPrec(256).SetInt(bi)
		scale := new(big.Float).SetPrec(256).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(absInt(exp))), nil))

		if exp < 0 {
			return f.Quo(f, scale), false
		}

		return f.Mul(f, scale), false

	default:
		panic("types.numberToBigFloat: not a number")
	}
}

// absInt returns the absolute value of i.
func absInt(i int) int {
	if i < 0 {
		return -i
	}

	return i
}
