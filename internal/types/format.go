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
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FormatAnyValue formats value for error messages and logging in a shell-like syntax.
func FormatAnyValue(v any) string {
	switch v := v.(type) {
	case *Document:
		if v.Len() == 0 {
			return "{}"
		}

		var sb strings.Builder
		sb.WriteString("{ ")

		for i, k := range v.keys {
			if i > 0 {
				sb.WriteString(", ")
			}

			sb.WriteString(k)
			sb.WriteString(": ")
			sb.WriteString(FormatAnyValue(v.m[k]))
		}

		sb.WriteString(" }")

		return sb.String()

	case *Array:
		if v.Len() == 0 {
			return "[]"
		}

		parts := make([]string, len(v.s))
		for i, e := range v.s {
			parts[i] = FormatAnyValue(e)
		}

		return "[ " + strings.Join(parts, ", ") + " ]"

	case float64:
		switch {
		case math.IsNaN(v):
			return "nan.0"
		case math.IsInf(v, 1):
			return "inf.0"
		case math.IsInf(v, -1):
			return "-inf.0"
		case v == math.Trunc(v) && math.Abs(v) < 1e15:
			return strconv.FormatFloat(v, 'f', 1, 64)
		default:
			return strconv.FormatFloat(v, 'g', -1, 64)
		}

	case string:
		return strconv.Quote(v)

	case Binary:
		return fmt.Sprintf("BinData(%d, %X)", v.Subtype, v.B)

	case UndefinedType:
		return "undefined"

	case ObjectID:
		return "ObjectId('" + v.String() + "')"

	case bool:
		return strconv.FormatBool(v)

	case time.Time:
		return "new Date(" + strconv.FormatInt(v.UnixMilli(), 10) + ")"

	case NullType:
		return "null"

	case Regex:
		return "/" + v.Pattern + "/" + v.Options

	case int32:
		return strconv.FormatInt(int64(v), 10)

	case Timestamp:
		return fmt.Sprintf("Timestamp(%d, %d)", uint64(v)>>32, uint32(v))

	case int64:
		return "NumberLong(" + strconv.FormatInt(v, 10) + ")"

	case Decimal128:
		return "NumberDecimal(\"" + primitive.NewDecimal128(v.H, v.L).String() + "\")"

	default:
		return fmt.Sprintf("%v", v)
	}
}
