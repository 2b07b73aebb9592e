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

// Package bson converts between docagg types and their BSON encoding.
//
// Encoding is done by the MongoDB Go driver; this package only maps its representation
// (bson.D, bson.A, primitive.*) to and from the types package.
package bson

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/lazyerrors"
)

// ToDriver converts a document to the driver's representation.
func ToDriver(doc *types.Document) (bson.D, error) {
	keys := doc.Keys()
	values := doc.Values()

	res := make(bson.D, len(keys))

	for i, k := range keys {
		v, err := toDriverValue(values[i])
		if err != nil {
			return nil, lazyerrors.Errorf("field %q: %w", k, err)
		}

		res[i] = bson.E{Key: k, Value: v}
	}

	return res, nil
}

// toDriverValue converts a single value to the driver's representation.
func toDriverValue(v any) (any, error) {
	switch v := v.(type) {
	case *types.Document:
		return ToDriver(v)

	case *types.Array:
		res := make(bson.A, v.Len())

		for i, e := range v.Values() {
			dv, err := toDriverValue(e)
			if err != nil {
				return nil, err
			}

			res[i] = dv
		}

		return res, nil

	case float64, string, bool, int32, int64:
		return v, nil

	case types.Binary:
		return primitive.Binary{Subtype: v.Subtype, Data: v.B}, nil

	case types.UndefinedType:
		return primitive.Undefined{}, nil

	case types.ObjectID:
		return primitive.ObjectID(v), nil

	case time.Time:
		return primitive.NewDateTimeFromTime(v), nil

	case types.NullType:
		return primitive.Null{}, nil

	case types.Regex:
		return primitive.Regex{Pattern: v.Pattern, Options: v.Options}, nil

	case types.Timestamp:
		return primitive.Timestamp{T: uint32(uint64(v) >> 32), I: uint32(v)}, nil

	case types.Decimal128:
		return primitive.NewDecimal128(v.H, v.L), nil

	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// FromDriver converts a driver's document to *types.Document.
func FromDriver(d bson.D) (*types.Document, error) {
	doc := types.MakeDocument(len(d))

	for _, e := range d {
		if doc.Has(e.Key) {
			return nil, lazyerrors.Errorf("duplicate field %q", e.Key)
		}

		v, err := fromDriverValue(e.Value)
		if err != nil {
			return nil, lazyerrors.Errorf("field %q: %w", e.Key, err)
		}

		if err = doc.Set(e.Key, v); err != nil {
			return nil, lazyerrors.Error(err)
		}
	}

	return doc, nil
}

// fromDriverValue converts a single driver's value.
func fromDriverValue(v any) (any, error) {
	switch v := v.(type) {
	case bson.D:
		return FromDriver(v)

	case bson.A:
		arr := types.MakeArray(len(v))

		for _, e := range v {
			tv, err := fromDriverValue(e)
			if err != nil {
				return nil, err
			}

			if err = arr.Append(tv); err != nil {
				return nil, lazyerrors.Error(err)
			}
		}

		return arr, nil

	case float64, string, bool, int32, int64:
		return v, nil

	case primitive.Binary:
		return types.Binary{Subtype: v.Subtype, B: v.Data}, nil

	case primitive.Undefined:
		return types.Undefined, nil

	case primitive.ObjectID:
		return types.ObjectID(v), nil

	case primitive.DateTime:
		return v.Time().UTC(), nil

	case nil, primitive.Null:
		return types.Null, nil

	case primitive.Regex:
		return types.Regex{Pattern: v.Pattern, Options: v.Options}, nil

	case primitive.Timestamp:
		return types.Timestamp(uint64(v.T)<<32 | uint64(v.I)), nil

	case primitive.Decimal128:
		h, l := v.GetBytes()
		return types.Decimal128{H: h, L: l}, nil

	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// Marshal encodes the document to BSON.
func Marshal(doc *types.Document) ([]byte, error) {
	d, err := ToDriver(doc)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	b, err := bson.Marshal(d)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return b, nil
}

// Unmarshal decodes BSON bytes to a document.
//
// It returns an error if the bytes are not a well-formed BSON document.
func Unmarshal(b []byte) (*types.Document, error) {
	if err := bson.Raw(b).Validate(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	var d bson.D
	if err := bson.Unmarshal(b, &d); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return FromDriver(d)
}

// Size returns the size of the document's BSON encoding in bytes.
func Size(doc *types.Document) (int, error) {
	b, err := Marshal(doc)
	if err != nil {
		return 0, err
	}

	return len(b), nil
}

// UnmarshalExtJSON decodes a document from MongoDB Extended JSON (canonical or relaxed).
func UnmarshalExtJSON(data []byte) (*types.Document, error) {
	var d bson.D
	if err := bson.UnmarshalExtJSON(data, false, &d); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return FromDriver(d)
}

// UnmarshalExtJSONArray decodes an array of documents from MongoDB Extended JSON.
func UnmarshalExtJSONArray(data []byte) ([]*types.Document, error) {
	var wrapper struct {
		Docs []bson.D `bson:"docs"`
	}

	b := make([]byte, 0, len(data)+10)
	b = append(b, `{"docs":`...)
	b = append(b, data...)
	b = append(b, '}')

	if err := bson.UnmarshalExtJSON(b, false, &wrapper); err != nil {
		return nil, lazyerrors.Error(err)
	}

	res := make([]*types.Document, len(wrapper.Docs))

	for i, d := range wrapper.Docs {
		doc, err := FromDriver(d)
		if err != nil {
			return nil, lazyerrors.Error(err)
		}

		res[i] = doc
	}

	return res, nil
}

// MarshalExtJSON encodes a value as relaxed MongoDB Extended JSON.
func MarshalExtJSON(v any) ([]byte, error) {
	dv, err := toDriverValue(v)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	// top-level values other than documents are wrapped
	if _, ok := dv.(bson.D); !ok {
		dv = bson.D{{Key: "v", Value: dv}}
	}

	b, err := bson.MarshalExtJSON(dv, false, false)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	return b, nil
}
