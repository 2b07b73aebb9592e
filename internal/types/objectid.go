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
	"encoding/hex"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ObjectIDLen is an ObjectID length in bytes.
const ObjectIDLen = 12

// ObjectID represents BSON type ObjectID.
//
// Normally, it is generated by the server or by the driver.
type ObjectID [ObjectIDLen]byte

// NewObjectID returns a new ObjectID with the current time and process-unique counter.
func NewObjectID() ObjectID {
	return ObjectID(primitive.NewObjectID())
}

// String returns the hex encoding of the ObjectID.
func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}
