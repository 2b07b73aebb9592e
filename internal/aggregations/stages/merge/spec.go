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

package merge

import (
	"fmt"

	"github.com/FerretDB/docagg/internal/handlers/commonerrors"
	"github.com/FerretDB/docagg/internal/handlers/commonparams"
	"github.com/FerretDB/docagg/internal/types"
	"github.com/FerretDB/docagg/internal/util/must"
)

// WhenMatched is the action for source documents that have a matching target document.
type WhenMatched string

// WhenMatched values.
const (
	WhenMatchedReplace      WhenMatched = "replace"
	WhenMatchedKeepExisting WhenMatched = "keepExisting"
	WhenMatchedFail         WhenMatched = "fail"

	// Not supported.
	WhenMatchedMerge    WhenMatched = "merge"
	WhenMatchedPipeline WhenMatched = "pipeline"
)

// WhenNotMatched is the action for source documents without a matching target document.
type WhenNotMatched string

// WhenNotMatched values.
const (
	WhenNotMatchedInsert  WhenNotMatched = "insert"
	WhenNotMatchedDiscard WhenNotMatched = "discard"
	WhenNotMatchedFail    WhenNotMatched = "fail"
)

// Spec is a parsed $merge stage.
type Spec struct {
	TargetDatabase   string
	TargetCollection string

	// On is a non-empty list of distinct field names.
	On []string

	WhenMatched    WhenMatched
	WhenNotMatched WhenNotMatched
}

// Parse parses the value of the $merge stage.
//
// It is either a target collection name or a document with into, on, whenMatched,
// whenNotMatched, and let fields.
// Target database defaults to sourceDB.
func Parse(v any, sourceDB string) (*Spec, error) {
	spec := &Spec{
		TargetDatabase: sourceDB,
		On:             []string{"_id"},
		WhenMatched:    WhenMatchedMerge,
		WhenNotMatched: WhenNotMatchedInsert,
	}

	switch v := v.(type) {
	case string:
		if err := spec.setTarget(sourceDB, v); err != nil {
			return nil, err
		}

	case *types.Document:
		if err := spec.parseDocument(v); err != nil {
			return nil, err
		}

	default:
		return nil, commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			fmt.Sprintf("$merge only supports a string or object argument, but found %s", commonparams.AliasFromType(v)),
			"$merge (stage)",
		)
	}

	if err := spec.check(); err != nil {
		return nil, err
	}

	return spec, nil
}

// parseDocument parses the document form of the stage.
func (spec *Spec) parseDocument(doc *types.Document) error {
	if !doc.Has("into") {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrFailedToParse,
			"BSON field '$merge.into' is missing but a required field",
			"$merge (stage)",
		)
	}

	for _, k := range doc.Keys() {
		v := must.NotFail(doc.Get(k))

		var err error

		switch k {
		case "into":
			err = spec.parseInto(v)
		case "on":
			err = spec.parseOn(v)
		case "whenMatched":
			err = spec.parseWhenMatched(v)
		case "whenNotMatched":
			err = spec.parseWhenNotMatched(v)
		case "let":
			err = commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrNotImplemented,
				"$merge 'let' is not supported yet",
				"$merge (stage)",
			)
		default:
			err = commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrFailedToParseInput,
				fmt.Sprintf("BSON field '$merge.%s' is an unknown field.", k),
				"$merge (stage)",
			)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// parseInto parses the into field.
func (spec *Spec) parseInto(v any) error {
	switch v := v.(type) {
	case string:
		return spec.setTarget(spec.TargetDatabase, v)

	case *types.Document:
		db := spec.TargetDatabase
		var coll string

		for _, k := range v.Keys() {
			f := must.NotFail(v.Get(k))

			if k != "db" && k != "coll" {
				return commonerrors.NewCommandErrorMsgWithArgument(
					commonerrors.ErrFailedToParseInput,
					fmt.Sprintf("BSON field 'into.%s' is an unknown field.", k),
					"$merge (stage)",
				)
			}

			s, ok := f.(string)
			if !ok {
				return commonerrors.NewCommandErrorMsgWithArgument(
					commonerrors.ErrTypeMismatch,
					fmt.Sprintf(
						"BSON field 'into.%s' is the wrong type '%s', expected type 'string'",
						k, commonparams.AliasFromType(f),
					),
					"$merge (stage)",
				)
			}

			if k == "db" {
				db = s
			} else {
				coll = s
			}
		}

		return spec.setTarget(db, coll)

	default:
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrMergeIntoInvalidType,
			fmt.Sprintf(
				"$merge 'into' field  must be either a string or an object, but found %s",
				commonparams.AliasFromType(v),
			),
			"$merge (stage)",
		)
	}
}

// setTarget sets the target namespace, checking that both parts are not empty.
func (spec *Spec) setTarget(db, coll string) error {
	if db == "" || coll == "" {
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrInvalidNamespace,
			fmt.Sprintf("Invalid $merge :: caused by :: Invalid namespace specified '%s.%s'", db, coll),
			"$merge (stage)",
		)
	}

	spec.TargetDatabase = db
	spec.TargetCollection = coll

	return nil
}

// parseOn parses the on field.
func (spec *Spec) parseOn(v any) error {
	switch v := v.(type) {
	case string:
		spec.On = []string{v}
		return nil

	case *types.Array:
		if v.Len() == 0 {
			return commonerrors.NewCommandErrorMsgWithArgument(
				commonerrors.ErrMergeOnEmpty,
				"If explicitly specifying $merge 'on', must include at least one field",
				"$merge (stage)",
			)
		}

		on := make([]string, 0, v.Len())
		seen := make(map[string]struct{}, v.Len())

		for _, f := range v.Values() {
			s, ok := f.(string)
			if !ok {
				return commonerrors.NewCommandErrorMsgWithArgument(
					commonerrors.ErrMergeOnInvalidFieldType,
					fmt.Sprintf(
						"Array passed to $merge 'on' field must only contain strings, but found %s",
						commonparams.AliasFromType(f),
					),
					"$merge (stage)",
				)
			}

			if _, ok = seen[s]; ok {
				return commonerrors.NewCommandErrorMsgWithArgument(
					commonerrors.ErrMergeOnDuplicateField,
					fmt.Sprintf("Found a duplicate field '%s'", s),
					"$merge (stage)",
				)
			}

			seen[s] = struct{}{}
			on = append(on, s)
		}

		spec.On = on

		return nil

	default:
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrMergeOnInvalidType,
			fmt.Sprintf(
				"$merge 'on' field must be either a string or an array of strings, but found %s",
				commonparams.AliasFromType(v),
			),
			"$merge (stage)",
		)
	}
}

// parseWhenMatched parses the whenMatched field.
func (spec *Spec) parseWhenMatched(v any) error {
	switch v := v.(type) {
	case string:
		switch m := WhenMatched(v); m {
		case WhenMatchedReplace, WhenMatchedKeepExisting, WhenMatchedFail, WhenMatchedMerge:
			spec.WhenMatched = m
			return nil
		default:
			return invalidEnum("whenMatched", v)
		}

	case *types.Array:
		spec.WhenMatched = WhenMatchedPipeline
		return nil

	default:
		return wrongType("whenMatched", v)
	}
}

// parseWhenNotMatched parses the whenNotMatched field.
func (spec *Spec) parseWhenNotMatched(v any) error {
	s, ok := v.(string)
	if !ok {
		return wrongType("whenNotMatched", v)
	}

	switch m := WhenNotMatched(s); m {
	case WhenNotMatchedInsert, WhenNotMatchedDiscard, WhenNotMatchedFail:
		spec.WhenNotMatched = m
		return nil
	default:
		return invalidEnum("whenNotMatched", s)
	}
}

// check rejects valid but not supported combinations.
func (spec *Spec) check() error {
	switch spec.WhenMatched {
	case WhenMatchedReplace, WhenMatchedKeepExisting, WhenMatchedFail:
		return nil
	case WhenMatchedMerge, WhenMatchedPipeline:
		return commonerrors.NewCommandErrorMsgWithArgument(
			commonerrors.ErrNotImplemented,
			fmt.Sprintf("$merge 'whenMatched' mode '%s' is not supported yet", spec.WhenMatched),
			"$merge (stage)",
		)
	default:
		panic(fmt.Sprintf("unexpected whenMatched %q", spec.WhenMatched))
	}
}

// invalidEnum returns an error for unknown string values of the field.
func invalidEnum(field, v string) error {
	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrBadValue,
		fmt.Sprintf("Enumeration value '%s' for field '%s' is not a valid value.", v, field),
		"$merge (stage)",
	)
}

// wrongType returns an error for values of the field with unexpected types.
func wrongType(field string, v any) error {
	return commonerrors.NewCommandErrorMsgWithArgument(
		commonerrors.ErrTypeMismatch,
		fmt.Sprintf("BSON field '$merge.%s' is the wrong type '%s', expected type 'string'", field, commonparams.AliasFromType(v)),
		"$merge (stage)",
	)
}

// Marshal returns the canonical document form of the stage value.
//
// Parsing the result with any source database returns an equal Spec.
func (spec *Spec) Marshal() *types.Document {
	on := types.MakeArray(len(spec.On))
	for _, f := range spec.On {
		must.NoError(on.Append(f))
	}

	return must.NotFail(types.NewDocument(
		"into", must.NotFail(types.NewDocument(
			"db", spec.TargetDatabase,
			"coll", spec.TargetCollection,
		)),
		"on", on,
		"whenMatched", string(spec.WhenMatched),
		"whenNotMatched", string(spec.WhenNotMatched),
	))
}
