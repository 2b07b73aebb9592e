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
	"unicode/utf8"
)

// ValidationErrorCode represents ValidateData error code.
type ValidationErrorCode int

const (
	// ErrValidation indicates that document is invalid.
	ErrValidation ValidationErrorCode = iota + 1

	// ErrWrongIDType indicates that _id field is invalid.
	ErrWrongIDType

	// ErrIDNotFound indicates that _id field is not found.
	ErrIDNotFound
)

// ValidationError describes an error that could occur when validating a document.
type ValidationError struct {
	code   ValidationErrorCode
	reason error
}

// newValidationError creates a new ValidationError.
func newValidationError(code ValidationErrorCode, reason error) error {
	return &ValidationError{reason: reason, code: code}
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.reason.Error()
}

// Code returns the ValidationError code.
func (e *ValidationError) Code() ValidationErrorCode {
	return e.code
}

// ValidateData checks if the document represents a valid "data document" that could be written
// to a collection.
// It places `_id` field into the first position.
// If the document is not valid it returns *ValidationError.
func (d *Document) ValidateData() error {
	d.MoveIDToFront()

	id, err := d.Get("_id")
	if err != nil {
		return newValidationError(ErrIDNotFound, fmt.Errorf("invalid document: _id field not found"))
	}

	if err = ValidateID(id); err != nil {
		return err
	}

	return validateFields(d)
}

// ValidateID checks that the given value could be used as a document's `_id`.
//
// Arrays (including arrays nested in documents) and regular expressions are not allowed.
func ValidateID(id any) error {
	switch id := id.(type) {
	case *Array:
		return newValidationError(ErrWrongIDType, fmt.Errorf("The '_id' value cannot be of type array"))

	case Regex:
		return newValidationError(ErrWrongIDType, fmt.Errorf("The '_id' value cannot be of type regex"))

	case *Document:
		if hasArray(id) {
			return newValidationError(
				ErrWrongIDType,
				fmt.Errorf("The '_id' value cannot contain an array: %s", FormatAnyValue(id)),
			)
		}
	}

	return nil
}

// hasArray returns true if the document has an array at any depth.
func hasArray(d *Document) bool {
	for _, v := range d.m {
		switch v := v.(type) {
		case *Array:
			return true
		case *Document:
			if hasArray(v) {
				return true
			}
		}
	}

	return false
}

// validateFields checks keys of the document and all nested documents.
func validateFields(d *Document) error {
	for _, key := range d.keys {
		if !utf8.ValidString(key) {
			return newValidationError(ErrValidation, fmt.Errorf("invalid key: %q (not a valid UTF-8 string)", key))
		}

		switch v := d.m[key].(type) {
		case *Document:
			if err := validateFields(v); err != nil {
				return err
			}

		case *Array:
			for _, e := range v.s {
				if e, ok := e.(*Document); ok {
					if err := validateFields(e); err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}
