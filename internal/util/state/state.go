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

// Package state stores docagg process state.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/FerretDB/docagg/internal/util/must"
)

// State represents docagg process state.
type State struct {
	UUID string `json:"uuid"`

	// ServerVersion is the version of the catalog backend (PostgreSQL or SQLite), if known.
	ServerVersion string `json:"-"`
}

// Provider provides access to docagg process state.
type Provider struct {
	filename string

	rw sync.RWMutex
	s  State
}

// NewProvider creates a new Provider that stores state in the given file.
//
// If filename is empty, then the state is not persisted.
func NewProvider(filename string) (*Provider, error) {
	p := &Provider{
		filename: filename,
	}

	if p.filename != "" {
		b, _ := os.ReadFile(p.filename)
		_ = json.Unmarshal(b, &p.s)
	}

	if _, err := uuid.Parse(p.s.UUID); err == nil {
		return p, nil
	}

	// all errors (missing file, invalid file permission, invalid JSON, etc)
	// are handled in the same way - by regenerating state

	p.s.UUID = must.NotFail(uuid.NewRandom()).String()

	if err := persist(&p.s, p.filename); err != nil {
		return nil, err
	}

	return p, nil
}

// Get returns a copy of the current process state.
//
// It is okay to call this function often.
// The caller should not cache result; Provider does everything needed itself.
func (p *Provider) Get() *State {
	p.rw.RLock()
	defer p.rw.RUnlock()

	s := p.s

	return &s
}

// Update calls the given function with the current state and stores the result.
func (p *Provider) Update(update func(s *State)) error {
	p.rw.Lock()
	defer p.rw.Unlock()

	update(&p.s)

	return persist(&p.s, p.filename)
}

// persist saves state to the given file.
//
// It exits immediately if filename is empty.
func persist(s *State, filename string) error {
	if filename == "" {
		return nil
	}

	b := must.NotFail(json.Marshal(s))

	if err := os.MkdirAll(filepath.Dir(filename), 0o777); err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := os.WriteFile(filename, b, 0o666); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}
