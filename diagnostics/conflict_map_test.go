// Copyright 2023 Chainguard, Inc.
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

package diagnostics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/condaforge/condacore/diagnostics"
)

func TestConflictMapSymmetric(t *testing.T) {
	m := diagnostics.NewConflictMap[string]()
	m.Add("a", "b")
	assert.True(t, m.InConflict("a", "b"))
	assert.True(t, m.InConflict("b", "a"))
}

func TestConflictMapSelfConflict(t *testing.T) {
	m := diagnostics.NewConflictMap[string]()
	m.Add("x", "x")
	assert.True(t, m.InConflict("x", "x"))
	assert.True(t, m.HasConflict("x"))
}

func TestConflictMapRemoveAll(t *testing.T) {
	m := diagnostics.NewConflictMap[string]()
	m.Add("a", "b")
	m.Add("a", "c")
	m.RemoveAll("a")
	assert.False(t, m.HasConflict("a"))
	assert.False(t, m.InConflict("a", "b"))
	assert.False(t, m.InConflict("b", "a"))
	assert.False(t, m.InConflict("a", "c"))
}

func TestConflictMapRemoveSingleEdge(t *testing.T) {
	m := diagnostics.NewConflictMap[string]()
	m.Add("a", "b")
	m.Add("a", "c")
	m.Remove("a", "b")
	assert.False(t, m.InConflict("a", "b"))
	assert.True(t, m.InConflict("a", "c"))
}

func TestConflictMapNoConflictByDefault(t *testing.T) {
	m := diagnostics.NewConflictMap[int]()
	assert.False(t, m.InConflict(1, 2))
	assert.False(t, m.HasConflict(1))
}
