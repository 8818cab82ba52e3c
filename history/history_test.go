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

package history_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/history"
)

func TestAppendAndEntriesRoundTrip(t *testing.T) {
	dir := t.TempDir()

	req1 := history.UserRequest{
		Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Cmd:       "conda install foo",
		Specs:     []string{"foo"},
		LinkDists: []string{"foo-1.0-0"},
	}
	require.NoError(t, history.Append(dir, req1))

	req2 := history.UserRequest{
		Timestamp:   time.Date(2026, 1, 2, 8, 30, 0, 0, time.UTC),
		Cmd:         "conda remove foo",
		RemoveSpecs: []string{"foo"},
		UnlinkDists: []string{"foo-1.0-0"},
	}
	require.NoError(t, history.Append(dir, req2))

	entries, err := history.Entries(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "conda install foo", entries[0].Cmd)
	assert.Equal(t, []string{"foo"}, entries[0].Specs)
	assert.Equal(t, []string{"foo-1.0-0"}, entries[0].LinkDists)

	assert.Equal(t, "conda remove foo", entries[1].Cmd)
	assert.Equal(t, []string{"foo"}, entries[1].RemoveSpecs)
	assert.True(t, entries[1].Timestamp.After(entries[0].Timestamp))
}

func TestEntriesOnMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	entries, err := history.Entries(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
