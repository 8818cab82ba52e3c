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

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRepodata = `{
  "info": {"subdir": "linux-64"},
  "packages": {
    "numpy-1.20.0-py39h1234_0.tar.bz2": {
      "name": "numpy",
      "version": "1.20.0",
      "build": "py39h1234_0",
      "build_number": 0,
      "depends": ["python >=3.9,<3.10"],
      "constrains": [],
      "subdir": "linux-64",
      "md5": "deadbeef",
      "sha256": "abc123",
      "size": 1234,
      "timestamp": 1600000000000
    }
  },
  "packages.conda": {}
}`

func TestParseRepodata(t *testing.T) {
	pkgs, err := parseRepodata([]byte(sampleRepodata))
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "numpy", pkgs[0].Name)
	assert.Equal(t, "1.20.0", pkgs[0].Version.String())
	assert.Equal(t, "py39h1234_0", pkgs[0].BuildString)
	assert.Equal(t, []string{"python >=3.9,<3.10"}, pkgs[0].Depends)
}

func TestJSONRecordRoundTrip(t *testing.T) {
	pkgs, err := parseRepodata([]byte(sampleRepodata))
	require.NoError(t, err)

	b, err := JSONRecord(pkgs[0])
	require.NoError(t, err)

	reparsed, err := parseRepodata([]byte(`{"info":{},"packages":{"x":` + string(b) + `},"packages.conda":{}}`))
	require.NoError(t, err)
	require.Len(t, reparsed, 1)
	assert.Equal(t, pkgs[0].Name, reparsed[0].Name)
	assert.Equal(t, pkgs[0].Version.String(), reparsed[0].Version.String())
	assert.Equal(t, pkgs[0].Depends, reparsed[0].Depends)
}

func TestPrefersZstReProbesDaily(t *testing.T) {
	assert.True(t, prefersZst(State{}))
	assert.True(t, prefersZst(State{HasZst: HasZst{Value: false, LastChecked: 1}}))
}
