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

package matchspec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/matchspec"
	"github.com/condaforge/condacore/version"
)

func TestParseNameOnly(t *testing.T) {
	m, err := matchspec.Parse("numpy")
	require.NoError(t, err)
	assert.Equal(t, "numpy", m.Name)
	assert.True(t, m.Version.IsZero())
}

func TestParseChannelAndVersionRange(t *testing.T) {
	m, err := matchspec.Parse("conda-forge::numpy>=1.20,<2.0")
	require.NoError(t, err)
	assert.Equal(t, "conda-forge", m.Channel)
	assert.Equal(t, "numpy", m.Name)
	assert.True(t, m.Version.Satisfies(version.MustParse("1.21")))
	assert.False(t, m.Version.Satisfies(version.MustParse("2.0")))
	assert.False(t, m.Version.Satisfies(version.MustParse("1.19")))
}

func TestParseSingleEqualsIsVersionNotBuild(t *testing.T) {
	m, err := matchspec.Parse("foo=1.0")
	require.NoError(t, err)
	assert.Equal(t, "foo", m.Name)
	assert.Equal(t, "", m.Build)
	assert.True(t, m.Version.Satisfies(version.MustParse("1.0")))
	assert.False(t, m.Version.Satisfies(version.MustParse("1.0.1")))
}

func TestParseBuildString(t *testing.T) {
	m, err := matchspec.Parse("python=3.11=h1234_0")
	require.NoError(t, err)
	assert.Equal(t, "python", m.Name)
	assert.True(t, m.BuildMatches("h1234_0"))
	assert.False(t, m.BuildMatches("other"))
}

func TestParseBracketKV(t *testing.T) {
	m, err := matchspec.Parse("numpy[version=1.20,sha256=abc123,subdir=linux-64]")
	require.NoError(t, err)
	assert.Equal(t, "numpy", m.Name)
	assert.Equal(t, "abc123", m.SHA256)
	assert.Equal(t, "linux-64", m.Subdir)
	assert.True(t, m.Version.Satisfies(version.MustParse("1.20")))
}

func TestParseGlobVersion(t *testing.T) {
	m, err := matchspec.Parse("numpy 1.*")
	require.NoError(t, err)
	assert.True(t, m.Version.Satisfies(version.MustParse("1.20")))
	assert.False(t, m.Version.Satisfies(version.MustParse("2.0")))
}

func TestRoundTripRaw(t *testing.T) {
	raw := "conda-forge::numpy>=1.20,<2.0"
	m, err := matchspec.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, m.String())
}

func TestParseExplicitURL(t *testing.T) {
	u, err := matchspec.ParseExplicitURL("https://host/ch/linux-64/pkg-1.0-0.tar.bz2#sha256:abcd")
	require.NoError(t, err)
	assert.Equal(t, "https://host/ch/linux-64/pkg-1.0-0.tar.bz2", u.URL)
	assert.Equal(t, "abcd", u.SHA256)

	u2, err := matchspec.ParseExplicitURL("https://host/ch/linux-64/pkg-1.0-0.tar.bz2#deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", u2.MD5)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := matchspec.Parse("")
	require.Error(t, err)
}

func TestParseRejectsUnterminatedBracket(t *testing.T) {
	_, err := matchspec.Parse("numpy[version=1.20")
	require.Error(t, err)
}
