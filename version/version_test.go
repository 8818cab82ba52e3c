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

package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/version"
)

func TestCompareOrdering(t *testing.T) {
	// Each row must sort strictly before the next.
	ordered := []string{
		"1.0.dev0",
		"1.0a1",
		"1.0b1",
		"1.0rc1",
		"1.0",
		"1.0.1",
		"1.0.post1",
		"1.1",
		"2!1.0",
	}
	for i := 0; i < len(ordered)-1; i++ {
		lo := version.MustParse(ordered[i])
		hi := version.MustParse(ordered[i+1])
		assert.Truef(t, lo.Less(hi), "%s should sort before %s", ordered[i], ordered[i+1])
		assert.Falsef(t, hi.Less(lo), "%s should not sort before %s", ordered[i+1], ordered[i])
	}
}

func TestEqualAcrossTrailingZeros(t *testing.T) {
	a := version.MustParse("1.0")
	b := version.MustParse("1.0.0")
	assert.True(t, a.Equal(b))
	assert.Equal(t, 0, a.Compare(b))
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1.2.3", "1.2.3-r4", "2!1.0", "1.0_rc1", "1.0.post1"} {
		v, err := version.Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, v.String())
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := version.Parse("")
	require.Error(t, err)
}

func TestParseRejectsBadEpoch(t *testing.T) {
	_, err := version.Parse("x!1.0")
	require.Error(t, err)
}

func TestTotalOrderIsAntisymmetric(t *testing.T) {
	vs := []version.Version{
		version.MustParse("1.0"),
		version.MustParse("1.0.1"),
		version.MustParse("1.0a1"),
		version.MustParse("1!0.1"),
	}
	for _, a := range vs {
		for _, b := range vs {
			if a.Compare(b) < 0 {
				assert.Greater(t, b.Compare(a), 0)
			}
		}
	}
}
