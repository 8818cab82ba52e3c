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

package prefixdata_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/prefixdata"
	"github.com/condaforge/condacore/version"
)

func TestLoadEmptyPrefix(t *testing.T) {
	pd, err := prefixdata.Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, pd.All())
}

func TestAddWritesCondaMetaRecord(t *testing.T) {
	prefix := t.TempDir()
	pd, err := prefixdata.Load(prefix)
	require.NoError(t, err)

	pkg := pkginfo.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0"}
	require.NoError(t, pd.Add(pkg))

	path := filepath.Join(prefix, prefixdata.MetaDir, "foo-1.0-0.json")
	_, err = os.Stat(path)
	require.NoError(t, err)

	reloaded, err := prefixdata.Load(prefix)
	require.NoError(t, err)
	got, ok := reloaded.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "1.0", got.Version.String())
}

func TestRemoveDeletesRecord(t *testing.T) {
	prefix := t.TempDir()
	pd, err := prefixdata.Load(prefix)
	require.NoError(t, err)
	require.NoError(t, pd.Add(pkginfo.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0"}))
	require.NoError(t, pd.Remove("foo"))

	_, ok := pd.Get("foo")
	assert.False(t, ok)

	path := filepath.Join(prefix, prefixdata.MetaDir, "foo-1.0-0.json")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

// TestTopoSortedOrdersDependenciesFirst checks spec.md §8 invariant 5.
func TestTopoSortedOrdersDependenciesFirst(t *testing.T) {
	prefix := t.TempDir()
	pd, err := prefixdata.Load(prefix)
	require.NoError(t, err)

	require.NoError(t, pd.Add(pkginfo.PackageInfo{Name: "dep", Version: version.MustParse("1.0"), BuildString: "0"}))
	require.NoError(t, pd.Add(pkginfo.PackageInfo{
		Name: "top", Version: version.MustParse("1.0"), BuildString: "0",
		Depends: []string{"dep>=1.0"},
	}))

	order, err := pd.TopoSorted()
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "dep", order[0].Name)
	assert.Equal(t, "top", order[1].Name)
}

func TestTopoSortedDetectsCycle(t *testing.T) {
	prefix := t.TempDir()
	pd, err := prefixdata.Load(prefix)
	require.NoError(t, err)

	require.NoError(t, pd.Add(pkginfo.PackageInfo{
		Name: "a", Version: version.MustParse("1.0"), BuildString: "0",
		Depends: []string{"b"},
	}))
	require.NoError(t, pd.Add(pkginfo.PackageInfo{
		Name: "b", Version: version.MustParse("1.0"), BuildString: "0",
		Depends: []string{"a"},
	}))

	_, err = pd.TopoSorted()
	require.Error(t, err)
}
