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

package transaction_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/cache"
	"github.com/condaforge/condacore/extract"
	"github.com/condaforge/condacore/fetch"
	"github.com/condaforge/condacore/history"
	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/prefixdata"
	"github.com/condaforge/condacore/transaction"
	"github.com/condaforge/condacore/version"
)

func preSeedExtractedTree(t *testing.T, cacheDir string, pkg pkginfo.PackageInfo) {
	t.Helper()
	dir := filepath.Join(cacheDir, pkg.Dist())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "info"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.txt"), []byte("hi"), 0o644))

	doc := map[string]any{"paths_version": 1, "paths": []map[string]any{
		{"_path": "lib.txt", "path_type": "hardlink"},
	}}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "info", "paths.json"), b, 0o644))

	require.NoError(t, cache.WriteRepodataRecord(dir, pkg))
}

func TestRunInstallsPackageFromCacheAndAppendsHistory(t *testing.T) {
	prefix := t.TempDir()
	cacheDir := t.TempDir()

	pkg := pkginfo.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0", Subdir: "linux-64"}
	preSeedExtractedTree(t, cacheDir, pkg)

	plan := transaction.Plan{
		Ops:    []transaction.Op{{Kind: transaction.OpInstall, New: pkg}},
		ToLink: []pkginfo.PackageInfo{pkg},
	}
	opts := transaction.Options{
		Prefix:  prefix,
		Cache:   cache.New([]string{cacheDir}),
		Fetch:   fetch.New(),
		Extract: extract.New(1),
		Cmd:     "condacore install foo",
	}

	require.NoError(t, transaction.Run(context.Background(), plan, opts))

	got, err := os.ReadFile(filepath.Join(prefix, "lib.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))

	pd, err := prefixdata.Load(prefix)
	require.NoError(t, err)
	_, ok := pd.Get("foo")
	assert.True(t, ok)

	entries, err := history.Entries(filepath.Join(prefix, prefixdata.MetaDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"foo-1.0-0"}, entries[0].LinkDists)
}

func TestRunDownloadOnlySkipsLinking(t *testing.T) {
	prefix := t.TempDir()
	cacheDir := t.TempDir()

	pkg := pkginfo.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0", Subdir: "linux-64"}
	preSeedExtractedTree(t, cacheDir, pkg)

	plan := transaction.Plan{
		Ops:    []transaction.Op{{Kind: transaction.OpInstall, New: pkg}},
		ToLink: []pkginfo.PackageInfo{pkg},
	}
	opts := transaction.Options{
		Prefix: prefix, Cache: cache.New([]string{cacheDir}),
		Fetch: fetch.New(), Extract: extract.New(1), DownloadOnly: true,
	}

	require.NoError(t, transaction.Run(context.Background(), plan, opts))

	_, err := os.Stat(filepath.Join(prefix, "lib.txt"))
	assert.True(t, os.IsNotExist(err))
}
