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

package cache_test

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/cache"
	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/version"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestGetTarballPathValidatesSHA256(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello world")
	sum := sha256.Sum256(data)

	pkg := pkginfo.PackageInfo{
		Name: "foo", Version: version.MustParse("1.0"), BuildString: "0",
		Filename: "foo-1.0-0.tar.bz2", Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:]),
	}
	writeFile(t, filepath.Join(dir, pkg.Filename), data)

	c := cache.New([]string{dir})
	assert.Equal(t, filepath.Join(dir, pkg.Filename), c.GetTarballPath(pkg))
}

func TestGetTarballPathRejectsChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	pkg := pkginfo.PackageInfo{
		Name: "foo", Version: version.MustParse("1.0"), BuildString: "0",
		Filename: "foo-1.0-0.tar.bz2", SHA256: "deadbeef",
	}
	writeFile(t, filepath.Join(dir, pkg.Filename), []byte("not matching"))

	c := cache.New([]string{dir})
	assert.Equal(t, "", c.GetTarballPath(pkg))
}

func TestGetExtractedDirPathRequiresMatchingRecord(t *testing.T) {
	dir := t.TempDir()
	pkg := pkginfo.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0", Subdir: "linux-64"}
	extracted := filepath.Join(dir, pkg.Dist())
	require.NoError(t, cache.WriteRepodataRecord(extracted, pkg))

	c := cache.New([]string{dir})
	assert.Equal(t, extracted, c.GetExtractedDirPath(pkg, false))
}

func TestGetExtractedDirPathRejectsFetchInProgress(t *testing.T) {
	dir := t.TempDir()
	pkg := pkginfo.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0", Subdir: "linux-64"}
	extracted := filepath.Join(dir, pkg.Dist())
	require.NoError(t, cache.WriteRepodataRecord(extracted, pkg))
	writeFile(t, filepath.Join(extracted, "info", ".fetch-in-progress"), nil)

	c := cache.New([]string{dir})
	assert.Equal(t, "", c.GetExtractedDirPath(pkg, false))
}

func TestFirstWritablePath(t *testing.T) {
	dir := t.TempDir()
	c := cache.New([]string{dir})
	assert.Equal(t, dir, c.FirstWritablePath())
}

func TestClearQueryCacheForcesRevalidation(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello world")
	sum := sha256.Sum256(data)
	pkg := pkginfo.PackageInfo{
		Name: "foo", Version: version.MustParse("1.0"), BuildString: "0",
		Filename: "foo-1.0-0.tar.bz2", Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:]),
	}
	path := filepath.Join(dir, pkg.Filename)
	writeFile(t, path, data)

	c := cache.New([]string{dir})
	require.Equal(t, path, c.GetTarballPath(pkg))

	require.NoError(t, os.Remove(path))
	// Memoized result still says valid until cleared.
	assert.Equal(t, path, c.GetTarballPath(pkg))

	c.ClearQueryCache(pkg)
	assert.Equal(t, "", c.GetTarballPath(pkg))
}
