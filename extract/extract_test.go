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

package extract_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/extract"
	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/version"
)

func buildZstdTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var zstBuf bytes.Buffer
	enc, err := zstd.NewWriter(&zstBuf)
	require.NoError(t, err)
	_, err = enc.Write(tarBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return zstBuf.Bytes()
}

func writeCondaFixture(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	info := buildZstdTar(t, map[string]string{"info/index.json": `{"name":"foo"}`})
	w, err := zw.Create("info-foo-1.0-0.tar.zst")
	require.NoError(t, err)
	_, err = w.Write(info)
	require.NoError(t, err)

	pkgData := buildZstdTar(t, map[string]string{"lib/foo.txt": "hello from foo"})
	w, err = zw.Create("pkg-foo-1.0-0.tar.zst")
	require.NoError(t, err)
	_, err = w.Write(pkgData)
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestExtractUnpacksConcatenatedTreeAtomically(t *testing.T) {
	tarballDir := t.TempDir()
	cacheDir := t.TempDir()

	pkg := pkginfo.PackageInfo{
		Name: "foo", Version: version.MustParse("1.0"), BuildString: "0",
		Filename: "foo-1.0-0.conda", URL: "https://example.test/foo-1.0-0.conda",
	}
	writeCondaFixture(t, filepath.Join(tarballDir, pkg.Filename))

	p := extract.New(2)
	results := p.Extract(context.Background(), []extract.Task{{
		Pkg: pkg, TarballDir: tarballDir, CacheDir: cacheDir,
	}})

	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)

	wantDir := filepath.Join(cacheDir, pkg.Dist())
	assert.Equal(t, wantDir, results[0].Dir)

	got, err := os.ReadFile(filepath.Join(wantDir, "info", "index.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"name":"foo"}`, string(got))

	got, err = os.ReadFile(filepath.Join(wantDir, "lib", "foo.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from foo", string(got))

	urls, err := os.ReadFile(filepath.Join(cacheDir, "urls.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(urls), pkg.URL)

	// No leftover temp directory.
	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".extract-")
	}
}

func TestExtractReportsMissingTarball(t *testing.T) {
	tarballDir := t.TempDir()
	cacheDir := t.TempDir()
	pkg := pkginfo.PackageInfo{Name: "foo", Version: version.MustParse("1.0"), BuildString: "0", Filename: "foo-1.0-0.conda"}

	p := extract.New(1)
	results := p.Extract(context.Background(), []extract.Task{{Pkg: pkg, TarballDir: tarballDir, CacheDir: cacheDir}})

	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}
