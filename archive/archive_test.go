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

package archive_test

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/archive"
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

func buildConda(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	info := buildZstdTar(t, map[string]string{"info/index.json": `{"name":"foo"}`})
	w, err := zw.Create("info-foo-1.0-0.tar.zst")
	require.NoError(t, err)
	_, err = w.Write(info)
	require.NoError(t, err)

	pkgData := buildZstdTar(t, map[string]string{"lib/foo.so": "binary-ish-content"})
	w, err = zw.Create("pkg-foo-1.0-0.tar.zst")
	require.NoError(t, err)
	_, err = w.Write(pkgData)
	require.NoError(t, err)

	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestOpenCondaConcatenatesInnerTars(t *testing.T) {
	data := buildConda(t)
	r, err := archive.Open("foo-1.0-0.conda", bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
	defer r.Close()

	var names []string
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, e.Header.Name)
	}
	assert.Contains(t, names, "info/index.json")
	assert.Contains(t, names, "lib/foo.so")
}

func TestOpenRejectsUnsupportedExtension(t *testing.T) {
	_, err := archive.Open("foo.zip", nil, 0, nil)
	require.Error(t, err)
}
