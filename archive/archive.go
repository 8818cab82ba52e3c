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

// Package archive reads the two package archive formats spec.md §6 names:
// .tar.bz2 (a tar stream compressed with bzip2) and .conda (a zip container
// holding two inner zstd-compressed tars, "info-<pkg>.tar.zst" and
// "pkg-<pkg>.tar.zst", whose contents are concatenated on extraction).
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Entry is one file/directory record read from an archive, in the same
// shape regardless of source format.
type Entry struct {
	Header *tar.Header
	Data   io.Reader
}

// Reader yields archive entries one at a time; Close releases any
// underlying decoders.
type Reader interface {
	Next() (Entry, error) // io.EOF when exhausted
	Close() error
}

// Open picks a Reader for filename's extension.
func Open(filename string, r io.ReaderAt, size int64, rawStream io.Reader) (Reader, error) {
	switch {
	case strings.HasSuffix(filename, ".conda"):
		return openConda(r, size)
	case strings.HasSuffix(filename, ".tar.bz2"):
		return openTarBz2(rawStream)
	default:
		return nil, fmt.Errorf("archive: unsupported package archive format %q", filename)
	}
}

// --- .tar.bz2 ---

type tarBz2Reader struct {
	tr *tar.Reader
}

func openTarBz2(r io.Reader) (Reader, error) {
	if r == nil {
		return nil, fmt.Errorf("archive: .tar.bz2 requires a stream reader")
	}
	return &tarBz2Reader{tr: tar.NewReader(bzip2.NewReader(r))}, nil
}

func (t *tarBz2Reader) Next() (Entry, error) {
	h, err := t.tr.Next()
	if err != nil {
		return Entry{}, err
	}
	return Entry{Header: h, Data: t.tr}, nil
}

func (t *tarBz2Reader) Close() error { return nil }

// --- .conda ---

// condaInnerPrefixes is the pair of inner-tar name prefixes a .conda zip
// must contain; extraction concatenates their contents (spec.md §6).
var condaInnerPrefixes = []string{"info-", "pkg-"}

type condaReader struct {
	zr      *zip.Reader
	entries []*zip.File
	idx     int
	cur     io.ReadCloser
	curTar  *tar.Reader
	curZstd *zstd.Decoder
}

func openConda(r io.ReaderAt, size int64) (Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("archive: open .conda zip container: %w", err)
	}

	var entries []*zip.File
	for _, prefix := range condaInnerPrefixes {
		found := false
		for _, f := range zr.File {
			if strings.HasPrefix(f.Name, prefix) && strings.HasSuffix(f.Name, ".tar.zst") {
				entries = append(entries, f)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("archive: .conda container missing %q entry", prefix+"*.tar.zst")
		}
	}

	cr := &condaReader{zr: zr, entries: entries}
	if err := cr.advance(); err != nil {
		return nil, err
	}
	return cr, nil
}

func (c *condaReader) advance() error {
	if c.curZstd != nil {
		c.curZstd.Close()
	}
	if c.cur != nil {
		c.cur.Close()
	}
	if c.idx >= len(c.entries) {
		c.curTar = nil
		return nil
	}
	f := c.entries[c.idx]
	c.idx++
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("archive: open %s in .conda container: %w", f.Name, err)
	}
	c.cur = rc
	dec, err := zstd.NewReader(rc)
	if err != nil {
		return fmt.Errorf("archive: open zstd stream for %s: %w", f.Name, err)
	}
	c.curZstd = dec
	c.curTar = tar.NewReader(dec)
	return nil
}

func (c *condaReader) Next() (Entry, error) {
	for c.curTar != nil {
		h, err := c.curTar.Next()
		if err == io.EOF {
			if err := c.advance(); err != nil {
				return Entry{}, err
			}
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("archive: read .conda inner tar: %w", err)
		}
		return Entry{Header: h, Data: c.curTar}, nil
	}
	return Entry{}, io.EOF
}

func (c *condaReader) Close() error {
	if c.curZstd != nil {
		c.curZstd.Close()
	}
	if c.cur != nil {
		return c.cur.Close()
	}
	return nil
}
