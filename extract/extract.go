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

// Package extract implements the extraction half of spec.md §4.5: a bounded
// concurrent pool of extraction tasks, each unpacking a package archive into
// a temporary sibling directory, fsyncing, and renaming it into place.
package extract

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/condaforge/condacore/archive"
	"github.com/condaforge/condacore/pkginfo"
)

// Task describes one package to extract.
type Task struct {
	Pkg        pkginfo.PackageInfo
	TarballDir string // directory containing Pkg's downloaded tarball
	CacheDir   string // cache directory whose Dist() subdir is the extraction target
}

// Result reports the outcome of extracting one Task.
type Result struct {
	Task Task
	Dir  string // the extracted tree's final path, set on success
	Err  error
}

// Pool runs extraction tasks with bounded concurrency (spec.md §4.5: "An
// extract semaphore — admits at most extract_threads concurrent extraction
// tasks"). This implementation always extracts in-process; the spec's
// subprocess-isolation mode for extract_threads > 1 is a platform-specific
// hardening measure with no concrete consumer in this module, so it is not
// implemented (see the extract/extract.go entry in DESIGN.md).
type Pool struct {
	threads int
	urlsMu  sync.Mutex
}

// New constructs a Pool admitting at most threads concurrent extractions.
func New(threads int) *Pool {
	if threads < 1 {
		threads = 1
	}
	return &Pool{threads: threads}
}

// Extract runs every task, bounded to p.threads concurrent extractions.
func (p *Pool) Extract(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.threads)

	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			dir, err := p.extractOne(gctx, t)
			results[i] = Result{Task: t, Dir: dir, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pool) extractOne(ctx context.Context, t Task) (string, error) {
	log := clog.FromContext(ctx)
	ctx, span := otel.Tracer("condacore").Start(ctx, "extract.Pool.extractOne",
		trace.WithAttributes(attribute.String("package", t.Pkg.Name)))
	defer span.End()

	tarballPath := filepath.Join(t.TarballDir, tarballName(t.Pkg))
	f, err := os.Open(tarballPath)
	if err != nil {
		return "", fmt.Errorf("extract: open tarball %s: %w", tarballPath, err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("extract: stat tarball %s: %w", tarballPath, err)
	}

	r, err := archive.Open(tarballPath, f, fi.Size(), f)
	if err != nil {
		return "", fmt.Errorf("extract: open archive reader: %w", err)
	}
	defer r.Close()

	finalDir := filepath.Join(t.CacheDir, t.Pkg.Dist())
	tmpDir, err := os.MkdirTemp(t.CacheDir, ".extract-"+t.Pkg.Name+"-*")
	if err != nil {
		return "", fmt.Errorf("extract: create temp dir: %w", err)
	}

	if err := unpackAll(ctx, r, tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("extract: unpack %s: %w", t.Pkg.Name, err)
	}

	if err := syncTree(tmpDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("extract: fsync tree: %w", err)
	}

	if err := os.RemoveAll(finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("extract: clear stale extracted dir: %w", err)
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		os.RemoveAll(tmpDir)
		return "", fmt.Errorf("extract: rename into place: %w", err)
	}

	if err := p.appendURL(finalDir, t.Pkg.URL); err != nil {
		log.Debugf("extract: append urls.txt for %s: %v", t.Pkg.Name, err)
	}

	return finalDir, nil
}

func unpackAll(ctx context.Context, r archive.Reader, destDir string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := unpackEntry(destDir, e); err != nil {
			return err
		}
	}
}

func unpackEntry(destDir string, e archive.Entry) error {
	target := filepath.Join(destDir, filepath.Clean("/"+e.Header.Name))
	switch e.Header.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(e.Header.Mode))
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(e.Header.Linkname, target)
	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(e.Header.Mode))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, e.Data)
		return err
	}
}

// syncTree fsyncs every regular file plus the tree's directories, so the
// rename in extractOne can't land a half-flushed tree in place.
func syncTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			dir, err := os.Open(path)
			if err != nil {
				return err
			}
			defer dir.Close()
			return dir.Sync()
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return f.Sync()
	})
}

// appendURL records the source URL under a process-wide mutex (spec.md
// §4.5: "On successful extract, append the source URL to <cache>/urls.txt
// under a process-wide mutex").
func (p *Pool) appendURL(extractedDir, url string) error {
	p.urlsMu.Lock()
	defer p.urlsMu.Unlock()

	cacheDir := filepath.Dir(extractedDir)
	f, err := os.OpenFile(filepath.Join(cacheDir, "urls.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintln(f, url)
	return err
}

func tarballName(pkg pkginfo.PackageInfo) string {
	if pkg.Filename != "" {
		return pkg.Filename
	}
	return pkg.Dist() + ".conda"
}
