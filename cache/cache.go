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

// Package cache implements the PackageCache / MultiPackageCache of spec.md
// §4.4: an ordered list of on-disk directories holding downloaded tarballs
// and extracted package trees, with per-(cache, pkg) validation memoized in
// a bounded LRU, mirroring the teacher's globalApkCache pattern.
package cache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/condaforge/condacore/pkginfo"
)

// fetchInProgressSentinel marks an extracted tree as not-yet-complete;
// its presence makes the tree invalid regardless of repodata_record.json.
const fetchInProgressSentinel = "info/.fetch-in-progress"

const repodataRecordName = "info/repodata_record.json"

type cacheKey struct {
	cacheDir string
	filename string
}

// MultiPackageCache owns an ordered list of cache directories. The first
// one that passes a write test is the write target (§4.4
// first_writable_path).
type MultiPackageCache struct {
	dirs []string

	mu    sync.Mutex
	valid *lru.Cache[cacheKey, bool]
}

// New constructs a MultiPackageCache over dirs, in priority order.
func New(dirs []string) *MultiPackageCache {
	c, _ := lru.New[cacheKey, bool](4096)
	return &MultiPackageCache{dirs: dirs, valid: c}
}

// tarballName is the "<name>-<version>-<build>.{tar.bz2,conda}" filename
// spec.md §3 names; extension depends on the package's recorded filename.
func tarballName(pkg pkginfo.PackageInfo) string {
	if pkg.Filename != "" {
		return pkg.Filename
	}
	return pkg.Dist() + ".conda"
}

// GetTarballPath returns the path of a validated tarball in some cache, or
// "" if none exists.
func (c *MultiPackageCache) GetTarballPath(pkg pkginfo.PackageInfo) string {
	name := tarballName(pkg)
	for _, dir := range c.dirs {
		path := filepath.Join(dir, name)
		if c.tarballValid(dir, pkg, path) {
			return path
		}
	}
	return ""
}

func (c *MultiPackageCache) tarballValid(dir string, pkg pkginfo.PackageInfo, path string) bool {
	key := cacheKey{cacheDir: dir, filename: path}
	c.mu.Lock()
	if v, ok := c.valid.Get(key); ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	ok := checkTarball(pkg, path)
	c.mu.Lock()
	c.valid.Add(key, ok)
	c.mu.Unlock()
	return ok
}

// checkTarball implements §4.4's tarball validity rule: size matches (if
// known) and either sha256 matches, or, lacking sha256, md5 matches.
func checkTarball(pkg pkginfo.PackageInfo, path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	if pkg.Size > 0 && fi.Size() != pkg.Size {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	if pkg.SHA256 != "" {
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			return false
		}
		return hex.EncodeToString(h.Sum(nil)) == pkg.SHA256
	}
	if pkg.MD5 != "" {
		h := md5.New()
		if _, err := io.Copy(h, f); err != nil {
			return false
		}
		return hex.EncodeToString(h.Sum(nil)) == pkg.MD5
	}
	// No digest recorded: presence plus size match (if known) is the best
	// this cache can do.
	return true
}

// GetExtractedDirPath returns the path of a validated extracted tree, or ""
// if none exists. When checkOnlyWritable is set, only the first writable
// cache directory is consulted.
func (c *MultiPackageCache) GetExtractedDirPath(pkg pkginfo.PackageInfo, checkOnlyWritable bool) string {
	dirs := c.dirs
	if checkOnlyWritable {
		if w := c.FirstWritablePath(); w != "" {
			dirs = []string{w}
		} else {
			return ""
		}
	}
	for _, dir := range dirs {
		path := filepath.Join(dir, pkg.Dist())
		if c.extractedValid(dir, pkg, path) {
			return path
		}
	}
	return ""
}

func (c *MultiPackageCache) extractedValid(dir string, pkg pkginfo.PackageInfo, path string) bool {
	key := cacheKey{cacheDir: dir, filename: path + "/"}
	c.mu.Lock()
	if v, ok := c.valid.Get(key); ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	ok := checkExtracted(pkg, path)
	c.mu.Lock()
	c.valid.Add(key, ok)
	c.mu.Unlock()
	return ok
}

type recordTuple struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Subdir  string `json:"subdir"`
}

func checkExtracted(pkg pkginfo.PackageInfo, path string) bool {
	if _, err := os.Stat(filepath.Join(path, fetchInProgressSentinel)); err == nil {
		return false
	}
	b, err := os.ReadFile(filepath.Join(path, repodataRecordName))
	if err != nil {
		return false
	}
	var rec recordTuple
	if err := json.Unmarshal(b, &rec); err != nil {
		return false
	}
	return rec.Name == pkg.Name && rec.Version == pkg.Version.String() && rec.Build == pkg.BuildString && rec.Subdir == pkg.Subdir
}

// WriteRepodataRecord atomically writes info/repodata_record.json at the
// end of extraction (§4.4: "readers treat a missing or stale record as
// invalid").
func WriteRepodataRecord(extractedDir string, pkg pkginfo.PackageInfo) error {
	rec := recordTuple{Name: pkg.Name, Version: pkg.Version.String(), Build: pkg.BuildString, Subdir: pkg.Subdir}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal repodata_record.json: %w", err)
	}
	infoDir := filepath.Join(extractedDir, "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return fmt.Errorf("cache: create info dir: %w", err)
	}
	tmp, err := os.CreateTemp(infoDir, "repodata_record.*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: fsync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: close temp record: %w", err)
	}
	return os.Rename(tmp.Name(), filepath.Join(infoDir, "repodata_record.json"))
}

// FirstWritablePath returns the first cache directory that passes a write
// test.
func (c *MultiPackageCache) FirstWritablePath() string {
	for _, dir := range c.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			continue
		}
		probe := filepath.Join(dir, ".condacore-write-test")
		if f, err := os.Create(probe); err == nil {
			f.Close()
			os.Remove(probe)
			return dir
		}
	}
	return ""
}

// ClearQueryCache invalidates memoized validation results for pkg across
// every cache directory.
func (c *MultiPackageCache) ClearQueryCache(pkg pkginfo.PackageInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, dir := range c.dirs {
		c.valid.Remove(cacheKey{cacheDir: dir, filename: filepath.Join(dir, tarballName(pkg))})
		c.valid.Remove(cacheKey{cacheDir: dir, filename: filepath.Join(dir, pkg.Dist()) + "/"})
	}
}

// Dirs returns the ordered cache directory list.
func (c *MultiPackageCache) Dirs() []string { return c.dirs }
