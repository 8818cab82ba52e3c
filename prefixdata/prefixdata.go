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

// Package prefixdata reads and writes <prefix>/conda-meta/*.json, the
// ledger of currently installed packages (spec.md §3 PrefixData).
package prefixdata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/condaforge/condacore/matchspec"
	"github.com/condaforge/condacore/pkginfo"
)

// MetaDir is the conda-meta directory name under a prefix.
const MetaDir = "conda-meta"

// PrefixData is the installed-package ledger for one prefix: a map from
// package name to its recorded PackageInfo, unique per name.
type PrefixData struct {
	Prefix   string
	packages map[string]pkginfo.PackageInfo
}

// Load reads every conda-meta/*.json record under prefix. A missing
// conda-meta directory is treated as an empty, freshly initialized prefix,
// not an error.
func Load(prefix string) (*PrefixData, error) {
	pd := &PrefixData{Prefix: prefix, packages: make(map[string]pkginfo.PackageInfo)}

	dir := filepath.Join(prefix, MetaDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return pd, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prefixdata: read %s: %w", dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("prefixdata: read %s: %w", path, err)
		}
		var rec pkginfo.PackageInfo
		if err := json.Unmarshal(b, &rec); err != nil {
			// Malformed conda-meta JSON (§7): quarantine and continue
			// rather than fail the whole prefix load.
			_ = os.Rename(path, path+".bad")
			continue
		}
		pd.packages[rec.Name] = rec
	}
	return pd, nil
}

// Get returns the recorded PackageInfo for name, if installed.
func (pd *PrefixData) Get(name string) (pkginfo.PackageInfo, bool) {
	p, ok := pd.packages[name]
	return p, ok
}

// All returns every installed package, in name order.
func (pd *PrefixData) All() []pkginfo.PackageInfo {
	names := make([]string, 0, len(pd.packages))
	for n := range pd.packages {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]pkginfo.PackageInfo, len(names))
	for i, n := range names {
		out[i] = pd.packages[n]
	}
	return out
}

// Add records pkg as installed, overwriting any existing record for the
// same name, and persists it to its conda-meta file (§6 record path
// "<prefix>/conda-meta/<name>-<version>-<build>.json").
func (pd *PrefixData) Add(pkg pkginfo.PackageInfo) error {
	if err := pd.writeRecord(pkg); err != nil {
		return err
	}
	pd.packages[pkg.Name] = pkg
	return nil
}

// Remove drops name's record, both in memory and on disk.
func (pd *PrefixData) Remove(name string) error {
	pkg, ok := pd.packages[name]
	if !ok {
		return fmt.Errorf("prefixdata: %s is not installed", name)
	}
	path := pd.recordPath(pkg)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("prefixdata: remove %s: %w", path, err)
	}
	delete(pd.packages, name)
	return nil
}

func (pd *PrefixData) recordPath(pkg pkginfo.PackageInfo) string {
	return filepath.Join(pd.Prefix, MetaDir, pkg.Name+"-"+pkg.Version.String()+"-"+pkg.BuildString+".json")
}

// writeRecord writes pkg's conda-meta file atomically: temp file, fsync,
// rename (spec.md §9 "Atomic writes").
func (pd *PrefixData) writeRecord(pkg pkginfo.PackageInfo) error {
	dir := filepath.Join(pd.Prefix, MetaDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prefixdata: create %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return fmt.Errorf("prefixdata: marshal %s: %w", pkg.Name, err)
	}
	tmp, err := os.CreateTemp(dir, pkg.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("prefixdata: create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("prefixdata: write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("prefixdata: fsync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("prefixdata: close temp record: %w", err)
	}
	return os.Rename(tmp.Name(), pd.recordPath(pkg))
}

// TopoSorted returns installed packages ordered so every package appears
// after all of its depends targets that are also installed (spec.md §8
// invariant 5), using a deterministic Kahn-style pass with package names as
// tie-breakers.
func (pd *PrefixData) TopoSorted() ([]pkginfo.PackageInfo, error) {
	inDegree := make(map[string]int)
	dependents := make(map[string][]string)

	for name := range pd.packages {
		inDegree[name] = 0
	}
	for name, pkg := range pd.packages {
		for _, raw := range pkg.Depends {
			spec, err := matchspec.Parse(raw)
			if err != nil {
				continue
			}
			if _, ok := pd.packages[spec.Name]; !ok {
				continue // dependency not installed, irrelevant to prefix ordering
			}
			inDegree[name]++
			dependents[spec.Name] = append(dependents[spec.Name], name)
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		next := append([]string(nil), dependents[n]...)
		sort.Strings(next)
		for _, d := range next {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(pd.packages) {
		return nil, fmt.Errorf("prefixdata: dependency cycle detected among installed packages")
	}

	out := make([]pkginfo.PackageInfo, len(order))
	for i, name := range order {
		out[i] = pd.packages[name]
	}
	return out, nil
}
