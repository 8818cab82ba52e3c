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

// Package envlock reads and writes the environment lockfile spec.md §6
// describes: a YAML document with a top-level "package" list pinning exact
// package builds, used to reproduce an environment without re-solving.
package envlock

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/version"
)

// Manager identifies which package manager installed an entry.
type Manager string

const (
	ManagerConda Manager = "conda"
	ManagerPip   Manager = "pip"
)

// Hash carries the digests an entry was pinned against.
type Hash struct {
	MD5    string `yaml:"md5,omitempty"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// Entry is one pinned package in the lockfile.
type Entry struct {
	Name     string  `yaml:"name"`
	Version  string  `yaml:"version"`
	URL      string  `yaml:"url"`
	Hash     Hash    `yaml:"hash"`
	Category string  `yaml:"category"`
	Manager  Manager `yaml:"manager"`
	Platform string  `yaml:"platform"`
}

// Lockfile is the top-level document shape.
type Lockfile struct {
	Package []Entry `yaml:"package"`
}

// Load reads and parses a lockfile from path.
func Load(path string) (Lockfile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Lockfile{}, fmt.Errorf("envlock: read %s: %w", path, err)
	}
	var lf Lockfile
	if err := yaml.Unmarshal(b, &lf); err != nil {
		return Lockfile{}, fmt.Errorf("envlock: parse %s: %w", path, err)
	}
	return lf, nil
}

// Save writes lf to path atomically (temp sibling + fsync + rename, per
// spec.md §9's atomic-write discipline for every persistent file).
func Save(path string, lf Lockfile) error {
	b, err := yaml.Marshal(lf)
	if err != nil {
		return fmt.Errorf("envlock: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "envlock.*.tmp")
	if err != nil {
		return fmt.Errorf("envlock: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("envlock: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("envlock: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("envlock: close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Resolve turns a locked package list directly into the PackageInfo values
// a one-step Transaction needs, bypassing the solver entirely: an
// environment lockfile already names an exact, previously-solved build of
// every package, so there is nothing left to resolve (EXPANSION C). Pip
// entries are reported separately since this module's Transaction only
// links conda packages into a prefix.
func Resolve(lf Lockfile) (conda []pkginfo.PackageInfo, pip []Entry, err error) {
	for _, e := range lf.Package {
		if e.Manager == ManagerPip {
			pip = append(pip, e)
			continue
		}
		v, verr := version.Parse(e.Version)
		if verr != nil {
			return nil, nil, fmt.Errorf("envlock: package %s: %w", e.Name, verr)
		}
		conda = append(conda, pkginfo.PackageInfo{
			Name:    e.Name,
			Version: v,
			URL:     e.URL,
			MD5:     e.Hash.MD5,
			SHA256:  e.Hash.SHA256,
			Subdir:  e.Platform,
		})
	}
	return conda, pip, nil
}
