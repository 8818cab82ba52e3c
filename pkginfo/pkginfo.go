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

// Package pkginfo defines PackageInfo, the repodata record shape shared by
// the channel, pool, cache, and transaction layers.
package pkginfo

import (
	"fmt"
	"strings"

	"github.com/condaforge/condacore/version"
)

// NoarchKind classifies a package as platform-specific or not.
type NoarchKind int

const (
	NoarchNone NoarchKind = iota
	NoarchGeneric
	NoarchPython
)

func (k NoarchKind) String() string {
	switch k {
	case NoarchGeneric:
		return "generic"
	case NoarchPython:
		return "python"
	default:
		return "none"
	}
}

// PackageInfo is one repodata record, or a conda-meta record once installed.
type PackageInfo struct {
	Name          string
	Version       version.Version
	BuildString   string
	BuildNumber   int
	Channel       string
	Subdir        string
	Filename      string
	URL           string
	Size          int64
	MD5           string
	SHA256        string
	Depends       []string // raw match-spec strings
	Constrains    []string // raw match-spec strings
	TrackFeatures []string
	Timestamp     int64
	NoarchKind    NoarchKind
	Signatures    map[string]string // opaque, keyed by signer

	// Populated only for installed packages, mirroring the extra fields a
	// conda-meta record carries beyond a bare repodata record.
	Files        []string
	RequestedSpec string
}

// Identity returns the tuple spec.md uses for deduplication.
func (p *PackageInfo) Identity() (channel, subdir, filename string) {
	return p.Channel, p.Subdir, p.Filename
}

// Dist returns the canonical "<name>-<version>-<build>" dist string used in
// history entries and conda-meta filenames.
func (p *PackageInfo) Dist() string {
	return p.Name + "-" + p.Version.String() + "-" + p.BuildString
}

// ParseFilename is Dist's inverse: it splits a "<name>-<version>-<build>"
// tarball filename (minus its .tar.bz2/.conda suffix) back into a bare
// PackageInfo, for explicit URL installs (spec.md §6) that bypass repodata
// entirely and never get a parsed record from the channel layer.
func ParseFilename(filename string) (PackageInfo, error) {
	base := filename
	switch {
	case strings.HasSuffix(base, ".tar.bz2"):
		base = strings.TrimSuffix(base, ".tar.bz2")
	case strings.HasSuffix(base, ".conda"):
		base = strings.TrimSuffix(base, ".conda")
	default:
		return PackageInfo{}, fmt.Errorf("pkginfo: %q has no recognized package extension", filename)
	}

	build := ""
	if i := strings.LastIndexByte(base, '-'); i >= 0 {
		build = base[i+1:]
		base = base[:i]
	}
	name := ""
	rawVersion := base
	if i := strings.LastIndexByte(base, '-'); i >= 0 {
		name = base[:i]
		rawVersion = base[i+1:]
	}
	if name == "" || build == "" {
		return PackageInfo{}, fmt.Errorf("pkginfo: %q does not match <name>-<version>-<build>", filename)
	}

	v, err := version.Parse(rawVersion)
	if err != nil {
		return PackageInfo{}, fmt.Errorf("pkginfo: %q: %w", filename, err)
	}
	return PackageInfo{Name: name, Version: v, BuildString: build, Filename: filename}, nil
}
