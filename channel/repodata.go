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

package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/version"
)

// repodataDocument is the on-wire shape of repodata.json (spec.md §6).
type repodataDocument struct {
	Info struct {
		Subdir string `json:"subdir"`
	} `json:"info"`
	Packages      map[string]repodataRecord `json:"packages"`
	PackagesConda map[string]repodataRecord `json:"packages.conda"`
}

type repodataRecord struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Build         string   `json:"build"`
	BuildNumber   int      `json:"build_number"`
	Depends       []string `json:"depends"`
	Constrains    []string `json:"constrains"`
	Subdir        string   `json:"subdir"`
	MD5           string   `json:"md5"`
	SHA256        string   `json:"sha256"`
	Size          int64    `json:"size"`
	Timestamp     int64    `json:"timestamp"`
	TrackFeatures []string `json:"track_features"`
	Features      string   `json:"features"`
	Noarch        string   `json:"noarch"`
}

// parseRepodata parses a repodata.json body (§6) into PackageInfo values.
// It does not set Channel or URL - those depend on the SubdirData that
// fetched it, and are filled in by the caller.
func parseRepodata(body []byte) ([]pkginfo.PackageInfo, error) {
	var doc repodataDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("channel: parse repodata.json: %w", err)
	}

	out := make([]pkginfo.PackageInfo, 0, len(doc.Packages)+len(doc.PackagesConda))
	for filename, rec := range doc.Packages {
		pkg, err := rec.toPackageInfo(filename)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	for filename, rec := range doc.PackagesConda {
		pkg, err := rec.toPackageInfo(filename)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, nil
}

func (r repodataRecord) toPackageInfo(filename string) (pkginfo.PackageInfo, error) {
	v, err := version.Parse(r.Version)
	if err != nil {
		return pkginfo.PackageInfo{}, fmt.Errorf("channel: record %s: %w", filename, err)
	}
	noarch := pkginfo.NoarchNone
	switch r.Noarch {
	case "python":
		noarch = pkginfo.NoarchPython
	case "generic":
		noarch = pkginfo.NoarchGeneric
	}
	return pkginfo.PackageInfo{
		Name:          r.Name,
		Version:       v,
		BuildString:   r.Build,
		BuildNumber:   r.BuildNumber,
		Subdir:        r.Subdir,
		Filename:      filename,
		Size:          r.Size,
		MD5:           r.MD5,
		SHA256:        r.SHA256,
		Depends:       r.Depends,
		Constrains:    r.Constrains,
		TrackFeatures: r.TrackFeatures,
		Timestamp:     r.Timestamp,
		NoarchKind:    noarch,
	}, nil
}

// JSONRecord renders p back into the repodata record shape, used by the
// round-trip law in spec.md §8 ("repodata record -> PackageInfo ->
// json_record() preserves all fields the solver reads").
func JSONRecord(p pkginfo.PackageInfo) ([]byte, error) {
	noarch := ""
	switch p.NoarchKind {
	case pkginfo.NoarchPython:
		noarch = "python"
	case pkginfo.NoarchGeneric:
		noarch = "generic"
	}
	rec := repodataRecord{
		Name:          p.Name,
		Version:       p.Version.String(),
		Build:         p.BuildString,
		BuildNumber:   p.BuildNumber,
		Depends:       p.Depends,
		Constrains:    p.Constrains,
		Subdir:        p.Subdir,
		MD5:           p.MD5,
		SHA256:        p.SHA256,
		Size:          p.Size,
		Timestamp:     p.Timestamp,
		TrackFeatures: p.TrackFeatures,
		Noarch:        noarch,
	}
	return json.Marshal(rec)
}

// decodeZst decompresses a repodata.json.zst body.
func decodeZst(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("channel: open zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("channel: decompress zstd body: %w", err)
	}
	return out, nil
}
