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

// Package linker implements LinkPackage/UnlinkPackage (spec.md §4.6): moving
// an extracted package tree's files into a prefix, substituting the build
// prefix placeholder, running link scripts, and maintaining the conda-meta
// record that makes the operation reversible.
package linker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/prefixdata"
	"github.com/condaforge/condacore/trash"
)

// FileMode distinguishes the two placeholder-substitution strategies
// spec.md §4.6 names.
type FileMode string

const (
	FileModeText   FileMode = "text"
	FileModeBinary FileMode = "binary"
)

// PathType classifies one paths.json entry.
type PathType string

const (
	PathHardlink  PathType = "hardlink"
	PathSoftlink  PathType = "softlink"
	PathDirectory PathType = "directory"
	PathPyc       PathType = "pyc"
)

type pathsDocument struct {
	PathsVersion int         `json:"paths_version"`
	Paths        []pathEntry `json:"paths"`
}

type pathEntry struct {
	Path              string   `json:"_path"`
	PathType          PathType `json:"path_type"`
	PrefixPlaceholder string   `json:"prefix_placeholder,omitempty"`
	FileMode          FileMode `json:"file_mode,omitempty"`
	SHA256            string   `json:"sha256,omitempty"`
	SizeInBytes       int64    `json:"size_in_bytes,omitempty"`
}

// readPaths loads info/paths.json, falling back to info/files (a bare
// newline-separated relative-path list with no metadata) when absent.
func readPaths(extractedDir string) ([]pathEntry, error) {
	b, err := os.ReadFile(filepath.Join(extractedDir, "info", "paths.json"))
	if err == nil {
		var doc pathsDocument
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("linker: parse paths.json: %w", err)
		}
		return doc.Paths, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("linker: read paths.json: %w", err)
	}

	b, err = os.ReadFile(filepath.Join(extractedDir, "info", "files"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("linker: read info/files: %w", err)
	}
	var entries []pathEntry
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, pathEntry{Path: line, PathType: PathHardlink})
	}
	return entries, nil
}

// ScriptEnv returns the environment pre-link/post-link/pre-unlink scripts
// run with (spec.md §4.6: "PREFIX, PKG_NAME, PKG_VERSION, PKG_BUILDNUM").
func ScriptEnv(prefix string, pkg pkginfo.PackageInfo) []string {
	return append(os.Environ(),
		"PREFIX="+prefix,
		"PKG_NAME="+pkg.Name,
		"PKG_VERSION="+pkg.Version.String(),
		fmt.Sprintf("PKG_BUILDNUM=%d", pkg.BuildNumber),
	)
}

// LinkPackage links an already-extracted package tree into prefix and
// records it in conda-meta.
func LinkPackage(ctx context.Context, extractedDir, prefix string, pkg pkginfo.PackageInfo, pd *prefixdata.PrefixData) (err error) {
	log := clog.FromContext(ctx)

	entries, err := readPaths(extractedDir)
	if err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	defer func() {
		if err == nil {
			return
		}
		// Mid-link failure (spec.md S5): unwind whatever this call already
		// linked so the prefix is left exactly as it was found, rather than
		// relying on the caller to notice a partially-linked package.
		for i := len(files) - 1; i >= 0; i-- {
			os.Remove(filepath.Join(prefix, files[i]))
		}
	}()

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.PathType == PathDirectory {
			if err := os.MkdirAll(filepath.Join(prefix, e.Path), 0o755); err != nil {
				return fmt.Errorf("linker: mkdir %s: %w", e.Path, err)
			}
			continue
		}
		if err := linkOne(extractedDir, prefix, e); err != nil {
			return fmt.Errorf("linker: link %s: %w", e.Path, err)
		}
		files = append(files, e.Path)
	}

	if err := runScript(ctx, extractedDir, "pre-link", prefix, pkg); err != nil {
		return err
	}
	if err := runScript(ctx, extractedDir, "post-link", prefix, pkg); err != nil {
		return err
	}

	pkg.Files = files
	if err := pd.Add(pkg); err != nil {
		return fmt.Errorf("linker: record conda-meta entry: %w", err)
	}
	log.Debugf("linked %s into %s (%d files)", pkg.Dist(), prefix, len(files))
	return nil
}

func linkOne(extractedDir, prefix string, e pathEntry) error {
	src := filepath.Join(extractedDir, e.Path)
	dst := filepath.Join(prefix, e.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	if e.PathType == PathSoftlink {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		os.Remove(dst)
		return os.Symlink(target, dst)
	}

	if e.PrefixPlaceholder != "" {
		rewritten, err := substitutePrefix(src, e.PrefixPlaceholder, prefix, e.FileMode)
		if err != nil {
			return err
		}
		src = rewritten
		defer os.Remove(rewritten)
	}

	os.Remove(dst)
	if err := os.Link(src, dst); err != nil {
		// Cross-device or unsupported: fall back to copy.
		return copyFile(src, dst)
	}
	return nil
}

// substitutePrefix rewrites placeholder to the real prefix in a copy of
// src, written alongside it, per spec.md §4.6: "text: plain string
// replace; binary: fixed-length null-padded replacement, refusing if new
// prefix is longer than placeholder".
func substitutePrefix(src, placeholder, prefix string, mode FileMode) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}

	var out []byte
	switch mode {
	case FileModeBinary:
		if len(prefix) > len(placeholder) {
			return "", fmt.Errorf("new prefix %q longer than placeholder %q in binary file %s", prefix, placeholder, src)
		}
		padded := prefix + strings.Repeat("\x00", len(placeholder)-len(prefix))
		out = bytes.ReplaceAll(data, []byte(placeholder), []byte(padded))
	default:
		out = bytes.ReplaceAll(data, []byte(placeholder), []byte(prefix))
	}

	tmp, err := os.CreateTemp(filepath.Dir(src), filepath.Base(src)+".*.relinked")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if fi, err := os.Stat(src); err == nil {
		os.Chmod(tmp.Name(), fi.Mode())
	}
	return tmp.Name(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}

// runScript executes info/recipe/<name>.sh (or .bat on Windows, untouched
// here since the module targets Linux) if present, in a controlled
// subprocess environment.
func runScript(ctx context.Context, extractedDir, name, prefix string, pkg pkginfo.PackageInfo) error {
	script := filepath.Join(extractedDir, "info", "recipe", name+".sh")
	if _, err := os.Stat(script); err != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", script)
	cmd.Env = ScriptEnv(prefix, pkg)
	cmd.Dir = prefix
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("linker: %s script for %s: %w: %s", name, pkg.Name, err, out)
	}
	return nil
}

// UnlinkPackage reverses LinkPackage: runs pre-unlink, removes the recorded
// files, prunes now-empty parent directories, and deletes the conda-meta
// record.
func UnlinkPackage(ctx context.Context, prefix, name string, pd *prefixdata.PrefixData) error {
	pkg, ok := pd.Get(name)
	if !ok {
		return fmt.Errorf("linker: %s is not installed", name)
	}

	if err := runScript(ctx, filepath.Join(prefix, "conda-meta"), "pre-unlink", prefix, pkg); err != nil {
		return err
	}

	dirs := map[string]struct{}{}
	for _, rel := range pkg.Files {
		path := filepath.Join(prefix, rel)
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if _, terr := trash.Rename(path); terr != nil {
				return fmt.Errorf("linker: remove %s: %w", rel, err)
			}
		}
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		removeEmptyParents(dir, prefix)
	}

	return pd.Remove(name)
}

func removeEmptyParents(dir, prefix string) {
	for dir != prefix && strings.HasPrefix(dir, prefix) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
