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

// Package history implements the append-only <prefix>/conda-meta/history
// log spec.md §3/§6 describes: one entry per transaction recording the
// user's request and the resulting link/unlink dists.
package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const fileName = "history"

// UserRequest is one history entry (spec.md §3 History.UserRequest).
type UserRequest struct {
	Timestamp   time.Time
	Cmd         string
	Specs       []string
	UpdateSpecs []string
	RemoveSpecs []string
	LinkDists   []string
	UnlinkDists []string
}

// Append writes req as a new entry in <condaMetaDir>/history, rewriting the
// file atomically (temp sibling + fsync + rename), matching the atomic-
// write discipline spec.md §9 requires for every persistent file this
// module owns.
func Append(condaMetaDir string, req UserRequest) error {
	path := filepath.Join(condaMetaDir, fileName)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("history: read existing log: %w", err)
	}

	var buf strings.Builder
	buf.Write(existing)
	writeEntry(&buf, req)

	if err := os.MkdirAll(condaMetaDir, 0o755); err != nil {
		return fmt.Errorf("history: create conda-meta dir: %w", err)
	}
	tmp, err := os.CreateTemp(condaMetaDir, fileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("history: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(buf.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("history: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("history: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("history: close temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func writeEntry(w *strings.Builder, req UserRequest) {
	fmt.Fprintf(w, "==> %s <==\n", req.Timestamp.UTC().Format("2006-01-02T15:04:05"))
	fmt.Fprintf(w, "cmd: %s\n", req.Cmd)
	writeList(w, "specs", req.Specs)
	writeList(w, "update_specs", req.UpdateSpecs)
	writeList(w, "remove_specs", req.RemoveSpecs)
	writeList(w, "link_dists", req.LinkDists)
	writeList(w, "unlink_dists", req.UnlinkDists)
}

func writeList(w *strings.Builder, key string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s: %s\n", key, strings.Join(items, ","))
}

// Entries parses every entry in <condaMetaDir>/history, in file order.
func Entries(condaMetaDir string) ([]UserRequest, error) {
	f, err := os.Open(filepath.Join(condaMetaDir, fileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: open log: %w", err)
	}
	defer f.Close()

	var entries []UserRequest
	var cur *UserRequest
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "==> ") && strings.HasSuffix(line, " <==") {
			if cur != nil {
				entries = append(entries, *cur)
			}
			ts, _ := time.Parse("2006-01-02T15:04:05", strings.TrimSuffix(strings.TrimPrefix(line, "==> "), " <=="))
			cur = &UserRequest{Timestamp: ts}
			continue
		}
		if cur == nil {
			continue
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case "cmd":
			cur.Cmd = val
		case "specs":
			cur.Specs = strings.Split(val, ",")
		case "update_specs":
			cur.UpdateSpecs = strings.Split(val, ",")
		case "remove_specs":
			cur.RemoveSpecs = strings.Split(val, ",")
		case "link_dists":
			cur.LinkDists = strings.Split(val, ",")
		case "unlink_dists":
			cur.UnlinkDists = strings.Split(val, ",")
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: scan log: %w", err)
	}
	return entries, nil
}
