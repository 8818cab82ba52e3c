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

// Package trash tracks files UnlinkPackage could not remove outright
// (spec.md §4.6: "If a file cannot be removed (Windows: in use), rename to
// a trash name for later cleanup") and cleans them up on a later run
// (spec.md §4.6 step 2: "Clean stale trash files").
package trash

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const suffix = ".condacore_trash"

// Rename moves path to a sibling trash name so the caller can keep going
// even when the original file is still in use (only ever actually needed
// on Windows; on other platforms os.Remove never fails this way, but the
// fallback costs nothing to keep in place).
func Rename(path string) (string, error) {
	trashPath := path + suffix
	for i := 0; ; i++ {
		candidate := trashPath
		if i > 0 {
			candidate = fmt.Sprintf("%s.%d", trashPath, i)
		}
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.Rename(path, candidate); err != nil {
				return "", fmt.Errorf("trash: rename %s: %w", path, err)
			}
			return candidate, nil
		}
	}
}

// Clean best-effort removes every trash file under root, matching spec.md
// §4.6 step 2's "best-effort removal of files previously marked
// undeletable". Errors removing individual files are swallowed; the
// transaction proceeds regardless.
func Clean(root string) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Best-effort: skip entries we can't stat, don't abort the walk.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !strings.Contains(d.Name(), suffix) {
			return nil
		}
		os.Remove(path) // best-effort
		return nil
	})
}
