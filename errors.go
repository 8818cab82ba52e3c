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

package condacore

import (
	"errors"
	"fmt"

	"github.com/condaforge/condacore/diagnostics"
)

// ConstraintError wraps a MatchSpec that failed to parse or apply, naming
// the raw spec text so a caller can report it without re-parsing.
type ConstraintError struct {
	Spec string
	Err  error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("bad constraint %q: %v", e.Spec, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

func (e *ConstraintError) Is(target error) bool {
	var t *ConstraintError
	return errors.As(target, &t)
}

// DepError wraps a failure interning or expanding a package's depends/
// constrains list in the Pool.
type DepError struct {
	Package string
	Err     error
}

func (e *DepError) Error() string {
	return fmt.Sprintf("package %s: dependency error: %v", e.Package, e.Err)
}

func (e *DepError) Unwrap() error { return e.Err }

func (e *DepError) Is(target error) bool {
	var t *DepError
	return errors.As(target, &t)
}

// ChecksumError reports a downloaded tarball whose size or digest didn't
// match its repodata record (spec.md §7 "Checksum mismatch"). The caller
// can rely on the bad tarball already having been deleted by fetch.Pool.
type ChecksumError struct {
	Package string
	URL     string
	Err     error
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s (%s): %v", e.Package, e.URL, e.Err)
}

func (e *ChecksumError) Unwrap() error { return e.Err }

func (e *ChecksumError) Is(target error) bool {
	var t *ChecksumError
	return errors.As(target, &t)
}

// LockContentionError reports that another process holds the prefix lock
// (spec.md §7 "Prefix lock contention"), naming the holder PID when the
// owner marker file was readable.
type LockContentionError struct {
	Prefix string
	PID    int // 0 if unknown
	Err    error
}

func (e *LockContentionError) Error() string {
	if e.PID != 0 {
		return fmt.Sprintf("prefix %s is locked by process %d", e.Prefix, e.PID)
	}
	return fmt.Sprintf("prefix %s is locked by another process", e.Prefix)
}

func (e *LockContentionError) Unwrap() error { return e.Err }

func (e *LockContentionError) Is(target error) bool {
	var t *LockContentionError
	return errors.As(target, &t)
}

// UnsatisfiableError reports a solver conflict (spec.md §7 "Unsatisfiable
// specs" - not a bottom-layer error, but surfaced here as a typed value so
// an orchestrator can type-switch on it rather than string-match). Report
// is the rendered diagnostics graph; its Render method produces the
// human-readable tree.
type UnsatisfiableError struct {
	Report *diagnostics.ProblemsGraph
}

func (e *UnsatisfiableError) Error() string {
	return "no set of package versions satisfies the requested specs:\n" + e.Report.Render()
}

func (e *UnsatisfiableError) Is(target error) bool {
	var t *UnsatisfiableError
	return errors.As(target, &t)
}
