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

package solver

import (
	"fmt"
	"strings"

	"github.com/condaforge/condacore/matchspec"
	"github.com/condaforge/condacore/pool"
)

// applyPythonPin implements spec.md §4.2's Python pinning rule: when python
// is already installed and the job set doesn't explicitly ask for a
// different python, add a job pinning it to the installed major.minor so
// unrelated installs don't silently change the interpreter version.
func applyPythonPin(p *pool.Pool, jobs []Job, flags Flags) []Job {
	installed, ok := p.InstalledRepo()
	if !ok {
		return jobs
	}

	var installedMinor string
	installed.ForEachSolvable(p, func(_ pool.SolvableID, s *pool.Solvable) {
		if s.Info.Name == "python" {
			installedMinor = majorMinor(s.Version.String())
		}
	})
	if installedMinor == "" {
		return jobs
	}

	for _, j := range jobs {
		if j.Spec.Name == "python" && j.Kind != JobRemove {
			return jobs // user explicitly targeted python; don't override
		}
	}

	pinSpec, err := matchspec.Parse(fmt.Sprintf("python %s.*", installedMinor))
	if err != nil {
		return jobs
	}
	return append(jobs, Job{Kind: JobInstall, Spec: pinSpec})
}

func majorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// NoarchPythonRelinkNeeded reports whether decisions changed python's minor
// version relative to installedMinor, meaning every noarch:python package
// in the decision queue must be relinked (spec.md §4.2, EXPANSION C).
func NoarchPythonRelinkNeeded(p *pool.Pool, decisions []Decision, installedMinor string) bool {
	if installedMinor == "" {
		return false
	}
	for _, d := range decisions {
		if d.Action != ActionInstall {
			continue
		}
		sol, ok := p.Solvable(d.Solvable)
		if !ok || sol.Info.Name != "python" {
			continue
		}
		if majorMinor(sol.Version.String()) != installedMinor {
			return true
		}
	}
	return false
}
