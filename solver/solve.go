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
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"

	"github.com/chainguard-dev/clog"

	"github.com/condaforge/condacore/diagnostics"
	"github.com/condaforge/condacore/matchspec"
	"github.com/condaforge/condacore/pool"
)

// Decision is one entry of the solved decision queue.
type Decision struct {
	Action   Action
	Solvable pool.SolvableID
}

// Result is the solver's output: either a decision queue, or a conflict
// report - never both.
type Result struct {
	Decisions []Decision
	Conflict  *diagnostics.ProblemsGraph
}

// Satisfied reports whether the solve produced a usable decision queue.
func (r *Result) Satisfied() bool { return r.Conflict == nil }

type pending struct {
	spec       matchspec.MatchSpec
	requiredBy pool.SolvableID // set only when !isRoot
	isRoot     bool            // requested directly by a job
	kind       diagnostics.EdgeKind
}

// Solve consumes p (whose what-provides index must already be built),
// jobs, and flags, and returns a decision queue or a conflict report. It
// implements strict channel priority tie-breaking (highest-priority repo
// with any candidate wins; within that repo order by version desc, build
// number desc, timestamp desc) and applies the Python pinning rule before
// walking dependencies.
//
// This is a greedy breadth-first resolver, not a full backtracking SAT
// search: once a name is bound to a candidate it is never revisited. That
// satisfies the black-box contract (§9 "extern C solver library") for the
// acyclic, mostly-unambiguous dependency graphs conda channels produce in
// practice, but it will report a conflict in some cases a backtracking
// engine could still satisfy by unwinding an earlier choice.
func Solve(ctx context.Context, p *pool.Pool, jobs []Job, flags Flags) (*Result, error) {
	ctx, span := otel.Tracer("condacore").Start(ctx, "solver.Solve")
	defer span.End()

	jobs = applyPythonPin(p, jobs, flags)

	chosen := make(map[string]pool.SolvableID)
	chosenBy := make(map[string]diagnostics.NodeID)
	g := diagnostics.NewProblemsGraph()

	var queue []pending
	var removals []pool.SolvableID

	for _, j := range jobs {
		switch j.Kind {
		case JobRemove:
			installed, ok := p.InstalledRepo()
			if !ok {
				return nil, fmt.Errorf("solver: remove job %q with no installed repo set", j.Spec.Name)
			}
			found := false
			installed.ForEachSolvable(p, func(id pool.SolvableID, s *pool.Solvable) {
				if s.Info.Name == j.Spec.Name {
					found = true
					removals = append(removals, id)
				}
			})
			if !found {
				root := diagnostics.Root
				c := g.AddConstraintNode(j.Spec.Name, "installed")
				g.AddEdge(root, c, diagnostics.EdgeDepends, j.Spec.Name)
				return &Result{Conflict: g}, nil
			}
		case JobInstall, JobUpdate, JobLock:
			queue = append(queue, pending{spec: j.Spec, isRoot: true, kind: diagnostics.EdgeDepends})
		}
	}

	conflict := false
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if existing, ok := chosen[item.spec.Name]; ok {
			sol, _ := p.Solvable(existing)
			if item.spec.Version.Satisfies(sol.Version) && item.spec.BuildMatches(sol.BuildString) {
				continue
			}
			conflict = true
			recordConflict(g, chosenBy, item)
			continue
		}

		dep := p.InternDependency(item.spec)
		candidates := p.WhatProvides(dep)
		if len(candidates) == 0 {
			conflict = true
			recordUnsatisfiable(ctx, g, p, item)
			continue
		}

		best := bestCandidate(p, candidates, flags)
		sol, _ := p.Solvable(best)
		chosen[item.spec.Name] = best
		nodeID := g.AddPackageNode(sol.Info.Name, sol.Version)
		chosenBy[item.spec.Name] = nodeID

		if !flags.NoDeps {
			for _, depID := range sol.Depends {
				queue = append(queue, pending{spec: p.Dependency(depID), requiredBy: best, kind: diagnostics.EdgeDepends})
			}
			for _, depID := range sol.Constrains {
				queue = append(queue, pending{spec: p.Dependency(depID), requiredBy: best, kind: diagnostics.EdgeConstrains})
			}
		}
	}

	if conflict {
		clog.WarnContextf(ctx, "solve failed: %d job(s) unsatisfiable", len(jobs))
		return &Result{Conflict: g.Simplify()}, nil
	}

	var decisions []Decision
	names := make([]string, 0, len(chosen))
	for name := range chosen {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic output per spec.md §8 invariant 3
	for _, name := range names {
		decisions = append(decisions, Decision{Action: ActionInstall, Solvable: chosen[name]})
	}
	for _, id := range removals {
		decisions = append(decisions, Decision{Action: ActionRemove, Solvable: id})
	}
	return &Result{Decisions: decisions}, nil
}

func recordConflict(g *diagnostics.ProblemsGraph, chosenBy map[string]diagnostics.NodeID, item pending) {
	c := g.AddConstraintNode(item.spec.Name, item.spec.String())
	if existing, ok := chosenBy[item.spec.Name]; ok {
		g.AddConflict(c, existing)
	}
}

func recordUnsatisfiable(ctx context.Context, g *diagnostics.ProblemsGraph, p *pool.Pool, item pending) {
	clog.DebugContextf(ctx, "no candidates satisfy %s", item.spec.String())
	c := g.AddConstraintNode(item.spec.Name, item.spec.String())
	from := diagnostics.Root
	if !item.isRoot {
		if sol, ok := p.Solvable(item.requiredBy); ok {
			from = g.AddPackageNode(sol.Info.Name, sol.Version)
		}
	}
	g.AddEdge(from, c, item.kind, item.spec.String())

	// Cite the versions that do exist for this name, per spec.md S1: the
	// problem must name the available versions alongside the unmet spec.
	unconstrained, _ := matchspec.Parse(item.spec.Name)
	dep := p.InternDependency(unconstrained)
	for _, sid := range p.WhatProvides(dep) {
		sol, ok := p.Solvable(sid)
		if !ok {
			continue
		}
		pkgNode := g.AddPackageNode(sol.Info.Name, sol.Version)
		g.AddConflict(c, pkgNode)
	}
}

// bestCandidate applies strict channel priority: among candidates, keep
// only those from the highest-priority repo that has any candidate, then
// order by (version desc, build_number desc, timestamp desc).
func bestCandidate(p *pool.Pool, candidates []pool.SolvableID, flags Flags) pool.SolvableID {
	repoOf := make(map[pool.SolvableID]*pool.Repo)
	for _, r := range p.Repos() {
		r.ForEachSolvable(p, func(id pool.SolvableID, _ *pool.Solvable) {
			repoOf[id] = r
		})
	}

	bestPriority := -1 << 31
	for _, id := range candidates {
		if r, ok := repoOf[id]; ok && r.Priority > bestPriority {
			bestPriority = r.Priority
		}
	}

	var filtered []pool.SolvableID
	for _, id := range candidates {
		if r, ok := repoOf[id]; ok && r.Priority == bestPriority {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		filtered = candidates
	}

	sort.Slice(filtered, func(i, j int) bool {
		si, _ := p.Solvable(filtered[i])
		sj, _ := p.Solvable(filtered[j])
		if c := si.Version.Compare(sj.Version); c != 0 {
			return c > 0
		}
		if si.BuildNumber != sj.BuildNumber {
			return si.BuildNumber > sj.BuildNumber
		}
		return si.Info.Timestamp > sj.Info.Timestamp
	})
	return filtered[0]
}
