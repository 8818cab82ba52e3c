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

// Package pool implements the in-memory package index: an interning table
// for strings and dependency atoms, repositories of solvables, and a
// what-provides index the solver queries. There are no package-level
// caches or singletons here (see DESIGN.md on "Global singletons") -
// every Pool is an explicit value a caller constructs and owns.
package pool

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/condaforge/condacore/matchspec"
	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/version"
)

// StringID interns a string; GetString is its inverse.
type StringID int32

// DepID interns one (name, operator-spec) dependency atom.
type DepID int32

// SolvableID identifies one package candidate within a Pool, unique across
// all repos it contains.
type SolvableID int32

// Solvable stores a package candidate the way the solver reads it: interned
// name, parsed depends/constrains as dep ids, and a back-pointer to its
// PackageInfo for round-tripping into a Transaction step. Solvable never
// holds a pointer back into a graph node; it is addressed only by
// SolvableID.
type Solvable struct {
	NameID      StringID
	Version     version.Version
	BuildString string
	BuildNumber int
	Depends     []DepID
	Constrains  []DepID
	Info        *pkginfo.PackageInfo
}

// depAtom is the parsed form of one interned dependency: a constrained
// reference to a package name, e.g. "numpy>=1.20".
type depAtom struct {
	nameID StringID
	spec   matchspec.MatchSpec
}

// Repo is a named group of solvables, optionally bound to a channel+subdir.
type Repo struct {
	ID              int
	Name            string
	URL             string
	Priority        int
	Subpriority     int
	HasChannelInfo  bool
	Installed       bool
	solvables       []SolvableID
}

// Pool is the interning and indexing structure shared by the solver and the
// transaction builder. The zero value is not usable; construct with New.
type Pool struct {
	mu sync.RWMutex

	strings    []string
	stringIDs  map[string]StringID

	deps      []depAtom
	depByText map[string]DepID

	repos        []*Repo
	installedID  int
	hasInstalled bool

	solvables map[SolvableID]*Solvable
	nextSolv  SolvableID

	whatProvides     map[DepID][]SolvableID
	whatProvidesGood bool
	byName           map[StringID][]SolvableID

	// whatProvidesCache memoizes the expanded candidate list for a dep id,
	// mirroring the teacher's globalIndexCache use of an LRU rather than an
	// unbounded map; it is invalidated wholesale on every create_whatprovides.
	whatProvidesCache *lru.Cache[DepID, []SolvableID]
}

// Option configures a new Pool.
type Option func(*Pool)

// WithWhatProvidesCacheSize overrides the default bounded memoization cache
// size for expanded what-provides queries.
func WithWhatProvidesCacheSize(n int) Option {
	return func(p *Pool) {
		c, err := lru.New[DepID, []SolvableID](n)
		if err == nil {
			p.whatProvidesCache = c
		}
	}
}

// New constructs an empty Pool.
func New(opts ...Option) *Pool {
	p := &Pool{
		stringIDs: make(map[string]StringID),
		depByText: make(map[string]DepID),
		solvables: make(map[SolvableID]*Solvable),
	}
	c, _ := lru.New[DepID, []SolvableID](4096)
	p.whatProvidesCache = c
	for _, o := range opts {
		o(p)
	}
	return p
}

// InternString interns s, returning its id.
func (p *Pool) InternString(s string) StringID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.internStringLocked(s)
}

func (p *Pool) internStringLocked(s string) StringID {
	if id, ok := p.stringIDs[s]; ok {
		return id
	}
	id := StringID(len(p.strings))
	p.strings = append(p.strings, s)
	p.stringIDs[s] = id
	return id
}

// GetString returns the interned string for id.
func (p *Pool) GetString(id StringID) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(p.strings) {
		return ""
	}
	return p.strings[id]
}

// InternDependency interns a parsed match-spec as a dependency atom keyed by
// its canonical string form, so identical specs across packages share one
// DepID.
func (p *Pool) InternDependency(spec matchspec.MatchSpec) DepID {
	p.mu.Lock()
	defer p.mu.Unlock()
	text := spec.String()
	if id, ok := p.depByText[text]; ok {
		return id
	}
	id := DepID(len(p.deps))
	p.deps = append(p.deps, depAtom{
		nameID: p.internStringLocked(spec.Name),
		spec:   spec,
	})
	p.depByText[text] = id
	return id
}

// Dependency returns the parsed match-spec for a dependency id.
func (p *Pool) Dependency(id DepID) matchspec.MatchSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if int(id) < 0 || int(id) >= len(p.deps) {
		return matchspec.MatchSpec{}
	}
	return p.deps[id].spec
}

// AddRepo registers a new, initially empty repository.
func (p *Pool) AddRepo(name string, opts ...RepoOption) (int, *Repo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := &Repo{ID: len(p.repos), Name: name}
	for _, o := range opts {
		o(r)
	}
	p.repos = append(p.repos, r)
	return r.ID, r
}

// RepoOption configures a Repo at AddRepo time.
type RepoOption func(*Repo)

func WithURL(url string) RepoOption          { return func(r *Repo) { r.URL = url } }
func WithPriority(pri int) RepoOption        { return func(r *Repo) { r.Priority = pri } }
func WithSubpriority(sub int) RepoOption     { return func(r *Repo) { r.Subpriority = sub } }
func WithChannelInfo() RepoOption            { return func(r *Repo) { r.HasChannelInfo = true } }

// RemoveRepo removes a repo and every solvable it owns from the pool.
func (p *Pool) RemoveRepo(repoID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if repoID < 0 || repoID >= len(p.repos) || p.repos[repoID] == nil {
		return fmt.Errorf("pool: no such repo %d", repoID)
	}
	r := p.repos[repoID]
	for _, sid := range r.solvables {
		delete(p.solvables, sid)
	}
	p.repos[repoID] = nil
	if p.hasInstalled && p.installedID == repoID {
		p.hasInstalled = false
	}
	p.whatProvidesGood = false
	return nil
}

// SetInstalledRepo designates repoID as representing current prefix state.
// Exactly one repo may hold this designation at a time.
func (p *Pool) SetInstalledRepo(repoID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if repoID < 0 || repoID >= len(p.repos) || p.repos[repoID] == nil {
		return fmt.Errorf("pool: no such repo %d", repoID)
	}
	if p.hasInstalled && p.repos[p.installedID] != nil {
		p.repos[p.installedID].Installed = false
	}
	p.installedID = repoID
	p.hasInstalled = true
	p.repos[repoID].Installed = true
	return nil
}

// InstalledRepo returns the repo designated installed, if any.
func (p *Pool) InstalledRepo() (*Repo, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.hasInstalled {
		return nil, false
	}
	return p.repos[p.installedID], true
}

// AddSolvable adds a package candidate to repo, interning its name and
// dependency strings, and returns its SolvableID.
func (p *Pool) AddSolvable(repoID int, info *pkginfo.PackageInfo) (SolvableID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if repoID < 0 || repoID >= len(p.repos) || p.repos[repoID] == nil {
		return 0, fmt.Errorf("pool: no such repo %d", repoID)
	}

	sol := &Solvable{
		NameID:      p.internStringLocked(info.Name),
		Version:     info.Version,
		BuildString: info.BuildString,
		BuildNumber: info.BuildNumber,
		Info:        info,
	}
	for _, raw := range info.Depends {
		spec, err := matchspec.Parse(raw)
		if err != nil {
			return 0, fmt.Errorf("pool: package %s: bad depends %q: %w", info.Name, raw, err)
		}
		sol.Depends = append(sol.Depends, p.internDepLocked(spec))
	}
	for _, raw := range info.Constrains {
		spec, err := matchspec.Parse(raw)
		if err != nil {
			return 0, fmt.Errorf("pool: package %s: bad constrains %q: %w", info.Name, raw, err)
		}
		sol.Constrains = append(sol.Constrains, p.internDepLocked(spec))
	}

	id := p.nextSolv
	p.nextSolv++
	p.solvables[id] = sol
	p.repos[repoID].solvables = append(p.repos[repoID].solvables, id)
	p.whatProvidesGood = false
	return id, nil
}

func (p *Pool) internDepLocked(spec matchspec.MatchSpec) DepID {
	text := spec.String()
	if id, ok := p.depByText[text]; ok {
		return id
	}
	id := DepID(len(p.deps))
	p.deps = append(p.deps, depAtom{nameID: p.internStringLocked(spec.Name), spec: spec})
	p.depByText[text] = id
	return id
}

// Solvable returns the solvable for id.
func (p *Pool) Solvable(id SolvableID) (*Solvable, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.solvables[id]
	return s, ok
}

// ForEachSolvable calls f for every solvable in repo, in insertion order.
func (r *Repo) ForEachSolvable(p *Pool, f func(SolvableID, *Solvable)) {
	p.mu.RLock()
	ids := append([]SolvableID(nil), r.solvables...)
	p.mu.RUnlock()
	for _, id := range ids {
		if s, ok := p.Solvable(id); ok {
			f(id, s)
		}
	}
}

// CreateWhatProvides rebuilds the dep_id -> solvable_ids index from every
// repo's current solvables. The solver invariant (spec.md §4.2) is that
// this must be called after any solvable addition and before solving;
// WhatProvides panics if it is not.
func (p *Pool) CreateWhatProvides() {
	p.mu.Lock()
	defer p.mu.Unlock()

	byName := make(map[StringID][]SolvableID)
	for _, r := range p.repos {
		if r == nil {
			continue
		}
		for _, sid := range r.solvables {
			sol := p.solvables[sid]
			byName[sol.NameID] = append(byName[sol.NameID], sid)
		}
	}

	wp := make(map[DepID][]SolvableID, len(p.deps))
	for depID, atom := range p.deps {
		wp[DepID(depID)] = p.matchDepLocked(atom, byName)
	}
	p.whatProvides = wp
	p.whatProvidesGood = true
	p.byName = byName
	p.whatProvidesCache.Purge()
}

func (p *Pool) matchDepLocked(atom depAtom, byName map[StringID][]SolvableID) []SolvableID {
	var matching []SolvableID
	for _, sid := range byName[atom.nameID] {
		sol := p.solvables[sid]
		if atom.spec.Version.Satisfies(sol.Version) && atom.spec.BuildMatches(sol.BuildString) {
			matching = append(matching, sid)
		}
	}
	return matching
}

// WhatProvides returns the solvables satisfying dep. It panics if
// CreateWhatProvides has not run since the pool was created or since the
// last solvable addition or repo removal, since stale answers here would silently
// corrupt solver output - the one place this package intentionally fails
// loudly rather than returning an empty result. A dep interned after the
// last CreateWhatProvides call (e.g. a root job spec for a name no other
// package depends on) is matched on demand against the byName grouping
// CreateWhatProvides already built, rather than forcing every caller to
// re-run the full index rebuild for one new atom.
func (p *Pool) WhatProvides(dep DepID) []SolvableID {
	p.mu.RLock()
	if !p.whatProvidesGood {
		p.mu.RUnlock()
		panic("pool: WhatProvides called before CreateWhatProvides")
	}
	if cached, ok := p.whatProvidesCache.Get(dep); ok {
		p.mu.RUnlock()
		return cached
	}
	if res, ok := p.whatProvides[dep]; ok {
		p.mu.RUnlock()
		p.whatProvidesCache.Add(dep, res)
		return res
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if int(dep) < 0 || int(dep) >= len(p.deps) {
		return nil
	}
	res := p.matchDepLocked(p.deps[dep], p.byName)
	p.whatProvides[dep] = res
	p.whatProvidesCache.Add(dep, res)
	return res
}

// Repos returns every live repo, in registration order, skipping removed
// ones.
func (p *Pool) Repos() []*Repo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Repo
	for _, r := range p.repos {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
