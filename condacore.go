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

// Package condacore is the top-level facade (spec.md §2 SYSTEM OVERVIEW):
// it wires Channel/SubdirData, Pool, Solver, PrefixData, PackageCache,
// fetch/extract, and Transaction into the three operations a caller
// actually wants - resolve a job list against the world, turn the result
// into a transaction plan, and commit that plan to a prefix - the same way
// the teacher's APK type chains ResolveWorld -> CalculateWorld ->
// FixateWorld.
package condacore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"

	"github.com/condaforge/condacore/cache"
	"github.com/condaforge/condacore/channel"
	"github.com/condaforge/condacore/envlock"
	"github.com/condaforge/condacore/extract"
	"github.com/condaforge/condacore/fetch"
	"github.com/condaforge/condacore/lockfile"
	"github.com/condaforge/condacore/matchspec"
	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/pool"
	"github.com/condaforge/condacore/prefixdata"
	"github.com/condaforge/condacore/solver"
	"github.com/condaforge/condacore/transaction"
)

// Session holds everything a resolve/commit cycle needs for one prefix:
// its channels, cache, and fetch/extract concurrency, the way an APK value
// holds a repository set and root filesystem for its prefix.
type Session struct {
	prefix      string
	platform    string
	channels    []channel.Channel
	repodataDir string
	cache       *cache.MultiPackageCache
	fetchPool   *fetch.Pool
	extractPool *extract.Pool
	flags       solver.Flags
	httpClient  *retryablehttp.Client
}

type opts struct {
	prefix       string
	platform     string
	aliasBaseURL string
	channels     []string
	cacheDirs    []string
	repodataDir  string
	jobs         int
	rateLimitBPS int
	httpClient   *retryablehttp.Client
	flags        solver.Flags
}

// Option configures a new Session.
type Option func(*opts) error

// WithPrefix sets the environment prefix to operate on. Required.
func WithPrefix(prefix string) Option {
	return func(o *opts) error {
		o.prefix = prefix
		return nil
	}
}

// WithPlatform overrides the default platform subdir (e.g. "linux-64").
// If not provided, defaults from runtime.GOOS/GOARCH.
func WithPlatform(platform string) Option {
	return func(o *opts) error {
		o.platform = platform
		return nil
	}
}

// WithAliasBaseURL sets the default channel host bare channel names
// resolve against (e.g. "https://conda.anaconda.org").
func WithAliasBaseURL(url string) Option {
	return func(o *opts) error {
		o.aliasBaseURL = url
		return nil
	}
}

// WithChannels sets the ordered channel token list, highest priority
// first, exactly as passed to channel.Resolve.
func WithChannels(tokens ...string) Option {
	return func(o *opts) error {
		o.channels = append(o.channels, tokens...)
		return nil
	}
}

// WithCacheDirs sets the ordered package cache directory list; the first
// writable one is the download/extract target.
func WithCacheDirs(dirs ...string) Option {
	return func(o *opts) error {
		o.cacheDirs = append(o.cacheDirs, dirs...)
		return nil
	}
}

// WithRepodataDir sets the directory subdir repodata caches are rooted
// under. Defaults to a "channels" directory inside the first cache dir if
// unset.
func WithRepodataDir(dir string) Option {
	return func(o *opts) error {
		o.repodataDir = dir
		return nil
	}
}

// WithConcurrency sets the fetch/extract worker count. Defaults to
// runtime.GOMAXPROCS(0), mirroring the teacher's CalculateWorld/
// InstallPackages job count.
func WithConcurrency(jobs int) Option {
	return func(o *opts) error {
		o.jobs = jobs
		return nil
	}
}

// WithRateLimit caps aggregate download bandwidth in bytes/sec. Zero (the
// default) means unlimited.
func WithRateLimit(bytesPerSec int) Option {
	return func(o *opts) error {
		o.rateLimitBPS = bytesPerSec
		return nil
	}
}

// WithHTTPClient overrides the retryablehttp client used for repodata
// refreshes and downloads.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(o *opts) error {
		o.httpClient = c
		return nil
	}
}

// WithFlags sets the solver-wide flags (spec.md §4.2).
func WithFlags(flags solver.Flags) Option {
	return func(o *opts) error {
		o.flags = flags
		return nil
	}
}

func defaultOpts() *opts {
	return &opts{
		platform: defaultPlatform(),
		jobs:     runtime.GOMAXPROCS(0),
	}
}

func defaultPlatform() string {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "osx-arm64"
		}
		return "osx-64"
	case "windows":
		return "win-64"
	default:
		if runtime.GOARCH == "arm64" {
			return "linux-aarch64"
		}
		return "linux-64"
	}
}

// New constructs a Session from options. At minimum WithPrefix,
// WithChannels and WithCacheDirs must be given.
func New(options ...Option) (*Session, error) {
	o := defaultOpts()
	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if o.prefix == "" {
		return nil, fmt.Errorf("condacore: WithPrefix is required")
	}
	if len(o.channels) == 0 {
		return nil, fmt.Errorf("condacore: at least one WithChannels token is required")
	}
	if len(o.cacheDirs) == 0 {
		return nil, fmt.Errorf("condacore: at least one WithCacheDirs entry is required")
	}
	if o.repodataDir == "" {
		o.repodataDir = filepath.Join(o.cacheDirs[0], "channels")
	}

	resolved := make([]channel.Channel, 0, len(o.channels))
	for _, token := range o.channels {
		ch, err := channel.Resolve(token, o.aliasBaseURL, o.platform)
		if err != nil {
			return nil, fmt.Errorf("condacore: %w", err)
		}
		resolved = append(resolved, ch)
	}

	var fetchOpts []fetch.Option
	if o.httpClient != nil {
		fetchOpts = append(fetchOpts, fetch.WithHTTPClient(o.httpClient))
	}
	if o.jobs > 0 {
		fetchOpts = append(fetchOpts, fetch.WithConcurrency(o.jobs))
	}
	if o.rateLimitBPS > 0 {
		fetchOpts = append(fetchOpts, fetch.WithRateLimit(o.rateLimitBPS))
	}

	return &Session{
		prefix:      o.prefix,
		platform:    o.platform,
		channels:    resolved,
		repodataDir: o.repodataDir,
		cache:       cache.New(o.cacheDirs),
		fetchPool:   fetch.New(fetchOpts...),
		extractPool: extract.New(o.jobs),
		flags:       o.flags,
		httpClient:  o.httpClient,
	}, nil
}

// Resolve refreshes every channel subdir, builds a Pool over their
// packages plus the prefix's installed set, and runs the solver against
// jobs. It returns the Pool alongside the Result since Plan needs both to
// translate SolvableIDs back into PackageInfo and installed-set diffs.
func (s *Session) Resolve(ctx context.Context, jobs []solver.Job) (*pool.Pool, *solver.Result, error) {
	ctx, span := otel.Tracer("condacore").Start(ctx, "Session.Resolve")
	defer span.End()
	log := clog.FromContext(ctx)

	p := pool.New()

	for i, ch := range s.channels {
		repoID, _ := p.AddRepo(ch.Name, pool.WithURL(ch.BaseURL), pool.WithPriority(len(s.channels)-i), pool.WithChannelInfo())
		for _, subdir := range ch.Subdirs {
			sd := channel.New(ch, subdir, s.repodataDir, s.subdirOptions()...)
			pkgs, err := sd.Refresh(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("condacore: refresh %s/%s: %w", ch.Name, subdir, err)
			}
			log.Debugf("condacore: %s/%s: %d packages", ch.Name, subdir, len(pkgs))
			for i := range pkgs {
				pkgs[i].Channel = ch.Name
				// spec.md §4.1: "each record's url is the channel base +
				// subdir + filename" - parseRepodata can't fill this in
				// since it only sees the repodata.json body, not the
				// SubdirData that fetched it.
				pkgs[i].URL = ch.SubdirURL(subdir) + "/" + pkgs[i].Filename
				if _, err := p.AddSolvable(repoID, &pkgs[i]); err != nil {
					return nil, nil, &DepError{Package: pkgs[i].Name, Err: err}
				}
			}
		}
	}

	pd, err := prefixdata.Load(s.prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("condacore: load prefix data: %w", err)
	}
	installedID, _ := p.AddRepo("installed")
	for _, pkg := range pd.All() {
		pkg := pkg
		if _, err := p.AddSolvable(installedID, &pkg); err != nil {
			return nil, nil, &DepError{Package: pkg.Name, Err: err}
		}
	}
	if err := p.SetInstalledRepo(installedID); err != nil {
		return nil, nil, fmt.Errorf("condacore: %w", err)
	}

	p.CreateWhatProvides()

	result, err := solver.Solve(ctx, p, jobs, s.flags)
	if err != nil {
		return nil, nil, fmt.Errorf("condacore: solve: %w", err)
	}
	if !result.Satisfied() {
		return p, result, &UnsatisfiableError{Report: result.Conflict}
	}
	return p, result, nil
}

func (s *Session) subdirOptions() []channel.Option {
	var opts []channel.Option
	if s.httpClient != nil {
		opts = append(opts, channel.WithHTTPClient(s.httpClient))
	}
	return opts
}

// Plan turns a satisfied solver Result into a transaction.Plan by diffing
// the decision queue's resulting install set against the prefix's current
// installed set (spec.md §3 Transaction: install/remove/upgrade/reinstall
// steps). A package present in both sets under the same dist string is a
// no-op: still part of ToLink (it's already linked) but no Op is emitted
// for it.
func (s *Session) Plan(ctx context.Context, p *pool.Pool, result *solver.Result) (transaction.Plan, error) {
	if !result.Satisfied() {
		return transaction.Plan{}, &UnsatisfiableError{Report: result.Conflict}
	}

	pd, err := prefixdata.Load(s.prefix)
	if err != nil {
		return transaction.Plan{}, fmt.Errorf("condacore: load prefix data: %w", err)
	}

	target := map[string]pkginfo.PackageInfo{}
	for _, d := range result.Decisions {
		if d.Action != solver.ActionInstall {
			continue
		}
		sol, ok := p.Solvable(d.Solvable)
		if !ok || sol.Info == nil {
			continue
		}
		target[sol.Info.Name] = *sol.Info
	}
	// Everything installed that the decision queue didn't touch stays.
	old := map[string]pkginfo.PackageInfo{}
	for _, pkg := range pd.All() {
		old[pkg.Name] = pkg
		if _, touched := target[pkg.Name]; !touched {
			touched = false
			for _, d := range result.Decisions {
				if d.Action == solver.ActionRemove {
					if sol, ok := p.Solvable(d.Solvable); ok && sol.Info != nil && sol.Info.Name == pkg.Name {
						touched = true
						break
					}
				}
			}
			if !touched {
				target[pkg.Name] = pkg
			}
		}
	}

	var plan transaction.Plan
	for name, nw := range target {
		ex, wasInstalled := old[name]
		switch {
		case !wasInstalled:
			plan.Ops = append(plan.Ops, transaction.Op{Kind: transaction.OpInstall, New: nw})
		case ex.Dist() != nw.Dist():
			plan.Ops = append(plan.Ops, transaction.Op{Kind: transaction.OpChange, Old: ex, New: nw})
		}
		plan.ToLink = append(plan.ToLink, nw)
		if s.cache.GetExtractedDirPath(nw, false) == "" {
			plan.ToFetch = append(plan.ToFetch, nw)
		}
	}
	for name, ex := range old {
		if _, kept := target[name]; !kept {
			plan.Ops = append(plan.Ops, transaction.Op{Kind: transaction.OpRemove, Old: ex})
		}
	}

	if installedMinor := installedPythonMinor(pd); installedMinor != "" &&
		solver.NoarchPythonRelinkNeeded(p, result.Decisions, installedMinor) {
		plan.Ops = append(plan.Ops, relinkNoarchPythonOps(pd)...)
	}

	return plan, nil
}

// installedPythonMinor returns the installed python package's "major.minor"
// string, or "" if python isn't installed (EXPANSION C noarch relink).
func installedPythonMinor(pd *prefixdata.PrefixData) string {
	py, ok := pd.Get("python")
	if !ok {
		return ""
	}
	parts := strings.SplitN(py.Version.String(), ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// relinkNoarchPythonOps forces a Change(pkg -> pkg) step for every
// installed noarch:python package, so its compiled-in shebang/placeholder
// substitution is redone against the new interpreter minor version.
func relinkNoarchPythonOps(pd *prefixdata.PrefixData) []transaction.Op {
	var ops []transaction.Op
	for _, pkg := range pd.All() {
		if pkg.NoarchKind == pkginfo.NoarchPython {
			ops = append(ops, transaction.Op{Kind: transaction.OpChange, Old: pkg, New: pkg})
		}
	}
	return ops
}

// Commit runs plan against the session's prefix (spec.md §4.6), naming the
// lock holder PID in the returned error when the prefix is contended.
func (s *Session) Commit(ctx context.Context, plan transaction.Plan, cmd string) error {
	ctx, span := otel.Tracer("condacore").Start(ctx, "Session.Commit")
	defer span.End()

	condaMeta := filepath.Join(s.prefix, prefixdata.MetaDir)
	lock := lockfile.New(condaMeta)

	err := transaction.Run(ctx, plan, transaction.Options{
		Prefix:  s.prefix,
		Cache:   s.cache,
		Fetch:   s.fetchPool,
		Extract: s.extractPool,
		Cmd:     cmd,
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		pid, _ := lock.OwnerPID()
		return &LockContentionError{Prefix: s.prefix, PID: pid, Err: err}
	}
	return err
}

// Install resolves specs against the world and commits the resulting plan
// in one call, the facade's equivalent of the teacher's FixateWorld.
func (s *Session) Install(ctx context.Context, specs []string, cmd string) error {
	jobs := make([]solver.Job, 0, len(specs))
	for _, raw := range specs {
		spec, err := matchspec.Parse(raw)
		if err != nil {
			return &ConstraintError{Spec: raw, Err: err}
		}
		jobs = append(jobs, solver.Job{Kind: solver.JobInstall, Spec: spec})
	}

	p, result, err := s.Resolve(ctx, jobs)
	if err != nil {
		return err
	}
	plan, err := s.Plan(ctx, p, result)
	if err != nil {
		return err
	}
	return s.Commit(ctx, plan, cmd)
}

// Remove resolves the removal of specs and commits the resulting plan.
func (s *Session) Remove(ctx context.Context, specs []string, cmd string) error {
	jobs := make([]solver.Job, 0, len(specs))
	for _, raw := range specs {
		spec, err := matchspec.Parse(raw)
		if err != nil {
			return &ConstraintError{Spec: raw, Err: err}
		}
		jobs = append(jobs, solver.Job{Kind: solver.JobRemove, Spec: spec})
	}

	p, result, err := s.Resolve(ctx, jobs)
	if err != nil {
		return err
	}
	plan, err := s.Plan(ctx, p, result)
	if err != nil {
		return err
	}
	return s.Commit(ctx, plan, cmd)
}

// InstallExplicit installs one or more explicit package URLs (spec.md §6
// "Explicit spec URL"), bypassing the solver entirely: each URL already
// names an exact build, so there is nothing to resolve against the world.
func (s *Session) InstallExplicit(ctx context.Context, rawURLs []string, cmd string) error {
	var plan transaction.Plan
	for _, raw := range rawURLs {
		u, err := matchspec.ParseExplicitURL(raw)
		if err != nil {
			return &ConstraintError{Spec: raw, Err: err}
		}
		pkg, err := pkginfo.ParseFilename(filepath.Base(u.URL))
		if err != nil {
			return &ConstraintError{Spec: raw, Err: err}
		}
		pkg.URL = u.URL
		pkg.MD5 = u.MD5
		pkg.SHA256 = u.SHA256

		plan.Ops = append(plan.Ops, transaction.Op{Kind: transaction.OpInstall, New: pkg})
		plan.ToLink = append(plan.ToLink, pkg)
		plan.ToFetch = append(plan.ToFetch, pkg)
	}
	return s.Commit(ctx, plan, cmd)
}

// InstallFromLockfile reads an environment lockfile (spec.md §6) and
// commits its pinned conda package list directly, without invoking the
// solver (EXPANSION C). Pip entries are reported back uninstalled, since
// this module's Transaction only links conda packages.
func (s *Session) InstallFromLockfile(ctx context.Context, path, cmd string) ([]envlock.Entry, error) {
	lf, err := envlock.Load(path)
	if err != nil {
		return nil, err
	}
	conda, pip, err := envlock.Resolve(lf)
	if err != nil {
		return nil, err
	}

	var plan transaction.Plan
	for _, pkg := range conda {
		plan.Ops = append(plan.Ops, transaction.Op{Kind: transaction.OpInstall, New: pkg})
		plan.ToLink = append(plan.ToLink, pkg)
		plan.ToFetch = append(plan.ToFetch, pkg)
	}
	if err := s.Commit(ctx, plan, cmd); err != nil {
		return nil, err
	}
	return pip, nil
}
