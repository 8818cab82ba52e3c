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

package transaction

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"

	"github.com/condaforge/condacore/cache"
	"github.com/condaforge/condacore/extract"
	"github.com/condaforge/condacore/fetch"
	"github.com/condaforge/condacore/history"
	"github.com/condaforge/condacore/linker"
	"github.com/condaforge/condacore/lockfile"
	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/prefixdata"
	"github.com/condaforge/condacore/trash"
)

// Options configures a transaction run.
type Options struct {
	Prefix       string
	Cache        *cache.MultiPackageCache
	Fetch        *fetch.Pool
	Extract      *extract.Pool
	DownloadOnly bool
	Cmd          string // original command line, recorded in history
}

// undo is a rollback action pushed alongside each applied Op.
type undo func(ctx context.Context) error

// Run executes plan against prefix: acquire the lock, clean stale trash,
// fetch and extract everything needed, then walk the ordered plan linking
// and unlinking, rolling back on interruption (spec.md §4.6).
//
// Fetch and extract each run as one bounded-concurrency phase covering every
// package that needs it, rather than interleaving per-package download and
// extract pipelines; spec.md §5 permits downloads and extractions to
// "complete in any order relative to each other" but only requires that
// all of them finish before any link step runs, which a two-phase fetch-
// then-extract still satisfies.
func Run(ctx context.Context, plan Plan, opts Options) error {
	log := clog.FromContext(ctx)
	ctx, span := otel.Tracer("condacore").Start(ctx, "transaction.Run")
	defer span.End()

	condaMeta := filepath.Join(opts.Prefix, prefixdata.MetaDir)

	lock := lockfile.New(condaMeta)
	if err := lock.Acquire(ctx); err != nil {
		return fmt.Errorf("transaction: acquire prefix lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnf("transaction: release prefix lock: %v", err)
		}
	}()

	if err := trash.Clean(opts.Prefix); err != nil {
		log.Debugf("transaction: clean stale trash: %v", err)
	}

	pd, err := prefixdata.Load(opts.Prefix)
	if err != nil {
		return fmt.Errorf("transaction: load prefix data: %w", err)
	}

	if err := fetchAndExtract(ctx, plan, opts); err != nil {
		return fmt.Errorf("transaction: fetch/extract: %w", err)
	}

	if opts.DownloadOnly {
		return nil
	}

	if err := applyOps(ctx, plan.Ops, opts, pd); err != nil {
		return err
	}

	req := history.UserRequest{Timestamp: stamp(), Cmd: opts.Cmd}
	for _, op := range plan.Ops {
		switch op.Kind {
		case OpInstall:
			req.LinkDists = append(req.LinkDists, op.New.Dist())
		case OpRemove:
			req.UnlinkDists = append(req.UnlinkDists, op.Old.Dist())
		case OpChange:
			req.UnlinkDists = append(req.UnlinkDists, op.Old.Dist())
			req.LinkDists = append(req.LinkDists, op.New.Dist())
		}
	}
	if err := history.Append(condaMeta, req); err != nil {
		return fmt.Errorf("transaction: append history: %w", err)
	}
	return nil
}

// stamp is a seam so tests can observe the history record shape without
// depending on wall-clock time.
var stamp = func() time.Time { return time.Now() }

func fetchAndExtract(ctx context.Context, plan Plan, opts Options) error {
	writable := opts.Cache.FirstWritablePath()

	var fetchTargets []fetch.Target
	var extractTasks []extract.Task
	for _, pkg := range plan.ToLink {
		if opts.Cache.GetExtractedDirPath(pkg, false) != "" {
			continue // already extracted somewhere valid
		}
		tarballPath := opts.Cache.GetTarballPath(pkg)
		if tarballPath == "" {
			dest := filepath.Join(writable, tarballName(pkg))
			fetchTargets = append(fetchTargets, fetch.Target{Pkg: pkg, Dest: dest})
			extractTasks = append(extractTasks, extract.Task{Pkg: pkg, TarballDir: writable, CacheDir: writable})
			continue
		}
		extractTasks = append(extractTasks, extract.Task{Pkg: pkg, TarballDir: filepath.Dir(tarballPath), CacheDir: writable})
	}

	if len(fetchTargets) > 0 {
		for _, r := range opts.Fetch.Fetch(ctx, fetchTargets) {
			if r.Err != nil {
				return fmt.Errorf("download %s: %w", r.Target.Pkg.Name, r.Err)
			}
		}
	}

	if len(extractTasks) > 0 {
		for _, r := range opts.Extract.Extract(ctx, extractTasks) {
			if r.Err != nil {
				return fmt.Errorf("extract %s: %w", r.Task.Pkg.Name, r.Err)
			}
			opts.Cache.ClearQueryCache(r.Task.Pkg)
		}
	}
	return nil
}

func applyOps(ctx context.Context, ops []Op, opts Options, pd *prefixdata.PrefixData) error {
	var rollback []undo

	abort := func(cause error) error {
		for i := len(rollback) - 1; i >= 0; i-- {
			if err := rollback[i](context.Background()); err != nil {
				clog.FromContext(ctx).Warnf("transaction: rollback step failed: %v", err)
			}
		}
		return fmt.Errorf("transaction aborted, rolled back: %w", cause)
	}

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		switch op.Kind {
		case OpInstall:
			if err := linkFromCache(ctx, opts, op.New, pd); err != nil {
				return abort(err)
			}
			rollback = append(rollback, func(ctx context.Context) error {
				return linker.UnlinkPackage(ctx, opts.Prefix, op.New.Name, pd)
			})
		case OpRemove:
			old := op.Old
			if err := linker.UnlinkPackage(ctx, opts.Prefix, old.Name, pd); err != nil {
				return abort(err)
			}
			rollback = append(rollback, func(ctx context.Context) error {
				return linkFromCache(ctx, opts, old, pd)
			})
		case OpChange:
			old, nw := op.Old, op.New
			if err := linker.UnlinkPackage(ctx, opts.Prefix, old.Name, pd); err != nil {
				return abort(err)
			}
			if err := linkFromCache(ctx, opts, nw, pd); err != nil {
				return abort(err)
			}
			rollback = append(rollback, func(ctx context.Context) error {
				if err := linker.UnlinkPackage(ctx, opts.Prefix, nw.Name, pd); err != nil {
					return err
				}
				return linkFromCache(ctx, opts, old, pd)
			})
		}
	}
	return nil
}

func linkFromCache(ctx context.Context, opts Options, pkg pkginfo.PackageInfo, pd *prefixdata.PrefixData) error {
	dir := opts.Cache.GetExtractedDirPath(pkg, false)
	if dir == "" {
		return fmt.Errorf("no validated extracted tree for %s", pkg.Name)
	}
	return linker.LinkPackage(ctx, dir, opts.Prefix, pkg, pd)
}

func tarballName(pkg pkginfo.PackageInfo) string {
	if pkg.Filename != "" {
		return pkg.Filename
	}
	return pkg.Dist() + ".conda"
}
