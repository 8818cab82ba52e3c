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

// Package fetch implements the download half of spec.md §4.5's fetch/extract
// pipeline: a bounded-concurrency pool of HTTP transfers that starts large
// packages first, validates checksums on completion, and de-duplicates
// concurrent requests for the same URL in a process.
package fetch

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"github.com/chainguard-dev/clog"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/condaforge/condacore/pkginfo"
)

// Target describes one package to download: where to put it, and how to
// validate it once downloaded.
type Target struct {
	Pkg  pkginfo.PackageInfo
	Dest string // destination tarball path, e.g. <cache>/<name>-<version>-<build>.conda
}

// Result reports the outcome of fetching one Target.
type Result struct {
	Target Target
	Err    error
}

// Pool is a bounded-concurrency download pool (spec.md §4.5): "a download
// pool — a bounded-parallelism group of HTTP transfers... number of
// simultaneous connections is configurable."
type Pool struct {
	client   *retryablehttp.Client
	jobs     int
	limiter  *rate.Limiter
	inflight singleflight.Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the number of simultaneous transfers.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.jobs = n }
}

// WithRateLimit caps aggregate download bandwidth in bytes/sec.
func WithRateLimit(bytesPerSec int) Option {
	return func(p *Pool) {
		if bytesPerSec > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
		}
	}
}

// WithHTTPClient overrides the underlying retryablehttp client.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(p *Pool) { p.client = c }
}

// New constructs a Pool with the given options.
func New(opts ...Option) *Pool {
	p := &Pool{
		client: retryablehttp.NewClient(),
		jobs:   4,
	}
	p.client.Logger = nil
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch downloads every target, starting large packages first (§4.5:
// "start-order by descending expected size"), bounded to p.jobs concurrent
// transfers, and validates each tarball's checksum on completion.
func (p *Pool) Fetch(ctx context.Context, targets []Target) []Result {
	ordered := make([]Target, len(targets))
	copy(ordered, targets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Pkg.Size > ordered[j].Pkg.Size
	})

	results := make([]Result, len(ordered))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.jobs)

	for i, t := range ordered {
		i, t := i, t
		g.Go(func() error {
			err := p.fetchOne(gctx, t)
			results[i] = Result{Target: t, Err: err}
			return nil // per-package failures don't cancel sibling downloads
		})
	}
	_ = g.Wait()
	return results
}

// fetchOne downloads a single target, de-duplicating concurrent requests
// for the same URL across callers in this process (spec.md §4.5 makes no
// such requirement explicitly, but §9's "Global singletons" note permits
// in-flight de-dup as long as it's scoped, not global state — here it is
// scoped to the Pool instance via singleflight.Group, not a package var).
func (p *Pool) fetchOne(ctx context.Context, t Target) error {
	log := clog.FromContext(ctx)
	ctx, span := otel.Tracer("condacore").Start(ctx, "fetch.Pool.fetchOne",
		trace.WithAttributes(attribute.String("package", t.Pkg.Name), attribute.Int64("size", t.Pkg.Size)))
	defer span.End()

	_, err, _ := p.inflight.Do(t.Pkg.URL, func() (any, error) {
		return nil, p.download(ctx, t)
	})
	if err != nil {
		log.Debugf("fetch %s: %v", t.Pkg.Name, err)
	}
	return err
}

func (p *Pool) download(ctx context.Context, t Target) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.Pkg.URL, nil)
	if err != nil {
		return fmt.Errorf("fetch: build request for %s: %w", t.Pkg.URL, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: GET %s: %w", t.Pkg.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch: GET %s: status %s", t.Pkg.URL, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(t.Dest), 0o755); err != nil {
		return fmt.Errorf("fetch: create dest dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.Dest), filepath.Base(t.Dest)+".*.part")
	if err != nil {
		return fmt.Errorf("fetch: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	sum256 := sha256.New()
	sumMD5 := md5.New()
	mw := io.MultiWriter(tmp, sum256, sumMD5)

	var r io.Reader = resp.Body
	if p.limiter != nil {
		r = &rateLimitedReader{r: resp.Body, limiter: p.limiter, ctx: ctx}
	}

	n, err := io.Copy(mw, r)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("fetch: download body for %s: %w", t.Pkg.URL, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fetch: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fetch: close %s: %w", tmpName, err)
	}

	if err := validate(t.Pkg, n, sum256, sumMD5); err != nil {
		return err
	}
	if err := os.Rename(tmpName, t.Dest); err != nil {
		return fmt.Errorf("fetch: rename into place: %w", err)
	}
	return nil
}

// validate implements §4.5's "compare size, then verify sha256 (preferred)
// or md5" rule. On mismatch the caller's deferred os.Remove(tmpName) deletes
// the partial tarball; per §4.5 this is fatal and must not be retried in the
// same run.
func validate(pkg pkginfo.PackageInfo, gotSize int64, sum256, sumMD5 interface{ Sum([]byte) []byte }) error {
	if pkg.Size > 0 && gotSize != pkg.Size {
		return fmt.Errorf("fetch: size mismatch for %s: got %d want %d", pkg.Name, gotSize, pkg.Size)
	}
	if pkg.SHA256 != "" {
		if got := hex.EncodeToString(sum256.Sum(nil)); got != pkg.SHA256 {
			return fmt.Errorf("fetch: sha256 mismatch for %s: got %s want %s", pkg.Name, got, pkg.SHA256)
		}
		return nil
	}
	if pkg.MD5 != "" {
		if got := hex.EncodeToString(sumMD5.Sum(nil)); got != pkg.MD5 {
			return fmt.Errorf("fetch: md5 mismatch for %s: got %s want %s", pkg.Name, got, pkg.MD5)
		}
	}
	return nil
}

type rateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (rl *rateLimitedReader) Read(buf []byte) (int, error) {
	n, err := rl.r.Read(buf)
	if n > 0 {
		if werr := rl.limiter.WaitN(rl.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
