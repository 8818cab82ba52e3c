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

package channel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"

	"github.com/chainguard-dev/clog"

	"github.com/condaforge/condacore/pkginfo"
)

// SubdirData owns one (channel, subdir)'s local repodata cache and fetches
// updates per the refresh protocol in spec.md §4.1.
type SubdirData struct {
	Channel  Channel
	Subdir   string
	CacheDir string

	client *retryablehttp.Client
	ttl    time.Duration
}

// Option configures a SubdirData.
type Option func(*SubdirData)

// WithHTTPClient overrides the retryablehttp client used for refreshes.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(s *SubdirData) { s.client = c }
}

// WithLocalRepodataTTL sets how long a cached repodata.json is trusted
// without a conditional request.
func WithLocalRepodataTTL(d time.Duration) Option {
	return func(s *SubdirData) { s.ttl = d }
}

// New constructs a SubdirData for one (channel, subdir), rooted at
// cacheRoot/<channel-name>/<subdir>.
func New(ch Channel, subdir, cacheRoot string, opts ...Option) *SubdirData {
	s := &SubdirData{
		Channel:  ch,
		Subdir:   subdir,
		CacheDir: filepath.Join(cacheRoot, sanitize(ch.Name), subdir),
		client:   defaultClient(),
		ttl:      15 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func defaultClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 4
	c.Logger = nil // the teacher's pattern: route retry logs through clog at call sites, not a third logging path
	// The default policy covers 429 and 5xx; 413 is retried as well.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && ctx.Err() == nil && resp != nil && resp.StatusCode == http.StatusRequestEntityTooLarge {
			return true, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return c
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r == '/' || r == ':':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

func (s *SubdirData) repodataPath() string { return filepath.Join(s.CacheDir, "repodata.json") }
func (s *SubdirData) zstPath() string      { return filepath.Join(s.CacheDir, "repodata.json.zst") }
func (s *SubdirData) repodataURL() string  { return s.Channel.SubdirURL(s.Subdir) + "/repodata.json" }

// Refresh runs the §4.1 refresh protocol and returns the parsed records.
// It never performs a network call when the state file exists and the
// cached payload is still within ttl.
func (s *SubdirData) Refresh(ctx context.Context) ([]pkginfo.PackageInfo, error) {
	ctx, span := otel.Tracer("condacore").Start(ctx, "SubdirData.Refresh")
	defer span.End()

	state, haveState := readState(s.CacheDir)

	if haveState {
		if fi, err := os.Stat(s.repodataPath()); err == nil {
			if time.Since(fi.ModTime()) < s.ttl {
				clog.DebugContextf(ctx, "repodata for %s/%s is fresh, skipping network", s.Channel.Name, s.Subdir)
				return s.readCached(ctx)
			}
		}
	}

	body, newState, unchanged, err := s.conditionalGet(ctx, state)
	if err != nil {
		return nil, err
	}
	if unchanged {
		newState.Size = state.Size
		if err := writeState(s.CacheDir, newState); err != nil {
			return nil, err
		}
		return s.readCached(ctx)
	}

	if err := s.writeBody(ctx, body); err != nil {
		return nil, err
	}
	newState.Size = int64(len(body))
	if err := writeState(s.CacheDir, newState); err != nil {
		return nil, err
	}
	return parseRepodata(body)
}

// conditionalGet performs the conditional GET of step 2, retrying
// retryable status codes (413, 429, 5xx) with backoff per step 4.
func (s *SubdirData) conditionalGet(ctx context.Context, prev State) (body []byte, next State, unchanged bool, err error) {
	url := s.repodataURL()
	tryZst := prefersZst(prev)
	if tryZst {
		url = url + ".zst"
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, State{}, false, fmt.Errorf("channel: build request for %s: %w", url, err)
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.Mod != "" {
		req.Header.Set("If-Modified-Since", prev.Mod)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if tryZst {
			clog.DebugContextf(ctx, "repodata.json.zst unavailable for %s/%s, falling back to plain json: %v", s.Channel.Name, s.Subdir, err)
			return s.conditionalGetPlain(ctx, prev)
		}
		return nil, State{}, false, fmt.Errorf("channel: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, State{
			URL:  s.repodataURL(),
			ETag: prev.ETag,
			Mod:  prev.Mod,
			HasZst: HasZst{Value: tryZst, LastChecked: time.Now().Unix()},
		}, true, nil
	}
	if resp.StatusCode == http.StatusNotFound && tryZst {
		return s.conditionalGetPlain(ctx, prev)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, State{}, false, fmt.Errorf("channel: fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, State{}, false, fmt.Errorf("channel: read body from %s: %w", url, err)
	}
	if tryZst {
		raw, err = decodeZst(raw)
		if err != nil {
			return nil, State{}, false, fmt.Errorf("channel: decode zst body from %s: %w", url, err)
		}
	}

	return raw, State{
		URL:    s.repodataURL(),
		ETag:   resp.Header.Get("ETag"),
		Mod:    resp.Header.Get("Last-Modified"),
		HasZst: HasZst{Value: tryZst, LastChecked: time.Now().Unix()},
	}, false, nil
}

func (s *SubdirData) conditionalGetPlain(ctx context.Context, prev State) ([]byte, State, bool, error) {
	url := s.repodataURL()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, State{}, false, fmt.Errorf("channel: build request for %s: %w", url, err)
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.Mod != "" {
		req.Header.Set("If-Modified-Since", prev.Mod)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, State{}, false, fmt.Errorf("channel: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	// Only reached after a failed .zst probe; record it so the probe is not
	// repeated until prefersZst's daily re-check.
	noZst := HasZst{Value: false, LastChecked: time.Now().Unix()}
	if resp.StatusCode == http.StatusNotModified {
		return nil, State{URL: url, ETag: prev.ETag, Mod: prev.Mod, HasZst: noZst}, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, State{}, false, fmt.Errorf("channel: fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, State{}, false, fmt.Errorf("channel: read body from %s: %w", url, err)
	}
	return raw, State{URL: url, ETag: resp.Header.Get("ETag"), Mod: resp.Header.Get("Last-Modified"), HasZst: noZst}, false, nil
}

// prefersZst decides whether to try the .zst sibling this refresh, based on
// the last recorded probe outcome (re-probe at most once a day).
func prefersZst(prev State) bool {
	if prev.HasZst.LastChecked == 0 {
		return true
	}
	if time.Since(time.Unix(prev.HasZst.LastChecked, 0)) > 24*time.Hour {
		return true
	}
	return prev.HasZst.Value
}

// writeBody writes the (already-decompressed) repodata.json body to a
// temp file, fsyncs, and renames it into place (spec.md §4.1 step 3, §9
// "Atomic writes").
func (s *SubdirData) writeBody(ctx context.Context, body []byte) error {
	if err := os.MkdirAll(s.CacheDir, 0o755); err != nil {
		return fmt.Errorf("channel: create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.CacheDir, "repodata.*.tmp")
	if err != nil {
		return fmt.Errorf("channel: create temp repodata file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("channel: write temp repodata file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("channel: fsync temp repodata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("channel: close temp repodata file: %w", err)
	}
	clog.InfoContextf(ctx, "refreshed repodata for %s/%s (%d bytes)", s.Channel.Name, s.Subdir, len(body))
	return os.Rename(tmp.Name(), s.repodataPath())
}

func (s *SubdirData) readCached(ctx context.Context) ([]pkginfo.PackageInfo, error) {
	body, err := os.ReadFile(s.repodataPath())
	if err != nil {
		return nil, fmt.Errorf("channel: read cached repodata for %s/%s: %w", s.Channel.Name, s.Subdir, err)
	}
	records, err := parseRepodata(body)
	if err != nil {
		return s.quarantineAndRefetch(ctx, err)
	}
	return records, nil
}

// quarantineAndRefetch implements §7's "malformed repodata" recovery:
// rename the offending file with a .bad suffix and refetch once.
func (s *SubdirData) quarantineAndRefetch(ctx context.Context, parseErr error) ([]pkginfo.PackageInfo, error) {
	clog.WarnContextf(ctx, "quarantining malformed repodata for %s/%s: %v", s.Channel.Name, s.Subdir, parseErr)
	_ = os.Rename(s.repodataPath(), s.repodataPath()+".bad")

	body, newState, _, err := s.conditionalGet(ctx, State{})
	if err != nil {
		return nil, fmt.Errorf("channel: refetch after quarantine for %s/%s: %w", s.Channel.Name, s.Subdir, err)
	}
	if err := s.writeBody(ctx, body); err != nil {
		return nil, err
	}
	if err := writeState(s.CacheDir, newState); err != nil {
		return nil, err
	}
	records, err := parseRepodata(body)
	if err != nil {
		return nil, fmt.Errorf("channel: repeated malformed repodata for %s/%s: %w", s.Channel.Name, s.Subdir, err)
	}
	return records, nil
}
