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

// Package channel resolves channel tokens into canonical base URLs and
// platform subdirs, and maintains each (channel, subdir)'s repodata.json
// cache via conditional HTTP requests (spec.md §4.1).
package channel

import (
	"fmt"
	"strings"
)

// noarchSubdir is always appended to the resolved subdir list if it was not
// already named.
const noarchSubdir = "noarch"

// Channel is a resolved channel: a canonical name, base URL, optional
// token, and the platform subdirs to index.
type Channel struct {
	Name    string
	BaseURL string
	Token   string
	Subdirs []string
}

// Resolve expands a user channel token - a bare name, an alias-relative
// name, or a full URL, optionally with a bracketed subdir list like
// "conda-forge[linux-64,noarch]" - into a Channel. aliasBaseURL is the
// configured default channel host (e.g. "https://conda.anaconda.org"), and
// platform is the local default platform subdir (e.g. "linux-64").
func Resolve(token, aliasBaseURL, platform string) (Channel, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Channel{}, fmt.Errorf("channel: empty channel token")
	}

	name := token
	var subdirs []string
	if idx := strings.IndexByte(token, '['); idx >= 0 {
		if !strings.HasSuffix(token, "]") {
			return Channel{}, fmt.Errorf("channel %q: unterminated subdir bracket", token)
		}
		name = token[:idx]
		body := token[idx+1 : len(token)-1]
		for _, s := range strings.Split(body, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				subdirs = append(subdirs, s)
			}
		}
	}

	base := name
	if !strings.Contains(name, "://") {
		base = strings.TrimRight(aliasBaseURL, "/") + "/" + strings.Trim(name, "/")
	}

	if len(subdirs) == 0 {
		subdirs = []string{platform}
	}
	if !contains(subdirs, noarchSubdir) {
		subdirs = append(subdirs, noarchSubdir)
	}

	return Channel{
		Name:    name,
		BaseURL: strings.TrimRight(base, "/"),
		Subdirs: subdirs,
	}, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// SubdirURL returns the base URL for one (channel, subdir) pair, the parent
// of repodata.json.
func (c Channel) SubdirURL(subdir string) string {
	return c.BaseURL + "/" + subdir
}
