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

// Package matchspec parses the canonical match-spec string form
// "[channel::]name[version_spec][=build_string][bracket_kv,...]" into a
// structured constraint the pool's what-provides index and the solver can
// evaluate against a version.Version.
package matchspec

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/condaforge/condacore/version"
)

// relOp is one relational atom of a version spec.
type relOp int

const (
	opEq relOp = iota
	opNe
	opGt
	opGe
	opLt
	opLe
	opCompatible // ~=
	opGlob       // * wildcard, compared as a string glob against the formatted version
)

var opTokens = []struct {
	tok string
	op  relOp
}{
	{"==", opEq},
	{"!=", opNe},
	{">=", opGe},
	{"<=", opLe},
	{"~=", opCompatible},
	{">", opGt},
	{"<", opLt},
}

// atom is one relational test, e.g. ">=1.0".
type atom struct {
	op      relOp
	version version.Version
	glob    string // set only when op == opGlob
	raw     string
}

func (a atom) String() string {
	if a.op == opGlob {
		return a.glob
	}
	var s string
	for _, t := range opTokens {
		if t.op == a.op {
			s = t.tok
			break
		}
	}
	return s + a.raw
}

func (a atom) satisfies(v version.Version) bool {
	if a.op == opGlob {
		return globMatch(a.glob, v.String())
	}
	c := v.Compare(a.version)
	switch a.op {
	case opEq:
		return c == 0
	case opNe:
		return c != 0
	case opGt:
		return c > 0
	case opGe:
		return c >= 0
	case opLt:
		return c < 0
	case opLe:
		return c <= 0
	case opCompatible:
		// ~=X.Y means >=X.Y, == X.* (same leading release segment as X.Y).
		return c >= 0 && sameRelease(v, a.version)
	}
	return false
}

func sameRelease(v, base version.Version) bool {
	vs := strings.SplitN(v.String(), ".", 2)
	bs := strings.SplitN(base.String(), ".", 2)
	if len(vs) == 0 || len(bs) == 0 {
		return false
	}
	return vs[0] == bs[0]
}

func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// orGroup is a set of atoms any of which satisfies the group (conda's
// "1.0|2.0" alternation); andGroups are ANDed together (conda's
// ">=1.0,<2.0" comma list).
type orGroup []atom

func (g orGroup) satisfies(v version.Version) bool {
	for _, a := range g {
		if a.satisfies(v) {
			return true
		}
	}
	return false
}

// VersionSpec is a boolean combination of relational atoms: an AND of
// OR-groups.
type VersionSpec struct {
	groups []orGroup
	raw    string
}

// Satisfies reports whether v meets every AND-group of the spec.
func (s VersionSpec) Satisfies(v version.Version) bool {
	for _, g := range s.groups {
		if !g.satisfies(v) {
			return false
		}
	}
	return true
}

func (s VersionSpec) String() string { return s.raw }

// IsZero reports whether the spec imposes no constraint at all.
func (s VersionSpec) IsZero() bool { return len(s.groups) == 0 }

func parseVersionSpec(raw string) (VersionSpec, error) {
	if raw == "" {
		return VersionSpec{}, nil
	}
	var groups []orGroup
	for _, andPart := range strings.Split(raw, ",") {
		andPart = strings.TrimSpace(andPart)
		if andPart == "" {
			continue
		}
		var g orGroup
		for _, orPart := range strings.Split(andPart, "|") {
			a, err := parseAtom(strings.TrimSpace(orPart))
			if err != nil {
				return VersionSpec{}, fmt.Errorf("matchspec: version spec %q: %w", raw, err)
			}
			g = append(g, a)
		}
		groups = append(groups, g)
	}
	return VersionSpec{groups: groups, raw: raw}, nil
}

func parseAtom(s string) (atom, error) {
	if s == "" {
		return atom{}, fmt.Errorf("empty relational atom")
	}
	if strings.Contains(s, "*") {
		return atom{op: opGlob, glob: s, raw: s}, nil
	}
	for _, t := range opTokens {
		if strings.HasPrefix(s, t.tok) {
			rest := strings.TrimSpace(s[len(t.tok):])
			v, err := version.Parse(rest)
			if err != nil {
				return atom{}, err
			}
			return atom{op: t.op, version: v, raw: rest}, nil
		}
	}
	// Bare version string with no operator prefix means exact match, the
	// same default conda applies to e.g. "numpy 1.20".
	v, err := version.Parse(s)
	if err != nil {
		return atom{}, err
	}
	return atom{op: opEq, version: v, raw: s}, nil
}

// MatchSpec is a parsed package constraint.
type MatchSpec struct {
	Channel      string
	Name         string
	Version      VersionSpec
	Build        string // build-string glob, "" means unconstrained
	MD5          string
	SHA256       string
	URL          string
	Subdir       string
	BracketBuild string // "build" key inside bracket form, overrides Build when present

	raw string
}

var bracketKeyRegex = regexp.MustCompile(`^([A-Za-z0-9_]+)\s*=\s*(.*)$`)

// standaloneEq finds a "=" that stands for the build separator, as opposed
// to one that is half of a relational operator token ("==", "!=", ">=",
// "<=", "~="). Returns -1 if none is found.
func standaloneEq(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] != '=' {
			continue
		}
		if i > 0 {
			switch s[i-1] {
			case '=', '!', '>', '<', '~':
				continue
			}
		}
		if i+1 < len(s) && s[i+1] == '=' {
			i++ // skip both characters of "=="
			continue
		}
		return i
	}
	return -1
}

// Parse parses the canonical match-spec string form.
func Parse(s string) (MatchSpec, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return MatchSpec{}, fmt.Errorf("matchspec: empty spec")
	}

	m := MatchSpec{raw: raw}

	if idx := strings.Index(s, "::"); idx >= 0 {
		m.Channel = s[:idx]
		s = s[idx+2:]
	}

	if idx := strings.IndexByte(s, '['); idx >= 0 {
		if !strings.HasSuffix(s, "]") {
			return MatchSpec{}, fmt.Errorf("matchspec %q: unterminated bracket clause", raw)
		}
		kvBody := s[idx+1 : len(s)-1]
		s = s[:idx]
		if err := m.applyBracket(kvBody); err != nil {
			return MatchSpec{}, fmt.Errorf("matchspec %q: %w", raw, err)
		}
	}

	if idx := standaloneEq(s); idx >= 0 {
		before, after := s[:idx], s[idx+1:]
		if idx2 := standaloneEq(after); idx2 >= 0 {
			// name=version=build: the only form where a bare "=" names a
			// build string, since the version token is already delimited
			// by the second "=".
			m.Build = after[idx2+1:]
			s = before + " " + after[:idx2]
		} else {
			// A single "=" is conda's version constraint operator, not a
			// build-string separator (e.g. "foo=1.0" means foo version
			// 1.0, matched the same as a bare "foo 1.0"). Build is only
			// ever set via bracket form or the name=version=build form
			// above.
			s = before + " " + after
		}
	}

	name, versionSpec := splitNameVersion(s)
	if name == "" {
		return MatchSpec{}, fmt.Errorf("matchspec %q: missing package name", raw)
	}
	m.Name = name

	vs, err := parseVersionSpec(versionSpec)
	if err != nil {
		return MatchSpec{}, err
	}
	m.Version = vs

	if m.BracketBuild != "" {
		m.Build = m.BracketBuild
	}
	return m, nil
}

var relOpToken = regexp.MustCompile(`==|!=|>=|<=|~=|>|<`)

// splitNameVersion separates "name" from a trailing version-spec clause.
// Package names may contain digits (e.g. "python3"), so the split point is
// the earliest relational operator, the earliest bare space, or - failing
// both - the whole string is the name with no version constraint.
func splitNameVersion(s string) (name, versionSpec string) {
	if loc := relOpToken.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[:loc[0]]), s[loc[0]:]
	}
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:])
	}
	return s, ""
}

func (m *MatchSpec) applyBracket(body string) error {
	for _, field := range splitTopLevel(body, ',') {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		match := bracketKeyRegex.FindStringSubmatch(field)
		if match == nil {
			return fmt.Errorf("malformed bracket field %q", field)
		}
		key, val := strings.ToLower(match[1]), strings.Trim(match[2], `"'`)
		switch key {
		case "md5":
			m.MD5 = val
		case "sha256":
			m.SHA256 = val
		case "url":
			m.URL = val
		case "channel":
			m.Channel = val
		case "subdir":
			m.Subdir = val
		case "build":
			m.BracketBuild = val
		case "version":
			vs, err := parseVersionSpec(val)
			if err != nil {
				return err
			}
			m.Version = vs
		default:
			return fmt.Errorf("unsupported bracket key %q", key)
		}
	}
	return nil
}

// splitTopLevel splits on sep, ignoring separators inside quotes.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// String renders the spec back to its canonical form.
func (m MatchSpec) String() string {
	if m.raw != "" {
		return m.raw
	}
	var b strings.Builder
	if m.Channel != "" {
		b.WriteString(m.Channel)
		b.WriteString("::")
	}
	b.WriteString(m.Name)
	if !m.Version.IsZero() {
		b.WriteString(m.Version.String())
	}
	if m.Build != "" {
		b.WriteByte('=')
		b.WriteString(m.Build)
	}
	var kvs []string
	if m.MD5 != "" {
		kvs = append(kvs, "md5="+m.MD5)
	}
	if m.SHA256 != "" {
		kvs = append(kvs, "sha256="+m.SHA256)
	}
	if m.URL != "" {
		kvs = append(kvs, "url="+m.URL)
	}
	if m.Subdir != "" {
		kvs = append(kvs, "subdir="+m.Subdir)
	}
	if len(kvs) > 0 {
		sort.Strings(kvs)
		b.WriteByte('[')
		b.WriteString(strings.Join(kvs, ","))
		b.WriteByte(']')
	}
	return b.String()
}

// BuildMatches reports whether a candidate build string satisfies this
// spec's build-string glob (empty Build means unconstrained).
func (m MatchSpec) BuildMatches(build string) bool {
	if m.Build == "" {
		return true
	}
	return globMatch(m.Build, build)
}

// ExplicitURL parses the "<url>[#<hash>]" form used for explicit installs
// (spec §6), where hash is either bare hex (md5) or "sha256:<hex>".
type ExplicitURL struct {
	URL    string
	MD5    string
	SHA256 string
}

// ParseExplicitURL parses an explicit package URL line from an explicit
// spec file or command-line install.
func ParseExplicitURL(s string) (ExplicitURL, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ExplicitURL{}, fmt.Errorf("matchspec: empty explicit URL")
	}
	u := ExplicitURL{URL: s}
	if idx := strings.IndexByte(s, '#'); idx >= 0 {
		u.URL = s[:idx]
		hash := s[idx+1:]
		if strings.HasPrefix(hash, "sha256:") {
			u.SHA256 = strings.TrimPrefix(hash, "sha256:")
		} else {
			u.MD5 = hash
		}
	}
	if u.URL == "" {
		return ExplicitURL{}, fmt.Errorf("matchspec: explicit URL %q has no URL component", s)
	}
	return u, nil
}
