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

// Package version implements the ordered Version type: epoch, then
// dotted/dashed segments with embedded integer/alpha splits, special
// tokens (dev < integer < post/letter), and exact round-trip formatting.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// segmentRegex splits one dot/dash/underscore-delimited piece of a version
// string into alternating digit and letter runs, e.g. "12rc3" -> ["12",
// "rc", "3"].
var segmentRegex = regexp.MustCompile(`[0-9]+|[A-Za-z]+`)

func init() {
	segmentRegex.Longest()
}

// tokenKind ranks a non-numeric atom relative to numeric atoms and to other
// non-numeric atoms. The order matters: dev sorts before everything,
// a plain number sorts in the middle, and post/arbitrary-letter suffixes
// sort after the number they follow.
type tokenKind int

const (
	kindDev     tokenKind = iota // "dev"
	kindAlpha                    // "a", "alpha"
	kindBeta                     // "b", "beta"
	kindRC                       // "rc", "pre"
	kindNumeric                  // a bare integer atom
	kindPost                     // "post", "r", or any other unrecognized letters
)

var namedKinds = map[string]tokenKind{
	"dev":   kindDev,
	"a":     kindAlpha,
	"alpha": kindAlpha,
	"b":     kindBeta,
	"beta":  kindBeta,
	"c":     kindRC,
	"rc":    kindRC,
	"pre":   kindRC,
}

// atom is one element of a parsed version: either a number or a letter run,
// tagged with the separator that preceded it so the original string can be
// reconstructed exactly.
type atom struct {
	sep      byte // 0 for the first atom in the version, else '.', '_', or '-'
	numeric  bool
	num      int64
	text     string // lowercased letters, only set when !numeric
	kind     tokenKind
}

func (a atom) String() string {
	var b strings.Builder
	if a.sep != 0 {
		b.WriteByte(a.sep)
	}
	if a.numeric {
		b.WriteString(strconv.FormatInt(a.num, 10))
	} else {
		b.WriteString(a.text)
	}
	return b.String()
}

func (a atom) compare(b atom) int {
	ak, bk := a.rank(), b.rank()
	if ak != bk {
		if ak < bk {
			return -1
		}
		return 1
	}
	switch {
	case a.numeric:
		switch {
		case a.num < b.num:
			return -1
		case a.num > b.num:
			return 1
		default:
			return 0
		}
	default:
		return strings.Compare(a.text, b.text)
	}
}

func (a atom) rank() tokenKind {
	if a.numeric {
		return kindNumeric
	}
	return a.kind
}

// Version is a total, round-trip-exact ordering over conda-style version
// strings: an optional "<epoch>!" prefix followed by dot/dash/underscore
// separated numeric and alphabetic runs.
type Version struct {
	raw   string
	epoch int64
	atoms []atom
}

// Zero is the version "0", the default epoch-0 empty version used when
// comparing a bare dependency name with no version constraint.
var Zero = Version{raw: "0", atoms: []atom{{numeric: true, num: 0}}}

// Parse parses s into a Version. It returns an error for an empty string,
// an invalid or negative epoch, an empty version after the epoch, or any
// character other than ASCII letters, digits and the '.', '_', '-'
// separators.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("version: empty string")
	}
	raw := s
	epoch := int64(0)
	if idx := strings.IndexByte(s, '!'); idx >= 0 {
		e, err := strconv.ParseInt(s[:idx], 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("version %q: invalid epoch: %w", raw, err)
		}
		if e < 0 {
			return Version{}, fmt.Errorf("version %q: negative epoch", raw)
		}
		epoch = e
		s = s[idx+1:]
	}
	if s == "" {
		return Version{}, fmt.Errorf("version %q: empty version after epoch", raw)
	}

	var atoms []atom
	var sep byte
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '.' || c == '_' || c == '-' {
			sep = c
			i++
			continue
		}
		loc := segmentRegex.FindStringIndex(s[i:])
		if loc == nil || loc[0] != 0 {
			return Version{}, fmt.Errorf("version %q: unexpected character %q at offset %d", raw, c, i)
		}
		tok := s[i : i+loc[1]]
		i += loc[1]
		a := atom{sep: sep}
		sep = 0
		if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
			a.numeric = true
			a.num = n
		} else {
			lower := strings.ToLower(tok)
			a.text = lower
			if k, ok := namedKinds[lower]; ok {
				a.kind = k
			} else {
				a.kind = kindPost
			}
		}
		atoms = append(atoms, a)
	}
	if len(atoms) == 0 {
		return Version{}, fmt.Errorf("version %q: no numeric or alphabetic segments", raw)
	}
	return Version{raw: raw, epoch: epoch, atoms: atoms}, nil
}

// MustParse is Parse, panicking on error; reserved for constant test data.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the version in its canonical round-trip form: identical to
// the input Parse received, since atoms retain both value and separator.
func (v Version) String() string {
	if v.raw != "" {
		return v.raw
	}
	var b strings.Builder
	if v.epoch != 0 {
		b.WriteString(strconv.FormatInt(v.epoch, 10))
		b.WriteByte('!')
	}
	for i, a := range v.atoms {
		if i == 0 {
			s := a.String()
			if len(s) > 0 && (s[0] == '.' || s[0] == '_' || s[0] == '-') {
				s = s[1:]
			}
			b.WriteString(s)
			continue
		}
		b.WriteString(a.String())
	}
	return b.String()
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other. Comparison is epoch-first, then atom-by-atom; a version that runs
// out of atoms before the other is treated as having an implicit trailing
// kindNumeric zero atom (so "1.0" == "1.0.0" and "1.0" < "1.0.1").
func (v Version) Compare(other Version) int {
	if v.epoch != other.epoch {
		if v.epoch < other.epoch {
			return -1
		}
		return 1
	}
	n := len(v.atoms)
	if len(other.atoms) > n {
		n = len(other.atoms)
	}
	for i := 0; i < n; i++ {
		a := implicitZero
		if i < len(v.atoms) {
			a = v.atoms[i]
		}
		b := implicitZero
		if i < len(other.atoms) {
			b = other.atoms[i]
		}
		if c := a.compare(b); c != 0 {
			return c
		}
	}
	return 0
}

var implicitZero = atom{numeric: true, num: 0}

// Equal reports whether v and other compare equal.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// Epoch returns the version's epoch (0 when not specified).
func (v Version) Epoch() int64 { return v.epoch }

// MarshalText encodes v as its round-trip string form, so a Version is
// stored as a plain string in JSON documents such as conda-meta records.
func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText parses text with Parse; empty text yields the zero Version.
func (v *Version) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*v = Version{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
