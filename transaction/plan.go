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

// Package transaction turns a solved plan into prefix changes: fetch,
// extract, link/unlink, with rollback on interruption (spec.md §4.6).
package transaction

import "github.com/condaforge/condacore/pkginfo"

// OpKind is one step of an ordered transaction plan.
type OpKind int

const (
	OpInstall OpKind = iota
	OpRemove
	OpChange
)

func (k OpKind) String() string {
	switch k {
	case OpInstall:
		return "install"
	case OpRemove:
		return "remove"
	case OpChange:
		return "change"
	default:
		return "unknown"
	}
}

// Op is one step of the ordered plan: Install(New), Remove(Old), or
// Change(Old -> New).
type Op struct {
	Kind OpKind
	Old  pkginfo.PackageInfo
	New  pkginfo.PackageInfo
}

// Plan is the full set of work a transaction must do. ToFetch is the
// subset of ToLink that still needs a network download; ToLink is always
// the complete post-transaction installed set, independent of ToFetch —
// the "double registration" spec.md §9 documents as intentional: a package
// already cached still needs linking even though it needs no fetch.
type Plan struct {
	Ops     []Op
	ToFetch []pkginfo.PackageInfo
	ToLink  []pkginfo.PackageInfo
}
