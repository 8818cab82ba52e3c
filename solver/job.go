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

// Package solver implements the black-box contract spec.md §4.2/§9
// describes: a job list plus flags goes in, a decision queue or a
// structured conflict report comes out. This file's job/flag types are the
// narrow interface; solve.go holds the one concrete implementation behind
// it, and any SAT/PBS engine accepting the same surface could replace it.
package solver

import "github.com/condaforge/condacore/matchspec"

// JobKind is the action a Job requests.
type JobKind int

const (
	JobInstall JobKind = iota
	JobRemove
	JobUpdate
	JobLock
)

// Job is one entry of the solver's input job list.
type Job struct {
	Kind JobKind
	Spec matchspec.MatchSpec
}

// Flags are the solver-wide toggles spec.md §4.2 names.
type Flags struct {
	AllowDowngrade     bool
	AllowUninstall     bool
	StrictRepoPriority bool
	NoDeps             bool
	OnlyDeps           bool
	ForceReinstall     bool
}

// Action is what a Decision does to the prefix.
type Action int

const (
	ActionInstall Action = iota
	ActionRemove
)

func (a Action) String() string {
	if a == ActionRemove {
		return "remove"
	}
	return "install"
}
