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

package solver_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/matchspec"
	"github.com/condaforge/condacore/pkginfo"
	"github.com/condaforge/condacore/pool"
	"github.com/condaforge/condacore/solver"
	"github.com/condaforge/condacore/version"
)

func addPkg(t *testing.T, p *pool.Pool, repoID int, name, ver string, depends ...string) pool.SolvableID {
	t.Helper()
	id, err := p.AddSolvable(repoID, &pkginfo.PackageInfo{
		Name:    name,
		Version: version.MustParse(ver),
		Subdir:  "linux-64",
		Depends: depends,
	})
	require.NoError(t, err)
	return id
}

// TestSeedScenarioS1 mirrors spec.md S1.
func TestSeedScenarioS1(t *testing.T) {
	p := pool.New()
	repoID, _ := p.AddRepo("conda-forge", pool.WithPriority(1))
	addPkg(t, p, repoID, "A", "0.1")
	addPkg(t, p, repoID, "A", "0.2")
	addPkg(t, p, repoID, "A", "0.3")
	p.CreateWhatProvides()

	spec, err := matchspec.Parse("A==0.4")
	require.NoError(t, err)
	res, err := solver.Solve(context.Background(), p, []solver.Job{{Kind: solver.JobInstall, Spec: spec}}, solver.Flags{})
	require.NoError(t, err)
	require.False(t, res.Satisfied())
	msg := res.Conflict.Render()
	assert.Contains(t, msg, "A")
}

// TestSeedScenarioS3 mirrors spec.md S3.
func TestSeedScenarioS3(t *testing.T) {
	p := pool.New()
	repoID, _ := p.AddRepo("conda-forge", pool.WithPriority(1))
	foo := addPkg(t, p, repoID, "foo", "1.0")
	p.CreateWhatProvides()

	spec, err := matchspec.Parse("foo=1.0")
	require.NoError(t, err)
	res, err := solver.Solve(context.Background(), p, []solver.Job{{Kind: solver.JobInstall, Spec: spec}}, solver.Flags{})
	require.NoError(t, err)
	require.True(t, res.Satisfied())
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, solver.ActionInstall, res.Decisions[0].Action)
	assert.Equal(t, foo, res.Decisions[0].Solvable)
}

func TestStrictChannelPriorityPrefersHigherPriorityRepo(t *testing.T) {
	p := pool.New()
	lowID, _ := p.AddRepo("low", pool.WithPriority(0))
	highID, _ := p.AddRepo("high", pool.WithPriority(1))
	addPkg(t, p, lowID, "a", "9.0")
	want := addPkg(t, p, highID, "a", "1.0")
	p.CreateWhatProvides()

	spec, err := matchspec.Parse("a")
	require.NoError(t, err)
	res, err := solver.Solve(context.Background(), p, []solver.Job{{Kind: solver.JobInstall, Spec: spec}}, solver.Flags{})
	require.NoError(t, err)
	require.True(t, res.Satisfied())
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, want, res.Decisions[0].Solvable)
}

func TestDependenciesAreWalked(t *testing.T) {
	p := pool.New()
	repoID, _ := p.AddRepo("conda-forge", pool.WithPriority(1))
	addPkg(t, p, repoID, "dep", "1.0")
	addPkg(t, p, repoID, "top", "1.0", "dep>=1.0")
	p.CreateWhatProvides()

	spec, err := matchspec.Parse("top")
	require.NoError(t, err)
	res, err := solver.Solve(context.Background(), p, []solver.Job{{Kind: solver.JobInstall, Spec: spec}}, solver.Flags{})
	require.NoError(t, err)
	require.True(t, res.Satisfied())
	assert.Len(t, res.Decisions, 2)
}

func TestSolveIsDeterministic(t *testing.T) {
	p := pool.New()
	repoID, _ := p.AddRepo("conda-forge", pool.WithPriority(1))
	addPkg(t, p, repoID, "a", "1.0")
	addPkg(t, p, repoID, "b", "1.0")
	p.CreateWhatProvides()

	specA, _ := matchspec.Parse("a")
	specB, _ := matchspec.Parse("b")
	jobs := []solver.Job{{Kind: solver.JobInstall, Spec: specA}, {Kind: solver.JobInstall, Spec: specB}}

	res1, err := solver.Solve(context.Background(), p, jobs, solver.Flags{})
	require.NoError(t, err)
	res2, err := solver.Solve(context.Background(), p, jobs, solver.Flags{})
	require.NoError(t, err)
	require.Equal(t, len(res1.Decisions), len(res2.Decisions))
	for i := range res1.Decisions {
		assert.Equal(t, res1.Decisions[i], res2.Decisions[i])
	}
}

func TestRemoveNonExistentPackageIsConflict(t *testing.T) {
	p := pool.New()
	installedID, _ := p.AddRepo("installed")
	require.NoError(t, p.SetInstalledRepo(installedID))
	p.CreateWhatProvides()

	spec, err := matchspec.Parse("ghost")
	require.NoError(t, err)
	res, err := solver.Solve(context.Background(), p, []solver.Job{{Kind: solver.JobRemove, Spec: spec}}, solver.Flags{})
	require.NoError(t, err)
	require.False(t, res.Satisfied())
}

func TestEmptyJobListProducesEmptyTransaction(t *testing.T) {
	p := pool.New()
	p.CreateWhatProvides()
	res, err := solver.Solve(context.Background(), p, nil, solver.Flags{})
	require.NoError(t, err)
	require.True(t, res.Satisfied())
	assert.Empty(t, res.Decisions)
}
