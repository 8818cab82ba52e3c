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

package diagnostics_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condaforge/condacore/diagnostics"
	"github.com/condaforge/condacore/version"
)

// TestSeedScenarioS1 mirrors spec.md S1: Pool has {A 0.1, A 0.2, A 0.3};
// job install A==0.4 must report a conflict citing the available versions
// and the unmet constraint.
func TestSeedScenarioS1(t *testing.T) {
	g := diagnostics.NewProblemsGraph()
	constraint := g.AddConstraintNode("A", "==0.4")
	g.AddEdge(diagnostics.Root, constraint, diagnostics.EdgeDepends, "A==0.4")
	for _, v := range []string{"0.1", "0.2", "0.3"} {
		pkg := g.AddPackageNode("A", version.MustParse(v))
		g.AddConflict(constraint, pkg)
	}

	msg := g.Render()
	assert.Contains(t, msg, "A (==0.4)")
	require.True(t, g.Conflict.HasConflict(constraint))
}

func TestMergeSiblingsProducesPackageList(t *testing.T) {
	g := diagnostics.NewProblemsGraph()
	for _, v := range []string{"1.8", "2.0", "2.3"} {
		pkg := g.AddPackageNode("dropdown", version.MustParse(v))
		g.AddEdge(diagnostics.Root, pkg, diagnostics.EdgeDepends, "dropdown")
	}
	simplified := g.Simplify()

	var found bool
	for _, n := range simplified.Nodes {
		if n.Kind == diagnostics.NodePackageList && n.Name == "dropdown" {
			found = true
			require.Len(t, n.Ranges, 1)
			assert.Equal(t, "1.8", n.Ranges[0].Low.String())
			assert.Equal(t, "2.3", n.Ranges[0].High.String())
		}
	}
	assert.True(t, found, "expected a merged dropdown PackageListNode")
}

func TestCollapseChainsSkipsPassThroughNodes(t *testing.T) {
	g := diagnostics.NewProblemsGraph()
	mid := g.AddConstraintNode("menu", "menu")
	leaf := g.AddConstraintNode("dropdown", "dropdown 1.*")
	g.AddEdge(diagnostics.Root, mid, diagnostics.EdgeDepends, "menu")
	g.AddEdge(mid, leaf, diagnostics.EdgeDepends, "dropdown")

	simplified := g.Simplify()
	var sawDirect bool
	for _, e := range simplified.Edges {
		if e.From == diagnostics.Root && e.To == leaf {
			sawDirect = true
		}
	}
	assert.True(t, sawDirect, "expected root to point directly at the leaf after chain collapse")
}

func TestConstrainsEdgesLabeledSeparately(t *testing.T) {
	g := diagnostics.NewProblemsGraph()
	c := g.AddConstraintNode("icons", ">=1.0")
	g.AddEdge(diagnostics.Root, c, diagnostics.EdgeConstrains, "icons>=1.0")
	msg := g.Render()
	assert.Contains(t, msg, "constrains")
}
