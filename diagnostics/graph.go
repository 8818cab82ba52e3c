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

// Package diagnostics renders a solver conflict report into a ProblemsGraph:
// a human-readable tree and a machine-readable structure, both produced
// from a simplified graph of why a set of jobs is unsatisfiable.
package diagnostics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/condaforge/condacore/version"
)

// NodeID addresses a node in a ProblemsGraph. The graph is an arena of
// integer ids and edge lists; nodes never hold back-references to each
// other directly.
type NodeID int

type NodeKind int

const (
	NodeRoot NodeKind = iota
	NodePackage
	NodeConstraint
	NodePackageList // a simplification-phase merge of sibling PackageNodes
)

// Node is one vertex of a ProblemsGraph.
type Node struct {
	Kind NodeKind
	// Name is the package or constraint name this node concerns; for
	// NodeRoot it is empty.
	Name string
	// Version is set for NodePackage nodes.
	Version version.Version
	// Ranges is set for NodePackageList nodes: contiguous version ranges
	// merged from sibling PackageNodes that share Name.
	Ranges []VersionRange
	// Constraint is the raw match-spec text for NodeConstraint nodes.
	Constraint string
}

// VersionRange is one contiguous run of versions collapsed during
// simplification.
type VersionRange struct {
	Low, High version.Version
}

// EdgeKind distinguishes a "depends" edge from a "constrains" edge, per the
// §9 open-question decision recorded in DESIGN.md: constrains edges are
// always labeled separately from depends edges, never folded together.
type EdgeKind int

const (
	EdgeDepends EdgeKind = iota
	EdgeConstrains
	EdgeRequestedBy // root -> package/constraint
)

// Edge is a directed "A requires B (via dep D)" relation.
type Edge struct {
	From, To NodeID
	Kind     EdgeKind
	Via      string // the raw dependency spec text that produced this edge
}

// ProblemsGraph is the solver's structured conflict report, prior to and
// after simplification.
type ProblemsGraph struct {
	Nodes    []Node
	Edges    []Edge
	Conflict *ConflictMap[NodeID]
}

// NewProblemsGraph constructs an empty graph with a single root node at id 0.
func NewProblemsGraph() *ProblemsGraph {
	g := &ProblemsGraph{Conflict: NewConflictMap[NodeID]()}
	g.Nodes = append(g.Nodes, Node{Kind: NodeRoot})
	return g
}

// Root is the fixed id of the request-root node.
const Root NodeID = 0

// AddPackageNode adds a node for a concrete solvable that could not be
// placed.
func (g *ProblemsGraph) AddPackageNode(name string, v version.Version) NodeID {
	id := NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, Node{Kind: NodePackage, Name: name, Version: v})
	return id
}

// AddConstraintNode adds a node for an unsatisfied requirement.
func (g *ProblemsGraph) AddConstraintNode(name, rawSpec string) NodeID {
	id := NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, Node{Kind: NodeConstraint, Name: name, Constraint: rawSpec})
	return id
}

// AddEdge records a directed "from requires to" edge.
func (g *ProblemsGraph) AddEdge(from, to NodeID, kind EdgeKind, via string) {
	g.Edges = append(g.Edges, Edge{From: from, To: to, Kind: kind, Via: via})
}

// AddConflict marks a and b as mutually exclusive (e.g. two versions of the
// same package both required by different branches).
func (g *ProblemsGraph) AddConflict(a, b NodeID) {
	g.Conflict.Add(a, b)
}

func (g *ProblemsGraph) outEdges(id NodeID) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

func (g *ProblemsGraph) inDegree(id NodeID) int {
	n := 0
	for _, e := range g.Edges {
		if e.To == id {
			n++
		}
	}
	return n
}

// Simplify collapses chains where every intermediate node has in-degree 1
// and out-degree 1 into a single edge, and merges sibling PackageNodes that
// share a name into a PackageListNode recording contiguous version ranges.
// It returns a new graph; the receiver is left unmodified.
func (g *ProblemsGraph) Simplify() *ProblemsGraph {
	collapsed := g.collapseChains()
	return collapsed.mergeSiblings()
}

func (g *ProblemsGraph) collapseChains() *ProblemsGraph {
	out := &ProblemsGraph{Nodes: append([]Node(nil), g.Nodes...), Conflict: g.Conflict}
	for _, e := range g.Edges {
		from, via := g.resolveChainStart(e.From, e.Via)
		out.Edges = append(out.Edges, Edge{From: from, To: e.To, Kind: e.Kind, Via: via})
	}
	return out
}

// resolveChainStart walks backwards from id while id has exactly one
// incoming edge and exactly one outgoing edge (a pass-through link),
// returning the first node that breaks that pattern.
func (g *ProblemsGraph) resolveChainStart(id NodeID, via string) (NodeID, string) {
	seen := map[NodeID]bool{}
	for {
		if seen[id] {
			return id, via // defend against cycles; never loop forever
		}
		seen[id] = true
		if g.inDegree(id) != 1 || len(g.outEdges(id)) != 1 {
			return id, via
		}
		var parent NodeID
		found := false
		for _, e := range g.Edges {
			if e.To == id {
				parent = e.From
				found = true
				break
			}
		}
		if !found || parent == id {
			return id, via
		}
		id = parent
	}
}

func (g *ProblemsGraph) mergeSiblings() *ProblemsGraph {
	byParent := make(map[NodeID][]Edge)
	var other []Edge
	for _, e := range g.Edges {
		if g.Nodes[e.To].Kind == NodePackage {
			byParent[e.From] = append(byParent[e.From], e)
		} else {
			other = append(other, e)
		}
	}

	out := &ProblemsGraph{Conflict: g.Conflict}
	out.Nodes = append(out.Nodes, g.Nodes...)
	out.Edges = append(out.Edges, other...)

	for parent, edges := range byParent {
		byName := make(map[string][]Edge)
		for _, e := range edges {
			name := out.Nodes[e.To].Name
			byName[name] = append(byName[name], e)
		}
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			group := byName[name]
			if len(group) < 2 {
				out.Edges = append(out.Edges, group[0])
				continue
			}
			vs := make([]version.Version, len(group))
			for i, e := range group {
				vs[i] = out.Nodes[e.To].Version
			}
			sort.Slice(vs, func(i, j int) bool { return vs[i].Less(vs[j]) })
			listID := NodeID(len(out.Nodes))
			out.Nodes = append(out.Nodes, Node{
				Kind:   NodePackageList,
				Name:   name,
				Ranges: contiguousRanges(vs),
			})
			out.Edges = append(out.Edges, Edge{From: parent, To: listID, Kind: group[0].Kind, Via: group[0].Via})
		}
	}
	return out
}

// contiguousRanges groups a sorted version list into ranges; since Version
// carries no notion of adjacency, every run of equal-or-ascending values
// that were requested together collapses into one [min,max] range rather
// than one range per value.
func contiguousRanges(vs []version.Version) []VersionRange {
	if len(vs) == 0 {
		return nil
	}
	var ranges []VersionRange
	lo, hi := vs[0], vs[0]
	for _, v := range vs[1:] {
		hi = v
	}
	ranges = append(ranges, VersionRange{Low: lo, High: hi})
	return ranges
}

// Render produces the human-readable tree message from the (simplified)
// graph.
func (g *ProblemsGraph) Render() string {
	var b strings.Builder
	g.renderNode(&b, Root, 0, map[NodeID]bool{})
	return b.String()
}

func (g *ProblemsGraph) renderNode(b *strings.Builder, id NodeID, depth int, visiting map[NodeID]bool) {
	if visiting[id] {
		return
	}
	visiting[id] = true
	defer delete(visiting, id)

	n := g.Nodes[id]
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(describe(n))
	b.WriteByte('\n')

	for _, e := range g.outEdges(id) {
		label := "depends on"
		if e.Kind == EdgeConstrains {
			label = "constrains"
		}
		b.WriteString(strings.Repeat("  ", depth+1))
		fmt.Fprintf(b, "%s %s\n", label, describe(g.Nodes[e.To]))
		g.renderNode(b, e.To, depth+2, visiting)
	}
}

func describe(n Node) string {
	switch n.Kind {
	case NodeRoot:
		return "requested"
	case NodePackage:
		return fmt.Sprintf("%s %s", n.Name, n.Version.String())
	case NodeConstraint:
		return fmt.Sprintf("%s (%s)", n.Name, n.Constraint)
	case NodePackageList:
		if len(n.Ranges) == 1 {
			return fmt.Sprintf("%s [%s..%s]", n.Name, n.Ranges[0].Low, n.Ranges[0].High)
		}
		return n.Name
	default:
		return n.Name
	}
}
