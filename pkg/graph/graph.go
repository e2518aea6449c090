package graph

import (
	"fmt"
	"sort"

	"github.com/core-tools/hsu-stack/pkg/errors"
)

// Graph is a directed acyclic graph of unit names where an edge means
// "dependent must not start before prerequisite is healthy". Build it once
// at configuration load; it is not safe for concurrent mutation.
type Graph struct {
	prerequisites map[string]map[string]struct{} // unit -> its prerequisites
	dependents    map[string]map[string]struct{} // unit -> units requiring it
}

func NewGraph() *Graph {
	return &Graph{
		prerequisites: make(map[string]map[string]struct{}),
		dependents:    make(map[string]map[string]struct{}),
	}
}

// AddUnit declares a unit name. Adding the same name twice is a conflict.
func (g *Graph) AddUnit(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}
	if _, exists := g.prerequisites[name]; exists {
		return errors.NewConflictError("unit already declared", nil).WithContext("unit", name)
	}
	g.prerequisites[name] = make(map[string]struct{})
	g.dependents[name] = make(map[string]struct{})
	return nil
}

// AddEdge records that dependent requires prerequisite. Both names must be
// declared. The edge is rejected, and the graph left unmodified, if it would
// introduce a cycle.
func (g *Graph) AddEdge(dependent, prerequisite string) error {
	if _, exists := g.prerequisites[dependent]; !exists {
		return errors.NewUnknownUnitError("dependent unit is not declared", nil).WithContext("unit", dependent)
	}
	if _, exists := g.prerequisites[prerequisite]; !exists {
		return errors.NewUnknownUnitError("prerequisite unit is not declared", nil).WithContext("unit", prerequisite)
	}

	if dependent == prerequisite {
		return errors.NewCycleError("unit cannot require itself", nil).WithContext("unit", dependent)
	}

	// The new edge closes a cycle iff prerequisite already (transitively)
	// requires dependent. Check before mutating.
	if g.requiresTransitively(prerequisite, dependent) {
		return errors.NewCycleError(
			fmt.Sprintf("edge %s -> %s would create a dependency cycle", dependent, prerequisite),
			nil,
		).WithContext("dependent", dependent).WithContext("prerequisite", prerequisite)
	}

	g.prerequisites[dependent][prerequisite] = struct{}{}
	g.dependents[prerequisite][dependent] = struct{}{}
	return nil
}

// requiresTransitively reports whether from reaches to over prerequisite edges.
func (g *Graph) requiresTransitively(from, to string) bool {
	visited := make(map[string]bool)
	var visit func(name string) bool
	visit = func(name string) bool {
		if name == to {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		for prerequisite := range g.prerequisites[name] {
			if visit(prerequisite) {
				return true
			}
		}
		return false
	}
	return visit(from)
}

// Units returns all declared unit names, sorted.
func (g *Graph) Units() []string {
	names := make([]string, 0, len(g.prerequisites))
	for name := range g.prerequisites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether a unit name is declared.
func (g *Graph) Contains(name string) bool {
	_, exists := g.prerequisites[name]
	return exists
}

// Prerequisites returns the direct prerequisites of a unit, sorted.
func (g *Graph) Prerequisites(name string) []string {
	return sortedKeys(g.prerequisites[name])
}

// Dependents returns the units directly requiring a unit, sorted.
func (g *Graph) Dependents(name string) []string {
	return sortedKeys(g.dependents[name])
}

// TransitiveDependents returns every unit that directly or indirectly
// requires the given unit, sorted.
func (g *Graph) TransitiveDependents(name string) []string {
	collected := make(map[string]struct{})
	var visit func(name string)
	visit = func(name string) {
		for dependent := range g.dependents[name] {
			if _, seen := collected[dependent]; seen {
				continue
			}
			collected[dependent] = struct{}{}
			visit(dependent)
		}
	}
	visit(name)
	return sortedKeys(collected)
}

// TopologicalBatches partitions the units into startup batches. Batch 0 holds
// units with no prerequisites; each later batch holds units whose
// prerequisites all sit in strictly earlier batches. The graph is acyclic by
// construction, so every unit is placed. Batch membership is a pure function
// of the edge set; re-running on an unchanged graph yields the same partition.
func (g *Graph) TopologicalBatches() [][]string {
	placed := make(map[string]bool, len(g.prerequisites))
	remaining := len(g.prerequisites)

	var batches [][]string
	for remaining > 0 {
		var batch []string
		for name, prerequisites := range g.prerequisites {
			if placed[name] {
				continue
			}
			eligible := true
			for prerequisite := range prerequisites {
				if !placed[prerequisite] {
					eligible = false
					break
				}
			}
			if eligible {
				batch = append(batch, name)
			}
		}

		// Cannot happen on a graph built through AddEdge, which rejects
		// cycles; guards against infinite loop all the same.
		if len(batch) == 0 {
			break
		}

		for _, name := range batch {
			placed[name] = true
		}
		remaining -= len(batch)

		sort.Strings(batch)
		batches = append(batches, batch)
	}

	return batches
}

func sortedKeys(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
