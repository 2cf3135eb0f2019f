package core

import (
	"slices"
	"sort"
)

// DependencyGraph tracks flag-to-flag dependencies and provides the
// evaluation order for dependency-aware evaluation. Nodes are flag keys; an
// edge A -> B means A depends on B, so B must be evaluated first.
//
// The embedded evaluation cache is scoped to a single evaluation pass and
// must not be shared between concurrent top-level evaluations; construct one
// graph per pass.
type DependencyGraph struct {
	dependencies map[string]map[string]struct{}
	dependents   map[string]map[string]struct{}
	flags        map[string]struct{}
	evalCache    map[string]FlagValue
}

// NewDependencyGraph returns an empty graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		dependencies: make(map[string]map[string]struct{}),
		dependents:   make(map[string]map[string]struct{}),
		flags:        make(map[string]struct{}),
		evalCache:    make(map[string]FlagValue),
	}
}

// AddFlag adds a node with no edges.
func (g *DependencyGraph) AddFlag(key string) {
	g.flags[key] = struct{}{}
}

// AddDependency records that flagKey depends on dependencyKey.
func (g *DependencyGraph) AddDependency(flagKey, dependencyKey string) {
	g.flags[flagKey] = struct{}{}
	g.flags[dependencyKey] = struct{}{}
	addEdge(g.dependencies, flagKey, dependencyKey)
	addEdge(g.dependents, dependencyKey, flagKey)
}

func addEdge(adj map[string]map[string]struct{}, from, to string) {
	if adj[from] == nil {
		adj[from] = make(map[string]struct{})
	}
	adj[from][to] = struct{}{}
}

// Contains reports whether the graph holds the given flag.
func (g *DependencyGraph) Contains(key string) bool {
	_, ok := g.flags[key]
	return ok
}

// Len returns the number of flags in the graph.
func (g *DependencyGraph) Len() int {
	return len(g.flags)
}

// Dependencies returns the sorted set of flags key depends on.
func (g *DependencyGraph) Dependencies(key string) []string {
	return sortedKeys(g.dependencies[key])
}

// Dependents returns the sorted set of flags depending on key.
func (g *DependencyGraph) Dependents(key string) []string {
	return sortedKeys(g.dependents[key])
}

// Flags returns all flag keys in the graph, sorted for deterministic
// iteration.
func (g *DependencyGraph) Flags() []string {
	return sortedKeys(g.flags)
}

// RemoveFlag deletes a flag and every edge touching it.
func (g *DependencyGraph) RemoveFlag(key string) {
	if !g.Contains(key) {
		return
	}
	for dep := range g.dependencies[key] {
		delete(g.dependents[dep], key)
	}
	for dependent := range g.dependents[key] {
		delete(g.dependencies[dependent], key)
	}
	delete(g.dependencies, key)
	delete(g.dependents, key)
	delete(g.flags, key)
}

// TopologicalSort returns the flags in evaluation order (dependencies
// first) using Kahn's algorithm. If in-degree zeroing stalls before every
// flag is placed, a *CyclicDependencyError names one unresolved flag.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.flags))
	for key := range g.flags {
		inDegree[key] = len(g.dependencies[key])
	}

	queue := make([]string, 0, len(g.flags))
	for _, key := range g.Flags() {
		if inDegree[key] == 0 {
			queue = append(queue, key)
		}
	}

	order := make([]string, 0, len(g.flags))
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, key)

		for _, dependent := range g.Dependents(key) {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(g.flags) {
		for _, key := range g.Flags() {
			if !slices.Contains(order, key) {
				return nil, &CyclicDependencyError{FlagKey: key}
			}
		}
	}
	return order, nil
}

// HasCycles reports whether the graph contains at least one cycle.
func (g *DependencyGraph) HasCycles() bool {
	_, err := g.TopologicalSort()
	return err != nil
}

// DetectCycles returns the sorted set of flags participating in a cycle.
// Detection is an iterative DFS with an explicit stack; dependency graphs
// can be deep enough that recursion is not worth the stack risk.
func (g *DependencyGraph) DetectCycles() []string {
	type frame struct {
		key  string
		deps []string
		next int
	}

	visited := make(map[string]bool, len(g.flags))
	onStack := make(map[string]bool, len(g.flags))
	inCycle := make(map[string]struct{})

	for _, start := range g.Flags() {
		if visited[start] {
			continue
		}
		stack := []frame{{key: start, deps: g.Dependencies(start)}}
		visited[start] = true
		onStack[start] = true

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.deps) {
				dep := top.deps[top.next]
				top.next++

				if onStack[dep] {
					// Everything from dep's frame to the top of the stack
					// lies on the cycle.
					for i := len(stack) - 1; i >= 0; i-- {
						inCycle[stack[i].key] = struct{}{}
						if stack[i].key == dep {
							break
						}
					}
					continue
				}
				if visited[dep] {
					continue
				}
				visited[dep] = true
				onStack[dep] = true
				stack = append(stack, frame{key: dep, deps: g.Dependencies(dep)})
				continue
			}
			onStack[top.key] = false
			stack = stack[:len(stack)-1]
		}
	}

	return sortedKeys(inCycle)
}

// RemoveCycles repeatedly detects cycle participants and removes them until
// the graph is a DAG, returning every flag removed. A removed flag is
// excluded from evaluation for the pass; failing open here beats refusing to
// evaluate the rest of the flag set.
func (g *DependencyGraph) RemoveCycles() []string {
	var removed []string
	for {
		cycles := g.DetectCycles()
		if len(cycles) == 0 {
			return removed
		}
		for _, key := range cycles {
			g.RemoveFlag(key)
		}
		removed = append(removed, cycles...)
	}
}

// FilterByKeys returns a new graph holding the requested flags plus all
// their transitive dependencies, preserving only edges inside that closure.
func (g *DependencyGraph) FilterByKeys(requested map[string]struct{}) *DependencyGraph {
	required := make(map[string]struct{}, len(requested))
	queue := make([]string, 0, len(requested))
	for key := range requested {
		required[key] = struct{}{}
		queue = append(queue, key)
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if !g.Contains(key) {
			continue
		}
		for dep := range g.dependencies[key] {
			if _, ok := required[dep]; !ok {
				required[dep] = struct{}{}
				queue = append(queue, dep)
			}
		}
	}

	filtered := NewDependencyGraph()
	for key := range required {
		if !g.Contains(key) {
			continue
		}
		filtered.AddFlag(key)
		for dep := range g.dependencies[key] {
			if _, ok := required[dep]; ok {
				filtered.AddDependency(key, dep)
			}
		}
	}
	return filtered
}

// CacheResult stores an evaluation result for the current pass.
func (g *DependencyGraph) CacheResult(key string, value FlagValue) {
	g.evalCache[key] = value
}

// CachedResult returns the result cached for key during the current pass.
func (g *DependencyGraph) CachedResult(key string) (FlagValue, bool) {
	v, ok := g.evalCache[key]
	return v, ok
}

// ClearCache resets the per-pass evaluation cache.
func (g *DependencyGraph) ClearCache() {
	clear(g.evalCache)
}

// MatchFlagDependency compares a dependency filter value against the
// evaluated result of the flag it references:
//
//   - true matches any enabled state (anything but false)
//   - false matches only exactly false
//   - a string matches only that exact variant, case-sensitively
func MatchFlagDependency(filterValue any, flagResult FlagValue) bool {
	switch expected := filterValue.(type) {
	case bool:
		if expected {
			return Enabled(flagResult)
		}
		return !Enabled(flagResult)
	case string:
		actual, ok := flagResult.(string)
		return ok && actual == expected
	default:
		return false
	}
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
