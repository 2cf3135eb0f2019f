package core

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/glimpse-analytics/glimpse-go/internal/logging"
)

// ExtractFlagDependencies scans a flag's condition groups for dependency
// filters (type "flag") and returns the set of referenced flag IDs.
// Dependency filters key flags by ID, not by key.
func ExtractFlagDependencies(flag *FlagDefinition) map[string]struct{} {
	deps := make(map[string]struct{})
	for _, condition := range flag.Filters.Groups {
		for _, prop := range condition.Properties {
			if prop.Type == PropertyTypeFlag && prop.Key != "" {
				deps[prop.Key] = struct{}{}
			}
		}
	}
	return deps
}

// BuildDependencyGraph constructs a dependency graph over flag keys from a
// flag set, plus the ID-to-key mapping that bridges the two namespaces.
// Dependencies on nonexistent flag IDs are dropped with a warning
// (MissingDependencyError, non-fatal), and any cycles are removed so the
// returned graph is always a DAG.
func BuildDependencyGraph(flags []*FlagDefinition, log *slog.Logger) (*DependencyGraph, map[string]string) {
	if log == nil {
		log = logging.Discard()
	}

	graph := NewDependencyGraph()
	idToKey := make(map[string]string, len(flags))
	for _, flag := range flags {
		if flag.Key == "" {
			continue
		}
		graph.AddFlag(flag.Key)
		if flag.ID != 0 {
			idToKey[flag.IDString()] = flag.Key
		}
	}

	for _, flag := range flags {
		if flag.Key == "" {
			continue
		}
		for depID := range ExtractFlagDependencies(flag) {
			switch {
			case idToKey[depID] != "":
				graph.AddDependency(flag.Key, idToKey[depID])
			case graph.Contains(depID):
				// The reference is already a flag key.
				graph.AddDependency(flag.Key, depID)
			default:
				missing := &MissingDependencyError{FlagKey: flag.Key, DependencyID: depID}
				log.Warn("ignoring dependency on missing flag", "error", missing.Error())
			}
		}
	}

	if removed := graph.RemoveCycles(); len(removed) > 0 {
		log.Warn("removed flags due to cyclic dependencies", "flags", removed)
	}

	return graph, idToKey
}

// HasFlagDependencies reports whether any flag in the set carries a
// dependency filter; callers without dependencies can skip graph
// construction entirely.
func HasFlagDependencies(flags []*FlagDefinition) bool {
	for _, flag := range flags {
		if len(ExtractFlagDependencies(flag)) > 0 {
			return true
		}
	}
	return false
}

// EvaluationRequest carries everything one dependency-aware evaluation pass
// needs. RequestedKeys, when non-nil, restricts evaluation to those flags
// plus their transitive dependencies.
type EvaluationRequest struct {
	Flags            []*FlagDefinition
	DistinctID       string
	Properties       map[string]any
	CohortProperties CohortMap
	RequestedKeys    map[string]struct{}
	Groups           map[string]string         // group type name -> group key
	GroupProperties  map[string]map[string]any // group type name -> properties
	GroupTypeMapping map[string]string         // group type index (string) -> name
}

// EvaluateFlags runs one dependency-aware evaluation pass: build the graph,
// filter it to the requested closure, then evaluate each flag in topological
// order, caching every result so dependents can consult it. A flag whose
// evaluation is inconclusive is absent from the result map; absence means
// "could not evaluate locally", never false. Inactive flags resolve to false
// without touching their conditions.
func (e *Evaluator) EvaluateFlags(req EvaluationRequest) map[string]FlagValue {
	graph, idToKey := BuildDependencyGraph(req.Flags, e.log)

	if req.RequestedKeys != nil {
		graph = graph.FilterByKeys(req.RequestedKeys)
	}
	graph.ClearCache()

	order, err := graph.TopologicalSort()
	if err != nil {
		// Cycles were removed during construction, so this is unreachable in
		// the normal path; fail open with an arbitrary deterministic order.
		var cycleErr *CyclicDependencyError
		if errors.As(err, &cycleErr) {
			e.log.Error("unexpected cyclic dependency after cycle removal", "flag", cycleErr.FlagKey)
		}
		order = graph.Flags()
	}

	byKey := make(map[string]*FlagDefinition, len(req.Flags))
	for _, flag := range req.Flags {
		if flag.Key != "" {
			byKey[flag.Key] = flag
		}
	}

	results := make(map[string]FlagValue, len(order))
	for _, key := range order {
		flag, ok := byKey[key]
		if !ok {
			continue
		}

		if !flag.Active {
			results[key] = false
			graph.CacheResult(key, false)
			continue
		}

		value, err := e.evaluateOne(flag, req, graph, idToKey)
		if err != nil {
			// Skip just this flag; dependents that need it will come up
			// inconclusive on their own.
			continue
		}
		results[key] = value
		graph.CacheResult(key, value)
	}
	return results
}

// evaluateOne dispatches a flag to person- or group-mode evaluation.
// Group-mode flags (aggregation_group_type_index present) evaluate against
// the named group's key and properties, resolving to a definitive false when
// the group mapping or the group itself is absent from the request.
func (e *Evaluator) evaluateOne(
	flag *FlagDefinition,
	req EvaluationRequest,
	graph *DependencyGraph,
	idToKey map[string]string,
) (FlagValue, error) {
	index := flag.Filters.AggregationGroupTypeIndex
	if index == nil {
		return e.MatchFlag(flag, req.DistinctID, req.Properties, req.CohortProperties, graph, idToKey)
	}

	groupName, ok := req.GroupTypeMapping[strconv.Itoa(*index)]
	if !ok {
		e.log.Warn("unknown group type index, cannot evaluate group flag locally",
			"flag", flag.Key, "group_type_index", *index)
		return false, nil
	}
	groupKey, ok := req.Groups[groupName]
	if !ok {
		e.log.Warn("group not passed in, cannot evaluate group flag locally",
			"flag", flag.Key, "group", groupName)
		return false, nil
	}

	return e.MatchFlag(flag, groupKey, req.GroupProperties[groupName], req.CohortProperties, graph, idToKey)
}
