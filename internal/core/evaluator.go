package core

import (
	"log/slog"

	"github.com/glimpse-analytics/glimpse-go/internal/logging"
)

// Evaluator evaluates single flag definitions against supplied identities
// and property bags. It performs no I/O; dependency results come from the
// per-pass cache on the DependencyGraph handed to each call.
type Evaluator struct {
	log *slog.Logger
}

// NewEvaluator returns an evaluator logging through log. A nil logger
// disables logging.
func NewEvaluator(log *slog.Logger) *Evaluator {
	if log == nil {
		log = logging.Discard()
	}
	return &Evaluator{log: log}
}

// MatchFlag evaluates one flag for the given identity. Condition groups are
// ORed together in order; any single match resolves the flag. The returned
// value is true, a variant key, or false. An ErrInconclusiveMatch is
// returned only when no group matched and at least one group could not be
// resolved with the supplied data.
func (e *Evaluator) MatchFlag(
	flag *FlagDefinition,
	distinctID string,
	properties map[string]any,
	cohorts CohortMap,
	graph *DependencyGraph,
	idToKey map[string]string,
) (FlagValue, error) {
	validVariants := make(map[string]bool, len(flag.Variants()))
	for _, v := range flag.Variants() {
		validVariants[v.Key] = true
	}

	sawInconclusive := false
	for _, condition := range flag.Filters.Groups {
		matched, err := e.isConditionMatch(flag, distinctID, condition, properties, cohorts, graph, idToKey)
		if err != nil {
			sawInconclusive = true
			continue
		}
		if !matched {
			continue
		}
		if condition.Variant != "" && validVariants[condition.Variant] {
			return condition.Variant, nil
		}
		if variant, ok := matchingVariant(flag, distinctID); ok {
			return variant, nil
		}
		return true, nil
	}

	if sawInconclusive {
		return false, inconclusive("can't determine if feature flag %q is enabled with given properties", flag.Key)
	}
	// False is definitive only when every group resolved to a non-match.
	return false, nil
}

// isConditionMatch reports whether a single condition group matches: every
// property must match and the rollout hash must fall under the group's
// percentage. Groups with no properties are pure rollout gates.
func (e *Evaluator) isConditionMatch(
	flag *FlagDefinition,
	distinctID string,
	condition ConditionGroup,
	properties map[string]any,
	cohorts CohortMap,
	graph *DependencyGraph,
	idToKey map[string]string,
) (bool, error) {
	for _, prop := range condition.Properties {
		matched, err := e.matchFilter(prop, properties, cohorts, graph, idToKey)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	if condition.RolloutPercentage != nil &&
		Hash(flag.Key, distinctID, "") > *condition.RolloutPercentage/100 {
		return false, nil
	}
	return true, nil
}

// matchFilter dispatches one property filter to its resolver by type.
func (e *Evaluator) matchFilter(
	prop PropertyFilter,
	properties map[string]any,
	cohorts CohortMap,
	graph *DependencyGraph,
	idToKey map[string]string,
) (bool, error) {
	switch prop.Type {
	case PropertyTypeCohort:
		return e.matchCohort(prop, properties, cohorts, graph, idToKey)
	case PropertyTypeFlag:
		return e.matchFlagProperty(prop, graph, idToKey)
	default:
		return MatchProperty(prop, properties)
	}
}

// matchFlagProperty resolves a dependency filter from the per-pass graph
// cache, translating the filter's flag ID to a flag key first. A malformed
// filter (unsupported operator or a non-bool, non-string value) is logged
// and treated as non-matching; an unavailable dependency result is
// inconclusive.
func (e *Evaluator) matchFlagProperty(prop PropertyFilter, graph *DependencyGraph, idToKey map[string]string) (bool, error) {
	if graph == nil {
		return false, inconclusive("can't evaluate flag dependency %q without a dependency graph", prop.Key)
	}
	if prop.Key == "" {
		return false, inconclusive("flag dependency filter is missing its flag ID")
	}

	switch prop.Value.(type) {
	case bool, string:
	default:
		e.log.Warn("invalid value type for flag dependency, expected bool or string",
			"flag_id", prop.Key, "value", prop.Value)
		return false, nil
	}
	if prop.Operator != OperatorFlagEvaluatesTo {
		e.log.Warn("unsupported operator for flag dependency, only flag_evaluates_to is supported",
			"flag_id", prop.Key, "operator", string(prop.Operator))
		return false, nil
	}

	dependencyKey := prop.Key
	if key, ok := idToKey[prop.Key]; ok {
		dependencyKey = key
	}

	result, ok := graph.CachedResult(dependencyKey)
	if !ok {
		return false, inconclusive("flag dependency %q has no evaluated result", dependencyKey)
	}

	matched := MatchFlagDependency(prop.Value, result)
	if prop.Negation {
		return !matched, nil
	}
	return matched, nil
}

// matchCohort resolves a cohort filter against the supplied cohort property
// groups. Cohorts are keyed by ID; a cohort absent from the supplied map is
// inconclusive.
func (e *Evaluator) matchCohort(
	prop PropertyFilter,
	properties map[string]any,
	cohorts CohortMap,
	graph *DependencyGraph,
	idToKey map[string]string,
) (bool, error) {
	cohortID := stringify(prop.Value)
	group, ok := cohorts[cohortID]
	if !ok {
		return false, inconclusive("can't match cohort %q without a given cohort property value", cohortID)
	}
	return e.matchPropertyGroup(group, properties, cohorts, graph, idToKey)
}

// matchPropertyGroup walks an AND/OR tree of filters and nested groups.
// Inconclusive leaves are skipped while a definitive answer is still
// possible; if the group's outcome would otherwise depend on one of them,
// the whole group is inconclusive.
func (e *Evaluator) matchPropertyGroup(
	group PropertyGroup,
	properties map[string]any,
	cohorts CohortMap,
	graph *DependencyGraph,
	idToKey map[string]string,
) (bool, error) {
	if len(group.Values) == 0 {
		// Empty groups are no-ops and always match.
		return true, nil
	}

	isAnd := group.Type == "AND"
	sawInconclusive := false

	for _, member := range group.Values {
		var (
			matched bool
			err     error
		)
		if member.Group != nil {
			matched, err = e.matchPropertyGroup(*member.Group, properties, cohorts, graph, idToKey)
			if err != nil {
				e.log.Debug("failed to compute nested property group locally", "error", err)
				sawInconclusive = true
				continue
			}
		} else {
			prop := *member.Filter
			matched, err = e.matchFilter(prop, properties, cohorts, graph, idToKey)
			if err != nil {
				e.log.Debug("failed to compute property locally", "key", prop.Key, "error", err)
				sawInconclusive = true
				continue
			}
			if prop.Negation {
				matched = !matched
			}
		}

		if isAnd && !matched {
			return false, nil
		}
		if !isAnd && matched {
			return true, nil
		}
	}

	if sawInconclusive {
		return false, inconclusive("can't match cohort without a given cohort property value")
	}
	// All matched in the AND case, or none matched in the OR case.
	return isAnd, nil
}

// matchingVariant picks the variant whose interval contains the identity's
// variant hash. Intervals are cumulative sums of rollout percentages in
// variant list order over [0, 1); a hash beyond the last interval (variants
// summing under 100%) selects no variant.
func matchingVariant(flag *FlagDefinition, distinctID string) (string, bool) {
	h := Hash(flag.Key, distinctID, "variant")
	valueMin := 0.0
	for _, variant := range flag.Variants() {
		valueMax := valueMin + variant.RolloutPercentage/100
		if h >= valueMin && h < valueMax {
			return variant.Key, true
		}
		valueMin = valueMax
	}
	return "", false
}
