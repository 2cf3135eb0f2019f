package core

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlagValue is the result of evaluating a flag: true, a variant key, or false.
type FlagValue any

// Enabled reports whether a flag value counts as "on". Any value other than
// exactly false is enabled.
func Enabled(v FlagValue) bool {
	b, ok := v.(bool)
	return !ok || b
}

// Variant returns the variant key when the value is a non-empty string.
func Variant(v FlagValue) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

// PropertyType discriminates how a property filter is resolved.
type PropertyType string

const (
	PropertyTypePerson PropertyType = "person"
	PropertyTypeGroup  PropertyType = "group"
	PropertyTypeCohort PropertyType = "cohort"
	PropertyTypeFlag   PropertyType = "flag"
)

// Operator is a property filter comparison operator.
type Operator string

const (
	OperatorExact           Operator = "exact"
	OperatorIsNot           Operator = "is_not"
	OperatorIsSet           Operator = "is_set"
	OperatorIsNotSet        Operator = "is_not_set"
	OperatorIContains       Operator = "icontains"
	OperatorNotIContains    Operator = "not_icontains"
	OperatorRegex           Operator = "regex"
	OperatorNotRegex        Operator = "not_regex"
	OperatorGT              Operator = "gt"
	OperatorGTE             Operator = "gte"
	OperatorLT              Operator = "lt"
	OperatorLTE             Operator = "lte"
	OperatorIsDateBefore    Operator = "is_date_before"
	OperatorIsDateAfter     Operator = "is_date_after"
	OperatorFlagEvaluatesTo Operator = "flag_evaluates_to"
)

// PropertyFilter is a single targeting condition. For type "flag" the Key
// holds the referenced flag's ID (string-coerced), not its key.
type PropertyFilter struct {
	Key            string       `json:"key"`
	Type           PropertyType `json:"type"`
	Operator       Operator     `json:"operator"`
	Value          any          `json:"value"`
	GroupTypeIndex *int         `json:"group_type_index,omitempty"`
	Negation       bool         `json:"negation,omitempty"`
}

// UnmarshalJSON normalises the wire form: a missing type defaults to
// "person", a missing operator to "exact" ("flag_evaluates_to" for flag
// filters), and numeric keys (flag IDs) are coerced to strings so graph
// lookups never have to inspect value kinds later.
func (p *PropertyFilter) UnmarshalJSON(data []byte) error {
	type wire struct {
		Key            json.RawMessage `json:"key"`
		Type           PropertyType    `json:"type"`
		Operator       Operator        `json:"operator"`
		Value          any             `json:"value"`
		GroupTypeIndex *int            `json:"group_type_index"`
		Negation       bool            `json:"negation"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	key, err := coerceKey(w.Key)
	if err != nil {
		return fmt.Errorf("property filter key: %w", err)
	}

	p.Key = key
	p.Type = w.Type
	if p.Type == "" {
		p.Type = PropertyTypePerson
	}
	p.Operator = w.Operator
	if p.Operator == "" {
		if p.Type == PropertyTypeFlag {
			p.Operator = OperatorFlagEvaluatesTo
		} else {
			p.Operator = OperatorExact
		}
	}
	p.Value = w.Value
	p.GroupTypeIndex = w.GroupTypeIndex
	p.Negation = w.Negation
	return nil
}

func coerceKey(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("expected string or number, got %s", string(raw))
}

// VariantDefinition is one alternative value of a multivariate flag.
type VariantDefinition struct {
	Key               string  `json:"key"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// Multivariate holds the variant set of a flag.
type Multivariate struct {
	Variants []VariantDefinition `json:"variants"`
}

// ConditionGroup matches when all its properties match and the rollout hash
// falls under RolloutPercentage (nil means 100%). Variant, when set and
// valid, overrides hash-based variant selection for identities matched by
// this group.
type ConditionGroup struct {
	Properties        []PropertyFilter `json:"properties"`
	RolloutPercentage *float64         `json:"rollout_percentage"`
	Variant           string           `json:"variant,omitempty"`
}

// Filters is the targeting configuration of a flag.
type Filters struct {
	Groups                    []ConditionGroup  `json:"groups"`
	Multivariate              *Multivariate     `json:"multivariate,omitempty"`
	AggregationGroupTypeIndex *int              `json:"aggregation_group_type_index,omitempty"`
	Payloads                  map[string]string `json:"payloads,omitempty"`
}

// FlagDefinition is one feature flag as fetched from the platform. Treated
// as immutable once loaded; definition refreshes replace whole snapshots.
type FlagDefinition struct {
	ID                         int     `json:"id"`
	Key                        string  `json:"key"`
	Active                     bool    `json:"active"`
	Deleted                    bool    `json:"deleted,omitempty"`
	EnsureExperienceContinuity bool    `json:"ensure_experience_continuity,omitempty"`
	Filters                    Filters `json:"filters"`
}

// IDString returns the flag's ID in the string form used by dependency
// filters and the id-to-key mapping.
func (f *FlagDefinition) IDString() string {
	return strconv.Itoa(f.ID)
}

// Variants returns the flag's variant definitions, tolerating absent
// multivariate sections the way the wire format allows.
func (f *FlagDefinition) Variants() []VariantDefinition {
	if f.Filters.Multivariate == nil {
		return nil
	}
	return f.Filters.Multivariate.Variants
}

// CohortMap holds cohort definitions keyed by cohort ID (string-coerced).
type CohortMap map[string]PropertyGroup

// PropertyGroup is an AND/OR tree of property filters, as used by cohorts.
type PropertyGroup struct {
	Type   string        `json:"type"` // "AND" | "OR"
	Values []GroupMember `json:"values"`
}

// GroupMember is either a nested property group or a leaf filter, decided by
// the presence of a "values" field on the wire.
type GroupMember struct {
	Group  *PropertyGroup
	Filter *PropertyFilter
}

func (m *GroupMember) UnmarshalJSON(data []byte) error {
	var shape struct {
		Values json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return err
	}
	if len(shape.Values) > 0 && string(shape.Values) != "null" {
		var g PropertyGroup
		if err := json.Unmarshal(data, &g); err != nil {
			return err
		}
		m.Group = &g
		return nil
	}
	var f PropertyFilter
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	m.Filter = &f
	return nil
}

func (m GroupMember) MarshalJSON() ([]byte, error) {
	if m.Group != nil {
		return json.Marshal(m.Group)
	}
	return json.Marshal(m.Filter)
}
