package core

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// noneValuesAllowedOperators can match a property whose value is present but
// nil; every other operator treats nil as a non-match.
var noneValuesAllowedOperators = map[Operator]bool{
	OperatorIsNot: true,
}

// MatchProperty evaluates one person or group property filter against a
// property bag. A filter whose key is absent from the bag is inconclusive,
// not false, except for is_set which only needs presence. is_not_set cannot
// be resolved from a bag of overrides and is always inconclusive.
func MatchProperty(filter PropertyFilter, properties map[string]any) (bool, error) {
	if _, ok := properties[filter.Key]; !ok {
		return false, inconclusive("can't match property %q without a given property value", filter.Key)
	}
	if filter.Operator == OperatorIsNotSet {
		return false, inconclusive("can't match properties with operator is_not_set")
	}

	value := properties[filter.Key]
	if value == nil && !noneValuesAllowedOperators[filter.Operator] {
		return false, nil
	}

	switch filter.Operator {
	case OperatorExact, OperatorIsNot:
		matched := exactMatch(filter.Value, value)
		if filter.Operator == OperatorIsNot {
			return !matched, nil
		}
		return matched, nil

	case OperatorIsSet:
		return true, nil

	case OperatorIContains:
		return iContains(value, filter.Value), nil

	case OperatorNotIContains:
		return !iContains(value, filter.Value), nil

	case OperatorRegex, OperatorNotRegex:
		re, err := regexp.Compile(stringify(filter.Value))
		if err != nil {
			// Invalid patterns match nothing, for regex and not_regex alike.
			return false, nil
		}
		found := re.MatchString(stringify(value))
		if filter.Operator == OperatorRegex {
			return found, nil
		}
		return !found, nil

	case OperatorGT, OperatorGTE, OperatorLT, OperatorLTE:
		return compareOrdered(filter.Operator, value, filter.Value), nil

	case OperatorIsDateBefore, OperatorIsDateAfter:
		return compareDates(filter.Operator, value, filter.Value)
	}

	return false, inconclusive("unknown operator %q", filter.Operator)
}

// exactMatch implements the "exact" operator: list filter values are a
// case-insensitive membership test, scalar values a case-insensitive
// equality test, both over stringified operands.
func exactMatch(filterValue, value any) bool {
	if list, ok := filterValue.([]any); ok {
		needle := stringify(value)
		for _, item := range list {
			if strings.EqualFold(stringify(item), needle) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(stringify(filterValue), stringify(value))
}

func iContains(source, search any) bool {
	return strings.Contains(strings.ToLower(stringify(source)), strings.ToLower(stringify(search)))
}

// compareOrdered handles gt/gte/lt/lte. Both operands must share a runtime
// shape: two strings compare lexically, two numbers numerically; anything
// else is false.
func compareOrdered(op Operator, value, filterValue any) bool {
	if vs, ok := value.(string); ok {
		return orderedResult(op, strings.Compare(vs, stringify(filterValue)))
	}

	vn, vok := asFloat64(value)
	fn, fok := asFloat64(filterValue)
	if !fok {
		// Numeric filter values arrive as strings often enough that the
		// platform treats them as numbers when they parse.
		if fs, ok := filterValue.(string); ok {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(fs), 64)
			if err == nil {
				fn, fok = parsed, true
			}
		}
	}
	if !vok || !fok {
		return false
	}

	switch {
	case vn < fn:
		return orderedResult(op, -1)
	case vn > fn:
		return orderedResult(op, 1)
	default:
		return orderedResult(op, 0)
	}
}

func orderedResult(op Operator, cmp int) bool {
	switch op {
	case OperatorGT:
		return cmp > 0
	case OperatorGTE:
		return cmp >= 0
	case OperatorLT:
		return cmp < 0
	case OperatorLTE:
		return cmp <= 0
	}
	return false
}

func compareDates(op Operator, value, filterValue any) (bool, error) {
	target, ok := parseFilterDate(stringify(filterValue))
	if !ok {
		return false, inconclusive("the date set on the flag is not a valid format")
	}

	var observed time.Time
	switch v := value.(type) {
	case time.Time:
		observed = v
	case string:
		parsed, ok := parseAbsoluteDate(v)
		if !ok {
			return false, inconclusive("the date provided is not a valid format")
		}
		observed = parsed
	default:
		return false, inconclusive("the date provided must be a string or time value")
	}

	if op == OperatorIsDateBefore {
		return observed.Before(target), nil
	}
	return observed.After(target), nil
}

var relativeDateRe = regexp.MustCompile(`^-?([0-9]+)([a-z])$`)

// parseFilterDate accepts either a relative date like "-30d" (hours, days,
// weeks, months, years) or an absolute timestamp.
func parseFilterDate(value string) (time.Time, bool) {
	if m := relativeDateRe.FindStringSubmatch(value); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n >= 10_000 {
			// Guard against overflow on absurd intervals.
			return time.Time{}, false
		}
		now := time.Now().UTC()
		switch m[2] {
		case "h":
			return now.Add(-time.Duration(n) * time.Hour), true
		case "d":
			return now.AddDate(0, 0, -n), true
		case "w":
			return now.AddDate(0, 0, -7*n), true
		case "m":
			return now.AddDate(0, -n, 0), true
		case "y":
			return now.AddDate(-n, 0, 0), true
		}
		return time.Time{}, false
	}
	return parseAbsoluteDate(value)
}

func parseAbsoluteDate(value string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// stringify renders a property operand the way the platform compares it:
// whole floats without a trailing ".0", everything else via Go defaults.
func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		if value == math.Trunc(value) && !math.IsInf(value, 0) {
			return strconv.FormatInt(int64(value), 10)
		}
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return stringify(float64(value))
	default:
		if n, ok := asInt64(v); ok {
			return strconv.FormatInt(n, 10)
		}
		return fmt.Sprintf("%v", v)
	}
}

func asInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch n := value.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		if i, ok := asInt64(value); ok {
			return float64(i), true
		}
		return 0, false
	}
}
