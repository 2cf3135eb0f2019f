package core

import (
	"errors"
	"testing"
	"time"
)

func TestMatchProperty(t *testing.T) {
	tests := []struct {
		name       string
		filter     PropertyFilter
		properties map[string]any
		want       bool
	}{
		{
			name:       "exact scalar match",
			filter:     PropertyFilter{Key: "region", Operator: OperatorExact, Value: "eu"},
			properties: map[string]any{"region": "eu"},
			want:       true,
		},
		{
			name:       "exact scalar match is case-insensitive",
			filter:     PropertyFilter{Key: "region", Operator: OperatorExact, Value: "EU"},
			properties: map[string]any{"region": "eu"},
			want:       true,
		},
		{
			name:       "exact scalar mismatch",
			filter:     PropertyFilter{Key: "region", Operator: OperatorExact, Value: "eu"},
			properties: map[string]any{"region": "us"},
			want:       false,
		},
		{
			name:       "exact list membership",
			filter:     PropertyFilter{Key: "region", Operator: OperatorExact, Value: []any{"eu", "us"}},
			properties: map[string]any{"region": "us"},
			want:       true,
		},
		{
			name:       "exact list non-membership",
			filter:     PropertyFilter{Key: "region", Operator: OperatorExact, Value: []any{"eu", "us"}},
			properties: map[string]any{"region": "apac"},
			want:       false,
		},
		{
			name:       "exact numeric cross-type match",
			filter:     PropertyFilter{Key: "version", Operator: OperatorExact, Value: float64(4)},
			properties: map[string]any{"version": 4},
			want:       true,
		},
		{
			name:       "is_not negates exact",
			filter:     PropertyFilter{Key: "region", Operator: OperatorIsNot, Value: "eu"},
			properties: map[string]any{"region": "us"},
			want:       true,
		},
		{
			name:       "is_not matches nil value",
			filter:     PropertyFilter{Key: "region", Operator: OperatorIsNot, Value: "eu"},
			properties: map[string]any{"region": nil},
			want:       true,
		},
		{
			name:       "nil value never matches exact",
			filter:     PropertyFilter{Key: "region", Operator: OperatorExact, Value: "eu"},
			properties: map[string]any{"region": nil},
			want:       false,
		},
		{
			name:       "is_set matches present key",
			filter:     PropertyFilter{Key: "region", Operator: OperatorIsSet},
			properties: map[string]any{"region": "eu"},
			want:       true,
		},
		{
			name:       "icontains is case-insensitive",
			filter:     PropertyFilter{Key: "email", Operator: OperatorIContains, Value: "EXAMPLE.com"},
			properties: map[string]any{"email": "dev@example.com"},
			want:       true,
		},
		{
			name:       "not_icontains",
			filter:     PropertyFilter{Key: "email", Operator: OperatorNotIContains, Value: "spam"},
			properties: map[string]any{"email": "dev@example.com"},
			want:       true,
		},
		{
			name:       "regex search semantics",
			filter:     PropertyFilter{Key: "email", Operator: OperatorRegex, Value: `@example\.com$`},
			properties: map[string]any{"email": "dev@example.com"},
			want:       true,
		},
		{
			name:       "regex invalid pattern matches nothing",
			filter:     PropertyFilter{Key: "email", Operator: OperatorRegex, Value: "("},
			properties: map[string]any{"email": "dev@example.com"},
			want:       false,
		},
		{
			name:       "not_regex invalid pattern also matches nothing",
			filter:     PropertyFilter{Key: "email", Operator: OperatorNotRegex, Value: "("},
			properties: map[string]any{"email": "dev@example.com"},
			want:       false,
		},
		{
			name:       "not_regex with no match",
			filter:     PropertyFilter{Key: "email", Operator: OperatorNotRegex, Value: "@other"},
			properties: map[string]any{"email": "dev@example.com"},
			want:       true,
		},
		{
			name:       "gt numeric",
			filter:     PropertyFilter{Key: "count", Operator: OperatorGT, Value: float64(5)},
			properties: map[string]any{"count": float64(7)},
			want:       true,
		},
		{
			name:       "gte boundary",
			filter:     PropertyFilter{Key: "count", Operator: OperatorGTE, Value: float64(7)},
			properties: map[string]any{"count": float64(7)},
			want:       true,
		},
		{
			name:       "lt numeric filter value as string",
			filter:     PropertyFilter{Key: "count", Operator: OperatorLT, Value: "10"},
			properties: map[string]any{"count": float64(3)},
			want:       true,
		},
		{
			name:       "lt string operands compare lexically",
			filter:     PropertyFilter{Key: "version", Operator: OperatorLT, Value: "b"},
			properties: map[string]any{"version": "a"},
			want:       true,
		},
		{
			name:       "gt mismatched operand types is false",
			filter:     PropertyFilter{Key: "count", Operator: OperatorGT, Value: []any{"1"}},
			properties: map[string]any{"count": float64(7)},
			want:       false,
		},
		{
			name:       "is_date_before with absolute dates",
			filter:     PropertyFilter{Key: "joined", Operator: OperatorIsDateBefore, Value: "2024-06-01"},
			properties: map[string]any{"joined": "2024-01-15"},
			want:       true,
		},
		{
			name:       "is_date_after with time value",
			filter:     PropertyFilter{Key: "joined", Operator: OperatorIsDateAfter, Value: "2024-06-01"},
			properties: map[string]any{"joined": time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)},
			want:       true,
		},
		{
			name:       "is_date_before with relative date",
			filter:     PropertyFilter{Key: "joined", Operator: OperatorIsDateBefore, Value: "-30d"},
			properties: map[string]any{"joined": "2001-01-01"},
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MatchProperty(tt.filter, tt.properties)
			if err != nil {
				t.Fatalf("MatchProperty() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MatchProperty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchPropertyInconclusive(t *testing.T) {
	tests := []struct {
		name       string
		filter     PropertyFilter
		properties map[string]any
	}{
		{
			name:       "missing key in empty bag",
			filter:     PropertyFilter{Key: "region", Operator: OperatorExact, Value: "eu"},
			properties: map[string]any{},
		},
		{
			name:       "missing key with is_set",
			filter:     PropertyFilter{Key: "region", Operator: OperatorIsSet},
			properties: map[string]any{"other": 1},
		},
		{
			name:       "is_not_set is never resolvable from overrides",
			filter:     PropertyFilter{Key: "region", Operator: OperatorIsNotSet},
			properties: map[string]any{"region": "eu"},
		},
		{
			name:       "unknown operator",
			filter:     PropertyFilter{Key: "region", Operator: "between", Value: "eu"},
			properties: map[string]any{"region": "eu"},
		},
		{
			name:       "invalid flag-side date",
			filter:     PropertyFilter{Key: "joined", Operator: OperatorIsDateBefore, Value: "not-a-date"},
			properties: map[string]any{"joined": "2024-01-15"},
		},
		{
			name:       "unparseable bag-side date",
			filter:     PropertyFilter{Key: "joined", Operator: OperatorIsDateBefore, Value: "2024-06-01"},
			properties: map[string]any{"joined": "yesterday-ish"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := MatchProperty(tt.filter, tt.properties)
			if !errors.Is(err, ErrInconclusiveMatch) {
				t.Fatalf("MatchProperty() error = %v, want ErrInconclusiveMatch", err)
			}
		})
	}
}
