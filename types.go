// Package glimpse is a Go client for the Glimpse analytics and feature flag
// platform. It evaluates feature flags locally against a background-refreshed
// definition snapshot whenever possible, falls back to remote evaluation when
// local data is insufficient, and serves stale cached results rather than
// blocking on a failing network.
package glimpse

import (
	"context"

	"github.com/glimpse-analytics/glimpse-go/internal/core"
)

// FlagValue is the result of a flag evaluation: true, a variant key string,
// or false. A nil FlagValue from the client means the flag could not be
// resolved at all.
type FlagValue = core.FlagValue

// FlagDefinition is one feature flag as served by the platform.
type FlagDefinition = core.FlagDefinition

// Filters is the targeting configuration of a flag.
type Filters = core.Filters

// ConditionGroup is one OR-branch of a flag's targeting configuration.
type ConditionGroup = core.ConditionGroup

// PropertyFilter is a single targeting condition inside a condition group.
type PropertyFilter = core.PropertyFilter

// CohortMap holds cohort property-group definitions keyed by cohort ID.
type CohortMap = core.CohortMap

// Enabled reports whether a flag value counts as "on": anything other than
// exactly false.
func Enabled(v FlagValue) bool {
	return v != nil && core.Enabled(v)
}

// DefinitionData is one complete flag definition snapshot as fetched from the
// platform or a definition cache provider.
type DefinitionData struct {
	Flags            []*FlagDefinition `json:"flags"`
	GroupTypeMapping map[string]string `json:"group_type_mapping"`
	Cohorts          CohortMap         `json:"cohorts"`
}

// FlagRequest describes one flag lookup. Key names the flag (ignored by
// GetAllFlags); DistinctID identifies the user and is required.
type FlagRequest struct {
	Key        string
	DistinctID string

	// PersonProperties are matched against person-type property filters.
	PersonProperties map[string]any

	// Groups maps group type name to group key; GroupProperties carries
	// per-group property bags. Both are used by group-level flags.
	Groups          map[string]string
	GroupProperties map[string]map[string]any

	// OnlyEvaluateLocally suppresses the remote evaluation fallback; a flag
	// that cannot be resolved locally comes back unresolved.
	OnlyEvaluateLocally bool

	// DisableEvents suppresses the $feature_flag_called analytics event for
	// this lookup.
	DisableEvents bool
}

// FlagDefinitionCacheProvider coordinates flag definition refresh across
// processes, e.g. through Redis or Postgres. All methods are fail-open: the
// client logs errors and falls back to fetching from the platform directly.
type FlagDefinitionCacheProvider interface {
	// ShouldFetchFlagDefinitions reports whether this process should fetch
	// fresh definitions from the platform. Errors default to true.
	ShouldFetchFlagDefinitions(ctx context.Context) (bool, error)

	// GetFlagDefinitions returns the shared cached definition set, used when
	// ShouldFetchFlagDefinitions returned false. A miss or error falls
	// through to a platform fetch.
	GetFlagDefinitions(ctx context.Context) (*DefinitionData, error)

	// OnFlagDefinitionsReceived publishes freshly fetched definitions to the
	// shared cache. Errors are logged; the in-memory data is still used.
	OnFlagDefinitionsReceived(ctx context.Context, data *DefinitionData) error

	// Shutdown releases provider resources. Called on Client.Close, possibly
	// more than once; errors are logged, never fatal.
	Shutdown(ctx context.Context) error
}
