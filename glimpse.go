package glimpse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimpse-analytics/glimpse-go/cache"
	"github.com/glimpse-analytics/glimpse-go/internal/core"
	"github.com/glimpse-analytics/glimpse-go/internal/logging"
	"github.com/glimpse-analytics/glimpse-go/internal/metrics"
	"github.com/glimpse-analytics/glimpse-go/internal/tracing"
)

// reportedFlagsLimit caps the $feature_flag_called dedupe set; when exceeded
// the set is reset rather than grown without bound.
const reportedFlagsLimit = 50000

// snapshot is one immutable view of the loaded flag definitions. Reloads and
// realtime patches replace the whole snapshot atomically; readers never see a
// partially updated set.
type snapshot struct {
	flags            []*core.FlagDefinition
	byKey            map[string]*core.FlagDefinition
	idToKey          map[string]string
	groupTypeMapping map[string]string
	cohorts          core.CohortMap
	version          int
	etag             string
	// hash fingerprints the definition content so reinstalling unchanged
	// data can be detected and skipped.
	hash string
}

func definitionHash(data *DefinitionData) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func buildSnapshot(data *DefinitionData, version int, etag string) *snapshot {
	flags := make([]*core.FlagDefinition, 0, len(data.Flags))
	byKey := make(map[string]*core.FlagDefinition, len(data.Flags))
	for _, flag := range data.Flags {
		if flag == nil || flag.Key == "" || flag.Deleted {
			continue
		}
		flags = append(flags, flag)
		byKey[flag.Key] = flag
	}
	idToKey := make(map[string]string, len(flags))
	for _, flag := range flags {
		if flag.ID != 0 {
			idToKey[flag.IDString()] = flag.Key
		}
	}
	return &snapshot{
		flags:            flags,
		byKey:            byKey,
		idToKey:          idToKey,
		groupTypeMapping: data.GroupTypeMapping,
		cohorts:          data.Cohorts,
		version:          version,
		etag:             etag,
		hash:             definitionHash(data),
	}
}

// Client is a Glimpse analytics and feature flag client. It keeps flag
// definitions refreshed in the background and evaluates flags locally
// whenever the loaded definitions and supplied properties allow, falling back
// to remote evaluation and then to stale cached results.
type Client struct {
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	evaluator *core.Evaluator
	api       *transport
	results   cache.ResultCache

	// snapMu serialises snapshot writers (poller, manual reload, realtime
	// patches); readers load the pointer without locking.
	snapMu sync.Mutex
	snap   atomic.Pointer[snapshot]

	reportedMu    sync.Mutex
	reported      map[string]map[string]struct{}
	reportedCount int

	// eventMu guards closed and the Add on eventWG, so Close can wait for
	// in-flight event sends without racing new ones.
	eventMu sync.Mutex
	eventWG sync.WaitGroup
	closed  bool

	cancel        context.CancelFunc
	wg            sync.WaitGroup
	traceShutdown func(context.Context) error
}

// NewClient validates cfg and returns a running client: definitions are
// loaded immediately and refreshed every PollInterval thereafter. An
// unauthorized response during the initial load is a configuration error and
// fails construction; transient network failures do not.
func NewClient(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New(cfg.LogLevel)
	}

	results := cfg.ResultCache
	m := metrics.New()
	if results == nil {
		fc := cache.NewFlagCache(cfg.ResultCacheMaxUsers, cfg.ResultCacheTTL)
		metrics.RegisterCacheMetrics(m.Registry, fc)
		results = fc
	}

	traceShutdown, err := tracing.Init(context.Background())
	if err != nil {
		return nil, fmt.Errorf("glimpse: init tracing: %w", err)
	}

	c := &Client{
		cfg:           cfg,
		log:           log,
		metrics:       m,
		evaluator:     core.NewEvaluator(log),
		api:           newTransport(cfg, log),
		results:       results,
		reported:      make(map[string]map[string]struct{}),
		traceShutdown: traceShutdown,
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancelInit()
	if err := c.loadDefinitions(initCtx); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("glimpse: load definitions: %w", err)
		}
		c.metrics.DefinitionReloadFailures.Inc()
		log.Warn("initial flag definition load failed, continuing without local evaluation", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.runPoller(ctx)
	if cfg.EnableRealtimeUpdates {
		c.wg.Add(1)
		go c.runRealtime(ctx)
	}
	return c, nil
}

// Close stops background refresh, flushes tracing, and shuts down the
// definition cache provider. Safe to call more than once; provider shutdown
// errors are logged, never returned.
func (c *Client) Close() error {
	c.eventMu.Lock()
	c.closed = true
	c.eventMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.eventWG.Wait()

	if p := c.cfg.DefinitionCacheProvider; p != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			c.log.Warn("definition cache provider shutdown failed", "error", err)
		}
	}
	if c.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.traceShutdown(ctx); err != nil {
			c.log.Warn("tracing shutdown failed", "error", err)
		}
	}
	return nil
}

// MetricsHandler serves the client's Prometheus metrics.
func (c *Client) MetricsHandler() http.Handler {
	return c.metrics.Handler()
}

// GetFeatureFlag resolves one flag for one identity. The returned value is
// true, a variant key, false, or nil when the flag could not be resolved by
// any path; an unresolved flag is not an error.
func (c *Client) GetFeatureFlag(ctx context.Context, req FlagRequest) (FlagValue, error) {
	if req.DistinctID == "" {
		return nil, errors.New("glimpse: DistinctID is required")
	}
	if req.Key == "" {
		return nil, errors.New("glimpse: Key is required")
	}

	value, _, source, errClass := c.resolveFlag(ctx, req)
	if !req.DisableEvents {
		c.reportFlagCalled(req, value, source, errClass)
	}
	return value, nil
}

// IsFeatureEnabled reports whether the flag resolves to anything other than
// false. Unresolved flags are reported as disabled.
func (c *Client) IsFeatureEnabled(ctx context.Context, req FlagRequest) (bool, error) {
	value, err := c.GetFeatureFlag(ctx, req)
	if err != nil {
		return false, err
	}
	return Enabled(value), nil
}

// GetFeatureFlagPayload returns the payload attached to the flag's resolved
// value, or "" when the flag is unresolved or carries no payload.
func (c *Client) GetFeatureFlagPayload(ctx context.Context, req FlagRequest) (string, error) {
	if req.DistinctID == "" {
		return "", errors.New("glimpse: DistinctID is required")
	}
	if req.Key == "" {
		return "", errors.New("glimpse: Key is required")
	}

	value, payload, source, errClass := c.resolveFlag(ctx, req)
	if !req.DisableEvents {
		c.reportFlagCalled(req, value, source, errClass)
	}
	return payload, nil
}

// GetAllFlags resolves every known flag for one identity. Flags that local
// evaluation cannot resolve are filled in from remote evaluation unless
// OnlyEvaluateLocally is set; flags no path can resolve are absent from the
// map. Req.Key is ignored.
func (c *Client) GetAllFlags(ctx context.Context, req FlagRequest) (map[string]FlagValue, error) {
	if req.DistinctID == "" {
		return nil, errors.New("glimpse: DistinctID is required")
	}

	results := make(map[string]FlagValue)
	needRemote := false

	snap := c.snap.Load()
	if snap == nil {
		needRemote = true
	} else {
		local := c.evaluator.EvaluateFlags(core.EvaluationRequest{
			Flags:            snap.flags,
			DistinctID:       req.DistinctID,
			Properties:       req.PersonProperties,
			CohortProperties: snap.cohorts,
			Groups:           req.Groups,
			GroupProperties:  req.GroupProperties,
			GroupTypeMapping: snap.groupTypeMapping,
		})
		for _, flag := range snap.flags {
			if flag.EnsureExperienceContinuity {
				needRemote = true
				continue
			}
			value, ok := local[flag.Key]
			if !ok {
				needRemote = true
				continue
			}
			results[flag.Key] = value
			c.results.SetCachedFlag(ctx, req.DistinctID, flag.Key, cache.Result{Value: value, Payload: flagPayload(flag, value)}, snap.version)
		}
		if len(results) > 0 {
			c.metrics.RecordEvaluation(metrics.SourceLocal)
		}
	}

	if !needRemote || req.OnlyEvaluateLocally {
		return results, nil
	}

	resp, err := c.api.remoteEvaluate(ctx, remoteEvaluateRequest{
		DistinctID:       req.DistinctID,
		PersonProperties: req.PersonProperties,
		Groups:           req.Groups,
		GroupProperties:  req.GroupProperties,
	})
	switch {
	case err != nil:
		c.metrics.RecordRemoteError(classifyError(err))
		c.log.Warn("remote evaluation failed, returning locally evaluated flags only", "error", err)
	case resp.quotaLimitsFlags():
		c.metrics.RecordRemoteError(errClassQuota)
		c.log.Warn("feature flags quota limited, returning locally evaluated flags only")
	default:
		version := 0
		if snap != nil {
			version = snap.version
		}
		for key, value := range resp.FeatureFlags {
			results[key] = value
			c.results.SetCachedFlag(ctx, req.DistinctID, key, cache.Result{Value: value, Payload: resp.Payloads[key]}, version)
		}
		c.metrics.RecordEvaluation(metrics.SourceRemote)
	}
	return results, nil
}

// ReloadFeatureFlags forces a definition refresh outside the poll schedule.
func (c *Client) ReloadFeatureFlags(ctx context.Context) error {
	if err := c.loadDefinitions(ctx); err != nil {
		c.metrics.DefinitionReloadFailures.Inc()
		return err
	}
	return nil
}

// Capture sends one analytics event synchronously. The error is returned so
// callers can retry; no batching or queueing happens in the client.
func (c *Client) Capture(ctx context.Context, event, distinctID string, properties map[string]any) error {
	if event == "" {
		return errors.New("glimpse: event name is required")
	}
	if distinctID == "" {
		return errors.New("glimpse: DistinctID is required")
	}
	if err := c.api.sendEvent(ctx, event, distinctID, properties); err != nil {
		c.metrics.RecordRemoteError(classifyError(err))
		return err
	}
	c.metrics.EventsSentTotal.Inc()
	return nil
}

// resolveFlag runs the decision flow for one flag: fresh cache, local
// evaluation, remote evaluation, stale cache, unresolved. It returns the
// value (nil when unresolved), its payload, the source label, and the remote
// error class when the remote path failed.
func (c *Client) resolveFlag(ctx context.Context, req FlagRequest) (value FlagValue, payload, source, errClass string) {
	snap := c.snap.Load()
	version := 0
	if snap != nil {
		version = snap.version
	}

	if res, ok := c.results.GetCachedFlag(ctx, req.DistinctID, req.Key, version); ok {
		c.metrics.RecordEvaluation(metrics.SourceFreshCache)
		return res.Value, res.Payload, metrics.SourceFreshCache, ""
	}

	if snap != nil {
		if flag, ok := snap.byKey[req.Key]; ok && !flag.EnsureExperienceContinuity {
			local := c.evaluator.EvaluateFlags(core.EvaluationRequest{
				Flags:            snap.flags,
				DistinctID:       req.DistinctID,
				Properties:       req.PersonProperties,
				CohortProperties: snap.cohorts,
				RequestedKeys:    map[string]struct{}{req.Key: {}},
				Groups:           req.Groups,
				GroupProperties:  req.GroupProperties,
				GroupTypeMapping: snap.groupTypeMapping,
			})
			if v, ok := local[req.Key]; ok {
				payload := flagPayload(flag, v)
				c.results.SetCachedFlag(ctx, req.DistinctID, req.Key, cache.Result{Value: v, Payload: payload}, version)
				c.metrics.RecordEvaluation(metrics.SourceLocal)
				return v, payload, metrics.SourceLocal, ""
			}
		}
	}

	if req.OnlyEvaluateLocally {
		c.metrics.RecordEvaluation(metrics.SourceUnresolved)
		return nil, "", metrics.SourceUnresolved, ""
	}

	resp, err := c.api.remoteEvaluate(ctx, remoteEvaluateRequest{
		DistinctID:       req.DistinctID,
		PersonProperties: req.PersonProperties,
		Groups:           req.Groups,
		GroupProperties:  req.GroupProperties,
	})
	if err == nil && resp.quotaLimitsFlags() {
		err = &APIError{StatusCode: http.StatusTooManyRequests, Message: "feature flags quota limited"}
	}
	if err == nil {
		if v, ok := resp.FeatureFlags[req.Key]; ok {
			payload := resp.Payloads[req.Key]
			c.results.SetCachedFlag(ctx, req.DistinctID, req.Key, cache.Result{Value: v, Payload: payload}, version)
			c.metrics.RecordEvaluation(metrics.SourceRemote)
			return v, payload, metrics.SourceRemote, ""
		}
		c.metrics.RecordEvaluation(metrics.SourceUnresolved)
		return nil, "", metrics.SourceUnresolved, ""
	}

	errClass = classifyError(err)
	c.metrics.RecordRemoteError(errClass)
	c.log.Warn("remote evaluation failed, consulting stale cache", "flag", req.Key, "error", err)

	if res, ok := c.results.GetStaleCachedFlag(ctx, req.DistinctID, req.Key, c.cfg.StaleWindow); ok {
		c.metrics.RecordEvaluation(metrics.SourceStaleCache)
		return res.Value, res.Payload, metrics.SourceStaleCache, errClass
	}

	c.metrics.RecordEvaluation(metrics.SourceUnresolved)
	return nil, "", metrics.SourceUnresolved, errClass
}

// flagPayload looks up the payload attached to a resolved value: variant
// results key by variant name, plain true results by "true".
func flagPayload(flag *core.FlagDefinition, value FlagValue) string {
	if flag.Filters.Payloads == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return flag.Filters.Payloads[v]
	case bool:
		if v {
			return flag.Filters.Payloads["true"]
		}
	}
	return ""
}

// reportFlagCalled sends the $feature_flag_called analytics event once per
// (distinct ID, flag key) pair, in the background. No events start after
// Close.
func (c *Client) reportFlagCalled(req FlagRequest, value FlagValue, source, errClass string) {
	c.reportedMu.Lock()
	seen, ok := c.reported[req.DistinctID]
	if !ok {
		if c.reportedCount >= reportedFlagsLimit {
			clear(c.reported)
			c.reportedCount = 0
		}
		seen = make(map[string]struct{})
		c.reported[req.DistinctID] = seen
	}
	if _, dup := seen[req.Key]; dup {
		c.reportedMu.Unlock()
		return
	}
	seen[req.Key] = struct{}{}
	c.reportedCount++
	c.reportedMu.Unlock()

	properties := map[string]any{
		"$feature_flag":          req.Key,
		"$feature_flag_response": value,
		"locally_evaluated":      source == metrics.SourceLocal || source == metrics.SourceFreshCache,
	}
	if errClass != "" {
		properties["$feature_flag_error"] = errClass
	}

	c.eventMu.Lock()
	if c.closed {
		c.eventMu.Unlock()
		return
	}
	c.eventWG.Add(1)
	c.eventMu.Unlock()

	go func() {
		defer c.eventWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.api.sendEvent(ctx, "$feature_flag_called", req.DistinctID, properties); err != nil {
			c.log.Debug("failed to send $feature_flag_called", "flag", req.Key, "error", err)
			return
		}
		c.metrics.EventsSentTotal.Inc()
	}()
}

// runPoller refreshes flag definitions every PollInterval until cancelled.
func (c *Client) runPoller(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := c.loadDefinitions(ctx); err != nil {
			c.metrics.DefinitionReloadFailures.Inc()
			c.log.Warn("flag definition reload failed", "error", err)
		}
	}
}

// loadDefinitions refreshes the snapshot: consult the definition cache
// provider first (all its errors fail open to a direct fetch), then fetch
// from the platform with ETag short-circuiting.
func (c *Client) loadDefinitions(ctx context.Context) error {
	prev := c.snap.Load()
	etag := ""
	if prev != nil {
		etag = prev.etag
	}

	if p := c.cfg.DefinitionCacheProvider; p != nil {
		shouldFetch, err := p.ShouldFetchFlagDefinitions(ctx)
		if err != nil {
			c.log.Warn("definition cache provider should-fetch failed, fetching", "error", err)
			shouldFetch = true
		}
		if !shouldFetch {
			data, err := p.GetFlagDefinitions(ctx)
			if err != nil {
				c.log.Warn("definition cache provider read failed, fetching", "error", err)
			} else if data != nil {
				// Provider data has no ETag lineage; the next direct fetch
				// is unconditional.
				c.install(data, "")
				return nil
			}
		}
	}

	data, newETag, notModified, err := c.api.fetchDefinitions(ctx, etag)
	if err != nil {
		return err
	}
	if notModified {
		return nil
	}

	if p := c.cfg.DefinitionCacheProvider; p != nil {
		if err := p.OnFlagDefinitionsReceived(ctx, data); err != nil {
			c.log.Warn("definition cache provider publish failed", "error", err)
		}
	}
	c.install(data, newETag)
	return nil
}

// install swaps in a new snapshot and invalidates result cache entries from
// the superseded definition version. Unchanged content keeps the current
// version so fresh cached results stay valid, matching the 304 path; this
// matters on the provider path, which re-reads the shared snapshot every
// poll tick.
func (c *Client) install(data *DefinitionData, etag string) {
	c.snapMu.Lock()
	prev := c.snap.Load()
	version := 1
	oldVersion := 0
	if prev != nil {
		version = prev.version + 1
		oldVersion = prev.version
	}
	snap := buildSnapshot(data, version, etag)
	if prev != nil && snap.hash == prev.hash {
		if etag != "" && etag != prev.etag {
			next := *prev
			next.etag = etag
			c.snap.Store(&next)
		}
		c.snapMu.Unlock()
		c.log.Debug("flag definitions unchanged, keeping current snapshot", "version", prev.version)
		return
	}
	c.snap.Store(snap)
	c.snapMu.Unlock()

	if oldVersion != 0 {
		c.results.InvalidateVersion(context.Background(), oldVersion)
	}
	c.metrics.DefinitionReloadsTotal.Inc()
	c.log.Info("flag definitions loaded", "flags", len(snap.flags), "version", version)
}
