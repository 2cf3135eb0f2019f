package glimpse

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/glimpse-analytics/glimpse-go/cache"
	"github.com/glimpse-analytics/glimpse-go/internal/core"
	"github.com/glimpse-analytics/glimpse-go/internal/metrics"
)

// newBareClient builds a client without any network wiring, enough to drive
// stream consumption and patch application directly.
func newBareClient(cfg Config) *Client {
	cfg.APIKey = "test-key"
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		log:       slog.New(slog.DiscardHandler),
		metrics:   metrics.New(),
		evaluator: core.NewEvaluator(nil),
		results:   cache.NewFlagCache(cfg.ResultCacheMaxUsers, cfg.ResultCacheTTL),
		reported:  make(map[string]map[string]struct{}),
	}
}

func TestConsumeStreamUpsert(t *testing.T) {
	c := newBareClient(Config{})
	c.install(&DefinitionData{Flags: []*FlagDefinition{rolloutFlag(1, "existing", 0)}}, "")

	stream := "event: flag\n" +
		`data: {"id":2,"key":"brand-new","active":true,"filters":{"groups":[{"rollout_percentage":100}]}}` + "\n\n"
	c.consumeStream(context.Background(), strings.NewReader(stream))

	snap := c.snap.Load()
	if snap == nil {
		t.Fatal("no snapshot after patch")
	}
	if _, ok := snap.byKey["brand-new"]; !ok {
		t.Fatalf("patched flag missing, flags = %v", keysOf(snap.byKey))
	}
	if _, ok := snap.byKey["existing"]; !ok {
		t.Error("existing flag lost during upsert")
	}
	if snap.idToKey["2"] != "brand-new" {
		t.Errorf("idToKey = %v, want the patched flag indexed by ID", snap.idToKey)
	}
}

func TestConsumeStreamReplacesFlagByKey(t *testing.T) {
	c := newBareClient(Config{})
	c.install(&DefinitionData{Flags: []*FlagDefinition{rolloutFlag(1, "beta", 0)}}, "")

	stream := "event: flag\n" +
		`data: {"id":1,"key":"beta","active":true,"filters":{"groups":[{"rollout_percentage":100}]}}` + "\n\n"
	c.consumeStream(context.Background(), strings.NewReader(stream))

	snap := c.snap.Load()
	if len(snap.flags) != 1 {
		t.Fatalf("flags = %d, want the patch to replace, not duplicate", len(snap.flags))
	}
	got := snap.byKey["beta"]
	if got.Filters.Groups[0].RolloutPercentage == nil || *got.Filters.Groups[0].RolloutPercentage != 100 {
		t.Errorf("patched rollout = %v, want 100", got.Filters.Groups[0].RolloutPercentage)
	}
}

func TestConsumeStreamDelete(t *testing.T) {
	c := newBareClient(Config{})
	c.install(&DefinitionData{Flags: []*FlagDefinition{
		rolloutFlag(1, "doomed", 100),
		rolloutFlag(2, "survivor", 100),
	}}, "")

	stream := "event: flag\n" +
		`data: {"key":"doomed","deleted":true}` + "\n\n"
	c.consumeStream(context.Background(), strings.NewReader(stream))

	snap := c.snap.Load()
	if _, ok := snap.byKey["doomed"]; ok {
		t.Error("deleted flag still present")
	}
	if _, ok := snap.byKey["survivor"]; !ok {
		t.Error("unrelated flag removed")
	}
}

func TestConsumeStreamMultiLineData(t *testing.T) {
	c := newBareClient(Config{})

	stream := "event: flag\n" +
		"data: {\"id\":1,\"key\":\"split\",\n" +
		"data: \"active\":true,\"filters\":{\"groups\":[]}}\n\n"
	c.consumeStream(context.Background(), strings.NewReader(stream))

	snap := c.snap.Load()
	if snap == nil {
		t.Fatal("no snapshot")
	}
	if _, ok := snap.byKey["split"]; !ok {
		t.Error("multi-line data patch not applied")
	}
}

func TestConsumeStreamIgnoresMalformedAndUnknownEvents(t *testing.T) {
	c := newBareClient(Config{})
	c.install(&DefinitionData{Flags: []*FlagDefinition{rolloutFlag(1, "beta", 100)}}, "")

	stream := "event: flag\ndata: {not json\n\n" +
		"event: heartbeat\ndata: {}\n\n" +
		"event: flag\ndata: {\"id\":9,\"active\":true}\n\n" // no key
	c.consumeStream(context.Background(), strings.NewReader(stream))

	snap := c.snap.Load()
	if len(snap.flags) != 1 || snap.flags[0].Key != "beta" {
		t.Errorf("snapshot changed by malformed patches: %v", keysOf(snap.byKey))
	}
}

func TestOnFlagUpdateCallback(t *testing.T) {
	var gotKey string
	var gotFlag *FlagDefinition
	c := newBareClient(Config{OnFlagUpdate: func(key string, flag *FlagDefinition) {
		gotKey = key
		gotFlag = flag
	}})

	stream := "event: flag\n" +
		`data: {"id":1,"key":"beta","active":true,"filters":{"groups":[]}}` + "\n\n"
	c.consumeStream(context.Background(), strings.NewReader(stream))

	if gotKey != "beta" {
		t.Fatalf("callback key = %q, want beta", gotKey)
	}
	if gotFlag == nil || gotFlag.ID != 1 {
		t.Errorf("callback flag = %+v", gotFlag)
	}
}

func TestOnFlagUpdateCallbackPanicIsIsolated(t *testing.T) {
	c := newBareClient(Config{OnFlagUpdate: func(string, *FlagDefinition) {
		panic("user code gone wrong")
	}})

	stream := "event: flag\n" +
		`data: {"id":1,"key":"first","active":true,"filters":{"groups":[]}}` + "\n\n" +
		"event: flag\n" +
		`data: {"id":2,"key":"second","active":true,"filters":{"groups":[]}}` + "\n\n"
	c.consumeStream(context.Background(), strings.NewReader(stream))

	snap := c.snap.Load()
	if snap == nil {
		t.Fatal("no snapshot")
	}
	// Both patches applied despite the callback panicking each time.
	if _, ok := snap.byKey["first"]; !ok {
		t.Error("first patch lost to a callback panic")
	}
	if _, ok := snap.byKey["second"]; !ok {
		t.Error("second patch lost to a callback panic")
	}
}

func TestApplyPatchWithoutSnapshot(t *testing.T) {
	c := newBareClient(Config{})

	// A delete before any snapshot exists is a no-op.
	c.applyPatch(&core.FlagDefinition{Key: "ghost", Deleted: true})
	if c.snap.Load() != nil {
		t.Fatal("delete patch created a snapshot")
	}

	c.applyPatch(&core.FlagDefinition{ID: 1, Key: "first", Active: true})
	snap := c.snap.Load()
	if snap == nil || len(snap.flags) != 1 {
		t.Fatalf("snapshot = %+v, want one flag", snap)
	}
	if snap.version != 1 {
		t.Errorf("version = %d, want 1", snap.version)
	}
}

func keysOf(m map[string]*core.FlagDefinition) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}
