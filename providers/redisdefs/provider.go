// Package redisdefs coordinates flag definition refresh across processes
// through Redis. One process at a time holds a leader key and fetches fresh
// definitions from the platform; every other process reads the JSON snapshot
// the leader published. All errors are surfaced to the client, which treats
// them as fail-open per the provider contract.
package redisdefs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	glimpse "github.com/glimpse-analytics/glimpse-go"
	"github.com/glimpse-analytics/glimpse-go/internal/logging"
)

const (
	defaultKeyPrefix = "glimpse:defs"
	defaultLeaderTTL = time.Minute
	defaultDataTTL   = 24 * time.Hour
)

// refreshScript extends leadership only if this instance still holds it.
var refreshScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0`)

// releaseScript drops leadership only if this instance holds it, so a
// shutdown never steals the key from a newer leader.
var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0`)

// Config tunes the provider. Zero values take the defaults.
type Config struct {
	// KeyPrefix namespaces the leader and data keys (default "glimpse:defs").
	KeyPrefix string
	// LeaderTTL is how long fetch leadership is held before another process
	// may take over (default 1m). It should exceed the client poll interval.
	LeaderTTL time.Duration
	// DataTTL is how long the published definition snapshot is served
	// (default 24h).
	DataTTL time.Duration
}

// Provider implements glimpse.FlagDefinitionCacheProvider over Redis.
type Provider struct {
	client     redis.UniversalClient
	cfg        Config
	instanceID string
	log        *slog.Logger
}

// New returns a provider backed by client. A nil logger disables logging.
func New(client redis.UniversalClient, cfg Config, log *slog.Logger) *Provider {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = defaultLeaderTTL
	}
	if cfg.DataTTL <= 0 {
		cfg.DataTTL = defaultDataTTL
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Provider{
		client:     client,
		cfg:        cfg,
		instanceID: uuid.NewString(),
		log:        log,
	}
}

func (p *Provider) leaderKey() string { return p.cfg.KeyPrefix + ":leader" }
func (p *Provider) dataKey() string   { return p.cfg.KeyPrefix + ":data" }

// ShouldFetchFlagDefinitions reports whether this process currently holds
// (or just acquired) fetch leadership.
func (p *Provider) ShouldFetchFlagDefinitions(ctx context.Context) (bool, error) {
	acquired, err := p.client.SetNX(ctx, p.leaderKey(), p.instanceID, p.cfg.LeaderTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redisdefs: acquire leadership: %w", err)
	}
	if acquired {
		p.log.Debug("acquired definition fetch leadership", "instance", p.instanceID)
		return true, nil
	}

	held, err := refreshScript.Run(ctx, p.client,
		[]string{p.leaderKey()}, p.instanceID, p.cfg.LeaderTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redisdefs: refresh leadership: %w", err)
	}
	return held == 1, nil
}

// GetFlagDefinitions reads the snapshot published by the current leader.
// A missing snapshot is (nil, nil): the caller falls through to a fetch.
func (p *Provider) GetFlagDefinitions(ctx context.Context) (*glimpse.DefinitionData, error) {
	raw, err := p.client.Get(ctx, p.dataKey()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisdefs: read definitions: %w", err)
	}
	var data glimpse.DefinitionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("redisdefs: decode definitions: %w", err)
	}
	return &data, nil
}

// OnFlagDefinitionsReceived publishes freshly fetched definitions for the
// other processes to consume.
func (p *Provider) OnFlagDefinitionsReceived(ctx context.Context, data *glimpse.DefinitionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("redisdefs: encode definitions: %w", err)
	}
	if err := p.client.Set(ctx, p.dataKey(), raw, p.cfg.DataTTL).Err(); err != nil {
		return fmt.Errorf("redisdefs: publish definitions: %w", err)
	}
	return nil
}

// Shutdown releases leadership if this instance holds it. Safe to call more
// than once; it never deletes a newer leader's key.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := releaseScript.Run(ctx, p.client,
		[]string{p.leaderKey()}, p.instanceID).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redisdefs: release leadership: %w", err)
	}
	return nil
}
