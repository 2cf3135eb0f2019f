// Package pgdefs coordinates flag definition refresh across processes through
// a single-row Postgres table. A transactional advisory lock plus a
// fetched_at timestamp guarantee that at most one process per refresh
// interval fetches from the platform; the rest read the JSONB snapshot it
// stored.
package pgdefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	glimpse "github.com/glimpse-analytics/glimpse-go"
	"github.com/glimpse-analytics/glimpse-go/internal/logging"
)

// advisoryLockKey serialises refresh decisions. Transactional, so a crashed
// holder releases it automatically.
const advisoryLockKey = 0x676c6d707364 // "glmpsd"

const defaultRefreshInterval = 30 * time.Second

// Config tunes the provider. Zero values take the defaults.
type Config struct {
	// RefreshInterval is the minimum gap between platform fetches across all
	// processes sharing the table (default 30s).
	RefreshInterval time.Duration
}

// Provider implements glimpse.FlagDefinitionCacheProvider over Postgres.
type Provider struct {
	pool     *pgxpool.Pool
	ownsPool bool
	cfg      Config
	log      *slog.Logger
}

// New connects to connString, ensures the definitions table exists, and
// returns a provider that owns the pool. A nil logger disables logging.
func New(ctx context.Context, connString string, cfg Config, log *slog.Logger) (*Provider, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("pgdefs: connect: %w", err)
	}
	p, err := NewWithPool(ctx, pool, cfg, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	p.ownsPool = true
	return p, nil
}

// NewWithPool wraps an existing pool, which the caller keeps ownership of;
// Shutdown will not close it.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool, cfg Config, log *slog.Logger) (*Provider, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if log == nil {
		log = logging.Discard()
	}
	p := &Provider{pool: pool, cfg: cfg, log: log}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) ensureSchema(ctx context.Context) error {
	const createTable = `
		CREATE TABLE IF NOT EXISTS glimpse_flag_definitions (
			id         int PRIMARY KEY CHECK (id = 1),
			data       jsonb,
			fetched_at timestamptz NOT NULL DEFAULT to_timestamp(0)
		)`
	if _, err := p.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("pgdefs: create table: %w", err)
	}
	const seedRow = `
		INSERT INTO glimpse_flag_definitions (id) VALUES (1)
		ON CONFLICT (id) DO NOTHING`
	if _, err := p.pool.Exec(ctx, seedRow); err != nil {
		return fmt.Errorf("pgdefs: seed row: %w", err)
	}
	return nil
}

// ShouldFetchFlagDefinitions claims the current refresh window if it is due.
// Claiming bumps fetched_at up front so a failed fetch does not stampede;
// the next window simply retries.
func (p *Provider) ShouldFetchFlagDefinitions(ctx context.Context) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("pgdefs: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, int64(advisoryLockKey)).Scan(&locked); err != nil {
		return false, fmt.Errorf("pgdefs: advisory lock: %w", err)
	}
	if !locked {
		// Another process is deciding right now; let it.
		return false, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE glimpse_flag_definitions
		SET fetched_at = now()
		WHERE id = 1 AND fetched_at < now() - make_interval(secs => $1)`,
		p.cfg.RefreshInterval.Seconds())
	if err != nil {
		return false, fmt.Errorf("pgdefs: claim refresh window: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("pgdefs: commit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetFlagDefinitions reads the stored snapshot. An empty table or NULL data
// column is (nil, nil): the caller falls through to a fetch.
func (p *Provider) GetFlagDefinitions(ctx context.Context) (*glimpse.DefinitionData, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM glimpse_flag_definitions WHERE id = 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgdefs: read definitions: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	var data glimpse.DefinitionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("pgdefs: decode definitions: %w", err)
	}
	return &data, nil
}

// OnFlagDefinitionsReceived stores freshly fetched definitions for the other
// processes to consume.
func (p *Provider) OnFlagDefinitionsReceived(ctx context.Context, data *glimpse.DefinitionData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("pgdefs: encode definitions: %w", err)
	}
	if _, err := p.pool.Exec(ctx, `
		UPDATE glimpse_flag_definitions
		SET data = $1, fetched_at = now()
		WHERE id = 1`, raw); err != nil {
		return fmt.Errorf("pgdefs: store definitions: %w", err)
	}
	return nil
}

// Shutdown closes the pool when this provider created it. Safe to call more
// than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}
