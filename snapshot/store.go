// Package snapshot persists per-address portfolio snapshots with expiry and
// a "remotely monitored" flag. The reconciler treats this store as the
// source of truth for which addresses are worth watching.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sd0xdev/onekey-balance-kit/models"
)

// Filter narrows ListByChain. Nil fields mean "any".
type Filter struct {
	Expired   *bool
	Monitored *bool
}

// Store is the surface the reconciliation engine and write path consume.
type Store interface {
	// FindActive returns the non-expired snapshot for (chain, address),
	// or nil when absent or expired.
	FindActive(ctx context.Context, chain, address string) (*models.PortfolioSnapshot, error)
	// ListByChain returns addresses on the chain matching the filter.
	ListByChain(ctx context.Context, chain string, f Filter) ([]string, error)
	MarkMonitored(ctx context.Context, chain string, addresses []string) error
	UnmarkMonitored(ctx context.Context, chain string, addresses []string) error
	Upsert(ctx context.Context, snap models.PortfolioSnapshot) error
}

// PgStore implements Store on a pgx connection pool.
type PgStore struct {
	Pool *pgxpool.Pool
}

func NewPgStore(ctx context.Context, dsn string, maxconns int) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxconns > 0 {
		config.MaxConns = int32(maxconns)
	}
	config.HealthCheckPeriod = 60 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PgStore{Pool: pool}, nil
}

const schema = `
create table if not exists portfolio_snapshots (
	chain      text        not null,
	chain_id   bigint      not null default 0,
	address    text        not null,
	payload    jsonb,
	monitored  boolean     not null default false,
	expires_at timestamptz not null,
	updated_at timestamptz not null default now(),
	primary key (chain, address)
);
create index if not exists portfolio_snapshots_chain_expiry_idx
	on portfolio_snapshots (chain, expires_at);
`

// EnsureSchema creates the snapshot table when missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schema)
	return err
}

func (s *PgStore) FindActive(ctx context.Context, chain, address string) (*models.PortfolioSnapshot, error) {
	row := s.Pool.QueryRow(ctx,
		`select chain, chain_id, address, payload, monitored, expires_at, updated_at
		 from portfolio_snapshots
		 where chain = $1 and address = $2 and expires_at > now()`,
		chain, address)

	var snap models.PortfolioSnapshot
	err := row.Scan(&snap.Chain, &snap.ChainID, &snap.Address, &snap.Payload,
		&snap.Monitored, &snap.ExpiresAt, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot %s/%s: %w", chain, address, err)
	}
	return &snap, nil
}

func (s *PgStore) ListByChain(ctx context.Context, chain string, f Filter) ([]string, error) {
	query := `select address from portfolio_snapshots where chain = $1`
	if f.Expired != nil {
		if *f.Expired {
			query += ` and expires_at <= now()`
		} else {
			query += ` and expires_at > now()`
		}
	}
	if f.Monitored != nil {
		if *f.Monitored {
			query += ` and monitored`
		} else {
			query += ` and not monitored`
		}
	}

	rows, err := s.Pool.Query(ctx, query, chain)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for chain %s: %w", chain, err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addresses = append(addresses, addr)
	}
	return addresses, rows.Err()
}

func (s *PgStore) MarkMonitored(ctx context.Context, chain string, addresses []string) error {
	return s.setMonitored(ctx, chain, addresses, true)
}

func (s *PgStore) UnmarkMonitored(ctx context.Context, chain string, addresses []string) error {
	return s.setMonitored(ctx, chain, addresses, false)
}

func (s *PgStore) setMonitored(ctx context.Context, chain string, addresses []string, monitored bool) error {
	if len(addresses) == 0 {
		return nil
	}
	_, err := s.Pool.Exec(ctx,
		`update portfolio_snapshots set monitored = $3, updated_at = now()
		 where chain = $1 and address = any($2)`,
		chain, addresses, monitored)
	if err != nil {
		return fmt.Errorf("set monitored=%v on chain %s: %w", monitored, chain, err)
	}
	return nil
}

func (s *PgStore) Upsert(ctx context.Context, snap models.PortfolioSnapshot) error {
	_, err := s.Pool.Exec(ctx,
		`insert into portfolio_snapshots (chain, chain_id, address, payload, monitored, expires_at, updated_at)
		 values ($1, $2, $3, $4, $5, $6, now())
		 on conflict (chain, address) do update set
			chain_id = excluded.chain_id,
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			updated_at = now()`,
		snap.Chain, snap.ChainID, snap.Address, snap.Payload, snap.Monitored, snap.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s/%s: %w", snap.Chain, snap.Address, err)
	}
	return nil
}
