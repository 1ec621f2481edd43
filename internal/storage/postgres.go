package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kumako/public-pool/internal/collab"
	"github.com/kumako/public-pool/internal/config"
)

// PostgresStore owns the connection pool and implements collab.ClientStore
// and collab.BlockStore directly. collab.AddressSettingsStore is exposed
// through the separate AddressStore view (Addresses) since its
// UpdateBestDifficulty has the same signature as ClientStore's and the two
// cannot share one method name on a single type.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cfg    config.PostgresConfig
	logger *zap.Logger
}

// AddressStore implements collab.AddressSettingsStore over the same pool
// as PostgresStore.
type AddressStore struct {
	pool *pgxpool.Pool
}

// Addresses returns the collab.AddressSettingsStore view of this connection pool.
func (p *PostgresStore) Addresses() *AddressStore {
	return &AddressStore{pool: p.pool}
}

// NewPostgresStore connects to PostgreSQL, applies the schema, and
// returns a PostgresStore.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password,
		cfg.MaxConnections, cfg.MinConnections,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	logger.Info("connected to postgres",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)

	store := &PostgresStore{pool: pool, cfg: cfg, logger: logger.Named("postgres")}
	if err := store.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS stratum_clients (
			session_id VARCHAR(32) PRIMARY KEY,
			worker_name VARCHAR(255) NOT NULL,
			payout_address VARCHAR(255) NOT NULL,
			user_agent VARCHAR(255),
			connected_at TIMESTAMPTZ NOT NULL,
			session_diff_in DOUBLE PRECISION NOT NULL,
			best_difficulty DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_stratum_clients_address ON stratum_clients(payout_address);

		CREATE TABLE IF NOT EXISTS stratum_blocks (
			hash VARCHAR(64) PRIMARY KEY,
			height BIGINT NOT NULL,
			payout_address VARCHAR(255) NOT NULL,
			worker_name VARCHAR(255) NOT NULL,
			difficulty DOUBLE PRECISION NOT NULL,
			found_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_height ON stratum_blocks(height);
		CREATE INDEX IF NOT EXISTS idx_stratum_blocks_address ON stratum_blocks(payout_address);

		CREATE TABLE IF NOT EXISTS stratum_address_settings (
			address VARCHAR(255) PRIMARY KEY,
			best_difficulty DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`

	_, err := p.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Insert persists a session at handshake completion.
func (p *PostgresStore) Insert(ctx context.Context, c collab.ClientRecord) error {
	query := `
		INSERT INTO stratum_clients (session_id, worker_name, payout_address, user_agent, connected_at, session_diff_in)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			worker_name = EXCLUDED.worker_name,
			payout_address = EXCLUDED.payout_address,
			user_agent = EXCLUDED.user_agent,
			session_diff_in = EXCLUDED.session_diff_in,
			updated_at = NOW()
	`
	_, err := p.pool.Exec(ctx, query, c.SessionID, c.WorkerName, c.PayoutAddress, c.UserAgent, c.ConnectedAt, c.SessionDiffIn)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// UpdateBestDifficulty records a session's new best accepted-share difficulty.
func (p *PostgresStore) UpdateBestDifficulty(ctx context.Context, sessionID string, difficulty float64) error {
	query := `UPDATE stratum_clients SET best_difficulty = $2, updated_at = NOW() WHERE session_id = $1`
	_, err := p.pool.Exec(ctx, query, sessionID, difficulty)
	if err != nil {
		return fmt.Errorf("update client best difficulty: %w", err)
	}
	return nil
}

// Save persists a found block.
func (p *PostgresStore) Save(ctx context.Context, b collab.BlockRecord) error {
	query := `
		INSERT INTO stratum_blocks (hash, height, payout_address, worker_name, difficulty, found_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING
	`
	_, err := p.pool.Exec(ctx, query, b.Hash, b.Height, b.Address, b.WorkerName, b.Difficulty, b.FoundAt)
	if err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// GetSettings retrieves an address's best-share state, returning a zero
// value (not an error) when the address has never been seen before.
func (a *AddressStore) GetSettings(ctx context.Context, address string) (collab.AddressSettings, error) {
	query := `SELECT address, best_difficulty FROM stratum_address_settings WHERE address = $1`

	var settings collab.AddressSettings
	err := a.pool.QueryRow(ctx, query, address).Scan(&settings.Address, &settings.BestDifficulty)
	if err == pgx.ErrNoRows {
		return collab.AddressSettings{Address: address}, nil
	}
	if err != nil {
		return collab.AddressSettings{}, fmt.Errorf("get address settings: %w", err)
	}
	return settings, nil
}

// UpdateBestDifficulty records an address's new best accepted-share difficulty.
func (a *AddressStore) UpdateBestDifficulty(ctx context.Context, address string, difficulty float64) error {
	query := `
		INSERT INTO stratum_address_settings (address, best_difficulty)
		VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET
			best_difficulty = EXCLUDED.best_difficulty,
			updated_at = NOW()
		WHERE stratum_address_settings.best_difficulty < EXCLUDED.best_difficulty
	`
	_, err := a.pool.Exec(ctx, query, address, difficulty)
	if err != nil {
		return fmt.Errorf("update address best difficulty: %w", err)
	}
	return nil
}

// ResetBestDifficultyAndShares zeroes an address's best-share state after
// a block credited to it has been found.
func (a *AddressStore) ResetBestDifficultyAndShares(ctx context.Context, address string) error {
	query := `
		INSERT INTO stratum_address_settings (address, best_difficulty)
		VALUES ($1, 0)
		ON CONFLICT (address) DO UPDATE SET best_difficulty = 0, updated_at = NOW()
	`
	_, err := a.pool.Exec(ctx, query, address)
	if err != nil {
		return fmt.Errorf("reset address best difficulty: %w", err)
	}
	return nil
}
