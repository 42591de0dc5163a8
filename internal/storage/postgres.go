package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store using PostgreSQL. Profile merges are a single
// UPSERT doing the arithmetic on NUMERIC columns, so no read-modify-write race
// exists between writers.
type PostgresStore struct {
	db     *sql.DB
	opts   Options
	logger *logrus.Entry
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(opts Options) *PostgresStore {
	return &PostgresStore{
		opts:   opts,
		logger: utils.WithComponent("storage").WithField("backend", "postgres"),
	}
}

func (p *PostgresStore) Backend() string { return "postgres" }

// Connect establishes the database connection pool
func (p *PostgresStore) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", p.opts.ConnectionString)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to open PostgreSQL database", err)
	}

	if p.opts.MaxConnections > 0 {
		db.SetMaxOpenConns(p.opts.MaxConnections)
		db.SetMaxIdleConns(p.opts.MaxConnections / 2)
	}
	db.SetConnMaxIdleTime(p.opts.MaxIdleTime)

	p.db = db
	if err := p.Ping(ctx); err != nil {
		db.Close()
		p.db = nil
		return err
	}
	p.logger.Info("PostgreSQL database connected")
	return nil
}

// Close closes the database connection
func (p *PostgresStore) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	p.logger.Info("PostgreSQL database connection closed")
	return err
}

// Ping checks database connectivity
func (p *PostgresStore) Ping(ctx context.Context) error {
	if p.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to ping PostgreSQL database", err)
	}
	return nil
}

// Migrate runs pending migrations
func (p *PostgresStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, p.db, GetPostgresMigrations(), func(n int) string { return fmt.Sprintf("$%d", n) }, p.logger)
}

// GetCheckpoint returns the last processed block of network
func (p *PostgresStore) GetCheckpoint(ctx context.Context, network string) (uint64, bool, error) {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	var block int64
	err := p.db.QueryRowContext(ctx,
		"SELECT block_number FROM checkpoints WHERE network = $1", network).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read checkpoint", err)
	}
	return uint64(block), true, nil
}

// SetCheckpoint stores the last processed block of network
func (p *PostgresStore) SetCheckpoint(ctx context.Context, network string, block uint64) error {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checkpoints (network, block_number, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (network) DO UPDATE SET block_number = EXCLUDED.block_number, updated_at = NOW()`,
		network, int64(block))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to write checkpoint", err)
	}
	return nil
}

// MarkSeen records hash in the dedup window
func (p *PostgresStore) MarkSeen(ctx context.Context, network, hash string, ttl time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	now := time.Now()
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO seen_transactions (network, hash, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (network, hash) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE seen_transactions.expires_at <= $4`,
		network, hash, expiry(now, ttl), now.UnixNano())
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to mark transaction seen", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to mark transaction seen", err)
	}
	return n > 0, nil
}

// Seen reports whether hash is inside the dedup window
func (p *PostgresStore) Seen(ctx context.Context, network, hash string) (bool, error) {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM seen_transactions WHERE network = $1 AND hash = $2 AND expires_at > $3)`,
		network, hash, time.Now().UnixNano()).Scan(&exists)
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to check seen transaction", err)
	}
	return exists, nil
}

// ApplyProfileDelta merges delta with one atomic UPSERT
func (p *PostgresStore) ApplyProfileDelta(ctx context.Context, delta *models.ProfileDelta) error {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	value := utils.BigOrZero(delta.Value).String()
	var sent, received int64
	sentVol, recvVol := "0", "0"
	if delta.IsSender {
		sent, sentVol = 1, value
	} else {
		received, recvVol = 1, value
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO address_profiles
		(network, address, first_seen, last_seen, sent_count, received_count, sent_volume, received_volume, max_transaction)
		VALUES ($1, $2, $3, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric)
		ON CONFLICT (network, address) DO UPDATE SET
			first_seen = LEAST(COALESCE(address_profiles.first_seen, EXCLUDED.first_seen), EXCLUDED.first_seen),
			last_seen = GREATEST(COALESCE(address_profiles.last_seen, EXCLUDED.last_seen), EXCLUDED.last_seen),
			sent_count = address_profiles.sent_count + EXCLUDED.sent_count,
			received_count = address_profiles.received_count + EXCLUDED.received_count,
			sent_volume = address_profiles.sent_volume + EXCLUDED.sent_volume,
			received_volume = address_profiles.received_volume + EXCLUDED.received_volume,
			max_transaction = GREATEST(address_profiles.max_transaction, EXCLUDED.max_transaction)`,
		delta.Network, delta.Address, delta.Timestamp.UTC(), sent, received, sentVol, recvVol, value)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update address profile", err)
	}
	return nil
}

// IncrementSuspicious bumps the suspicious activity counter
func (p *PostgresStore) IncrementSuspicious(ctx context.Context, network, address string) error {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO address_profiles (network, address, suspicious_activity) VALUES ($1, $2, 1)
		ON CONFLICT (network, address) DO UPDATE
		SET suspicious_activity = address_profiles.suspicious_activity + 1`,
		network, address)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to increment suspicious activity", err)
	}
	return nil
}

// GetProfile reads a profile; a missing profile is a NOT_FOUND error
func (p *PostgresStore) GetProfile(ctx context.Context, network, address string) (*models.AddressProfile, error) {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	var (
		firstSeen, lastSeen     sql.NullTime
		sentVol, recvVol, maxTx string
	)
	profile := models.NewAddressProfile(network, address)
	err := p.db.QueryRowContext(ctx, `
		SELECT first_seen, last_seen, sent_count, received_count, sent_volume::text,
		       received_volume::text, max_transaction::text, suspicious_activity
		FROM address_profiles WHERE network = $1 AND address = $2`, network, address).
		Scan(&firstSeen, &lastSeen, &profile.SentCount, &profile.ReceivedCount,
			&sentVol, &recvVol, &maxTx, &profile.SuspiciousActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Address profile not found", address)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read address profile", err)
	}

	if firstSeen.Valid {
		profile.FirstSeen = firstSeen.Time.UTC()
	}
	if lastSeen.Valid {
		profile.LastSeen = lastSeen.Time.UTC()
	}
	profile.SentVolume = parseBig(sentVol)
	profile.ReceivedVolume = parseBig(recvVol)
	profile.MaxTransaction = parseBig(maxTx)
	profile.RecomputeAverage()
	return profile, nil
}

// SetLatestBlock stores the latest block summary of a network
func (p *PostgresStore) SetLatestBlock(ctx context.Context, info *models.LatestBlockInfo) error {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO latest_blocks (network, number, hash, timestamp, tx_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (network) DO UPDATE SET
			number = EXCLUDED.number, hash = EXCLUDED.hash, timestamp = EXCLUDED.timestamp,
			tx_count = EXCLUDED.tx_count, updated_at = EXCLUDED.updated_at`,
		info.Network, int64(info.Number), info.Hash, info.Timestamp.UTC(), info.TxCount, info.UpdatedAt.UTC())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to store latest block", err)
	}
	return nil
}

// GetLatestBlock reads the latest block summary of a network
func (p *PostgresStore) GetLatestBlock(ctx context.Context, network string) (*models.LatestBlockInfo, error) {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	var number int64
	info := &models.LatestBlockInfo{Network: network}
	err := p.db.QueryRowContext(ctx,
		"SELECT number, hash, timestamp, tx_count, updated_at FROM latest_blocks WHERE network = $1", network).
		Scan(&number, &info.Hash, &info.Timestamp, &info.TxCount, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Latest block not found", network)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read latest block", err)
	}
	info.Number = uint64(number)
	info.Timestamp = info.Timestamp.UTC()
	info.UpdatedAt = info.UpdatedAt.UTC()
	return info, nil
}

// RecordHighRisk adds record to the high risk index; repeats are ignored
func (p *PostgresStore) RecordHighRisk(ctx context.Context, r *models.HighRiskRecord) error {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO high_risk_transactions
		(network, hash, from_address, to_address, value, risk_score, risk_type, risk_level, timestamp)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		ON CONFLICT (network, hash) DO NOTHING`,
		r.Network, r.Hash, r.FromAddress, r.ToAddress, r.Value, r.RiskScore, r.RiskType, r.RiskLevel, r.Timestamp.UTC())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to record high risk transaction", err)
	}
	return nil
}

// RecentHighRisk returns up to limit records, newest first
func (p *PostgresStore) RecentHighRisk(ctx context.Context, network string, limit int) ([]*models.HighRiskRecord, error) {
	if limit <= 0 {
		return []*models.HighRiskRecord{}, nil
	}
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, `
		SELECT hash, from_address, to_address, value::text, risk_score, risk_type, risk_level, timestamp
		FROM high_risk_transactions WHERE network = $1
		ORDER BY timestamp DESC, id DESC LIMIT $2`, network, limit)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read high risk transactions", err)
	}
	defer rows.Close()

	records := []*models.HighRiskRecord{}
	for rows.Next() {
		r := &models.HighRiskRecord{Network: network}
		if err := rows.Scan(&r.Hash, &r.FromAddress, &r.ToAddress, &r.Value,
			&r.RiskScore, &r.RiskType, &r.RiskLevel, &r.Timestamp); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan high risk transaction", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup removes expired dedup entries
func (p *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, p.opts)
	defer cancel()

	res, err := p.db.ExecContext(ctx, "DELETE FROM seen_transactions WHERE expires_at <= $1", time.Now().UnixNano())
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "Failed to clean up seen transactions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
