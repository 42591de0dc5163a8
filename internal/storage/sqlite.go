// File: internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite. Profile merges run inside
// IMMEDIATE transactions so concurrent writers serialize on the database lock.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger *logrus.Entry
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(opts Options) *SQLiteStore {
	return &SQLiteStore{
		opts:   opts,
		logger: utils.WithComponent("storage").WithField("backend", "sqlite"),
	}
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Connect opens the database file, creating its directory when needed
func (s *SQLiteStore) Connect(ctx context.Context) error {
	path := strings.TrimPrefix(s.opts.ConnectionString, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", sqliteDSN(s.opts.ConnectionString))
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to open SQLite database", err)
	}
	if s.opts.MaxConnections > 0 {
		db.SetMaxOpenConns(s.opts.MaxConnections)
		db.SetMaxIdleConns(s.opts.MaxConnections / 2)
	}
	db.SetConnMaxIdleTime(s.opts.MaxIdleTime)

	s.db = db
	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.logger.WithField("path", path).Info("SQLite database connected")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.logger.Info("SQLite database connection closed")
	return err
}

// Ping checks database connectivity
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Database not connected", "")
	}
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to ping SQLite database", err)
	}
	return nil
}

// Migrate runs pending migrations
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db, GetSQLiteMigrations(), func(int) string { return "?" }, s.logger)
}

// GetCheckpoint returns the last processed block of network
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, network string) (uint64, bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	var block uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT block_number FROM checkpoints WHERE network = ?", network).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read checkpoint", err)
	}
	return block, true, nil
}

// SetCheckpoint stores the last processed block of network
func (s *SQLiteStore) SetCheckpoint(ctx context.Context, network string, block uint64) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (network, block_number, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(network) DO UPDATE SET block_number = excluded.block_number, updated_at = excluded.updated_at`,
		network, block, time.Now().Unix())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to write checkpoint", err)
	}
	return nil
}

// MarkSeen records hash in the dedup window. An expired entry is renewed and
// counts as newly marked.
func (s *SQLiteStore) MarkSeen(ctx context.Context, network, hash string, ttl time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO seen_transactions (network, hash, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(network, hash) DO UPDATE SET expires_at = excluded.expires_at
		WHERE seen_transactions.expires_at <= ?`,
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
func (s *SQLiteStore) Seen(ctx context.Context, network, hash string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM seen_transactions WHERE network = ? AND hash = ? AND expires_at > ?",
		network, hash, time.Now().UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to check seen transaction", err)
	}
	return true, nil
}

// ApplyProfileDelta merges delta into the stored profile
func (s *SQLiteStore) ApplyProfileDelta(ctx context.Context, delta *models.ProfileDelta) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to begin transaction", err)
	}
	defer tx.Rollback()

	profile, err := scanProfile(tx.QueryRowContext(ctx, sqliteSelectProfile, delta.Network, delta.Address), delta.Network, delta.Address)
	if err != nil && !utils.IsCode(err, utils.ErrCodeNotFound) {
		return err
	}
	if profile == nil {
		profile = models.NewAddressProfile(delta.Network, delta.Address)
	}
	profile.Apply(delta)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO address_profiles
		(network, address, first_seen, last_seen, sent_count, received_count, sent_volume, received_volume, max_transaction)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(network, address) DO UPDATE SET
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen,
			sent_count = excluded.sent_count,
			received_count = excluded.received_count,
			sent_volume = excluded.sent_volume,
			received_volume = excluded.received_volume,
			max_transaction = excluded.max_transaction`,
		profile.Network, profile.Address, profile.FirstSeen.Unix(), profile.LastSeen.Unix(),
		profile.SentCount, profile.ReceivedCount, profile.SentVolume.String(),
		profile.ReceivedVolume.String(), profile.MaxTransaction.String())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to update address profile", err)
	}

	if err := tx.Commit(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to commit transaction", err)
	}
	return nil
}

// IncrementSuspicious bumps the suspicious activity counter
func (s *SQLiteStore) IncrementSuspicious(ctx context.Context, network, address string) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO address_profiles (network, address, suspicious_activity) VALUES (?, ?, 1)
		ON CONFLICT(network, address) DO UPDATE SET suspicious_activity = suspicious_activity + 1`,
		network, address)
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to increment suspicious activity", err)
	}
	return nil
}

const sqliteSelectProfile = `
	SELECT first_seen, last_seen, sent_count, received_count, sent_volume, received_volume,
	       max_transaction, suspicious_activity
	FROM address_profiles WHERE network = ? AND address = ?`

// GetProfile reads a profile; a missing profile is a NOT_FOUND error
func (s *SQLiteStore) GetProfile(ctx context.Context, network, address string) (*models.AddressProfile, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	return scanProfile(s.db.QueryRowContext(ctx, sqliteSelectProfile, network, address), network, address)
}

// scanProfile reads a profile row with unix-second timestamps and text volumes
func scanProfile(row *sql.Row, network, address string) (*models.AddressProfile, error) {
	var (
		firstSeen, lastSeen     sql.NullInt64
		sentVol, recvVol, maxTx string
	)
	p := models.NewAddressProfile(network, address)
	err := row.Scan(&firstSeen, &lastSeen, &p.SentCount, &p.ReceivedCount,
		&sentVol, &recvVol, &maxTx, &p.SuspiciousActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Address profile not found", address)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read address profile", err)
	}

	if firstSeen.Valid {
		p.FirstSeen = time.Unix(firstSeen.Int64, 0).UTC()
	}
	if lastSeen.Valid {
		p.LastSeen = time.Unix(lastSeen.Int64, 0).UTC()
	}
	p.SentVolume = parseBig(sentVol)
	p.ReceivedVolume = parseBig(recvVol)
	p.MaxTransaction = parseBig(maxTx)
	p.RecomputeAverage()
	return p, nil
}

// SetLatestBlock stores the latest block summary of a network
func (s *SQLiteStore) SetLatestBlock(ctx context.Context, info *models.LatestBlockInfo) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO latest_blocks (network, number, hash, timestamp, tx_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(network) DO UPDATE SET
			number = excluded.number, hash = excluded.hash, timestamp = excluded.timestamp,
			tx_count = excluded.tx_count, updated_at = excluded.updated_at`,
		info.Network, info.Number, info.Hash, info.Timestamp.Unix(), info.TxCount, info.UpdatedAt.Unix())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to store latest block", err)
	}
	return nil
}

// GetLatestBlock reads the latest block summary of a network
func (s *SQLiteStore) GetLatestBlock(ctx context.Context, network string) (*models.LatestBlockInfo, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	var ts, updated int64
	info := &models.LatestBlockInfo{Network: network}
	err := s.db.QueryRowContext(ctx,
		"SELECT number, hash, timestamp, tx_count, updated_at FROM latest_blocks WHERE network = ?", network).
		Scan(&info.Number, &info.Hash, &ts, &info.TxCount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Latest block not found", network)
	}
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read latest block", err)
	}
	info.Timestamp = time.Unix(ts, 0).UTC()
	info.UpdatedAt = time.Unix(updated, 0).UTC()
	return info, nil
}

// RecordHighRisk adds record to the high risk index; repeats are ignored
func (s *SQLiteStore) RecordHighRisk(ctx context.Context, r *models.HighRiskRecord) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO high_risk_transactions
		(network, hash, from_address, to_address, value, risk_score, risk_type, risk_level, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Network, r.Hash, r.FromAddress, r.ToAddress, r.Value, r.RiskScore, r.RiskType, r.RiskLevel, r.Timestamp.Unix())
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to record high risk transaction", err)
	}
	return nil
}

// RecentHighRisk returns up to limit records, newest first
func (s *SQLiteStore) RecentHighRisk(ctx context.Context, network string, limit int) ([]*models.HighRiskRecord, error) {
	if limit <= 0 {
		return []*models.HighRiskRecord{}, nil
	}
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, from_address, to_address, value, risk_score, risk_type, risk_level, timestamp
		FROM high_risk_transactions WHERE network = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, network, limit)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read high risk transactions", err)
	}
	defer rows.Close()

	records := []*models.HighRiskRecord{}
	for rows.Next() {
		var ts int64
		r := &models.HighRiskRecord{Network: network}
		if err := rows.Scan(&r.Hash, &r.FromAddress, &r.ToAddress, &r.Value,
			&r.RiskScore, &r.RiskType, &r.RiskLevel, &ts); err != nil {
			return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to scan high risk transaction", err)
		}
		r.Timestamp = time.Unix(ts, 0).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Cleanup removes expired dedup entries
func (s *SQLiteStore) Cleanup(ctx context.Context) (int64, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM seen_transactions WHERE expires_at <= ?", time.Now().UnixNano())
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeDatabase, "Failed to clean up seen transactions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// expiry is the unix-nano expiry of an entry marked at now; ttl <= 0 never expires
func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 1<<63 - 1
	}
	return now.Add(ttl).UnixNano()
}
