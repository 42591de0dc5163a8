// File: internal/storage/redis.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

const (
	maxCASAttempts  = 100
	maxHighRiskKept = 10000
)

// RedisStore implements Store on redis. Profiles are hashes merged with an
// optimistic WATCH/MULTI loop; the dedup window uses SETNX with a TTL.
type RedisStore struct {
	client *redis.Client
	opts   Options
	logger *logrus.Entry
}

// NewRedisStore creates a redis store
func NewRedisStore(opts Options) *RedisStore {
	return &RedisStore{
		opts:   opts,
		logger: utils.WithComponent("storage").WithField("backend", "redis"),
	}
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, opts Options) *RedisStore {
	s := NewRedisStore(opts)
	s.client = client
	return s
}

func (s *RedisStore) Backend() string { return "redis" }

func checkpointKey(network string) string { return "last_processed_block:" + network }
func seenKey(network, hash string) string  { return fmt.Sprintf("seen_tx:%s:%s", network, hash) }
func latestBlockKey(network string) string { return "latest_block:" + network }
func highRiskKey(network string) string    { return "high_risk_tx:" + network }
func profileKey(network, address string) string {
	return fmt.Sprintf("address_stats:%s:%s", network, address)
}

// Connect dials redis and verifies connectivity
func (s *RedisStore) Connect(ctx context.Context) error {
	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:        s.opts.Address,
			Password:    s.opts.Password,
			DB:          s.opts.DB,
			PoolSize:    s.opts.MaxConnections,
			IdleTimeout: s.opts.MaxIdleTime,
		})
	}
	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.logger.WithField("address", s.opts.Address).Info("Redis connected")
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.logger.Info("Redis connection closed")
	return err
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return utils.NewAppError(utils.ErrCodeDatabase, "Redis not connected", "")
	}
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to ping redis", err)
	}
	return nil
}

// Migrate is a no-op for redis
func (s *RedisStore) Migrate(ctx context.Context) error { return nil }

// GetCheckpoint returns the last processed block of network
func (s *RedisStore) GetCheckpoint(ctx context.Context, network string) (uint64, bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	v, err := s.client.Get(ctx, checkpointKey(network)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, utils.WrapError(utils.ErrCodeDatabase, "Failed to read checkpoint", err)
	}
	return v, true, nil
}

// SetCheckpoint stores the last processed block of network
func (s *RedisStore) SetCheckpoint(ctx context.Context, network string, block uint64) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	if err := s.client.Set(ctx, checkpointKey(network), block, 0).Err(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to write checkpoint", err)
	}
	return nil
}

// MarkSeen records hash in the dedup window
func (s *RedisStore) MarkSeen(ctx context.Context, network, hash string, ttl time.Duration) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	ok, err := s.client.SetNX(ctx, seenKey(network, hash), 1, ttl).Result()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to mark transaction seen", err)
	}
	return ok, nil
}

// Seen reports whether hash is inside the dedup window
func (s *RedisStore) Seen(ctx context.Context, network, hash string) (bool, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	n, err := s.client.Exists(ctx, seenKey(network, hash)).Result()
	if err != nil {
		return false, utils.WrapError(utils.ErrCodeDatabase, "Failed to check seen transaction", err)
	}
	return n > 0, nil
}

// ApplyProfileDelta merges delta into the stored profile. A concurrent writer
// to the same key aborts the MULTI and the merge is retried.
func (s *RedisStore) ApplyProfileDelta(ctx context.Context, delta *models.ProfileDelta) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	key := profileKey(delta.Network, delta.Address)
	merge := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		profile := decodeProfile(delta.Network, delta.Address, fields)
		profile.Apply(delta)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeProfile(profile))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := s.client.Watch(ctx, merge, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return utils.WrapError(utils.ErrCodeDatabase, "Failed to update address profile", err)
		}
	}
	return utils.NewAppError(utils.ErrCodeDatabase, "Address profile update kept conflicting", key)
}

// IncrementSuspicious bumps the suspicious activity counter
func (s *RedisStore) IncrementSuspicious(ctx context.Context, network, address string) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	if err := s.client.HIncrBy(ctx, profileKey(network, address), "suspicious_activity", 1).Err(); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to increment suspicious activity", err)
	}
	return nil
}

// GetProfile reads a profile; a missing profile is a NOT_FOUND error
func (s *RedisStore) GetProfile(ctx context.Context, network, address string) (*models.AddressProfile, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, profileKey(network, address)).Result()
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read address profile", err)
	}
	if len(fields) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Address profile not found", address)
	}
	return decodeProfile(network, address, fields), nil
}

// SetLatestBlock stores the latest block summary of a network
func (s *RedisStore) SetLatestBlock(ctx context.Context, info *models.LatestBlockInfo) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	err := s.client.HSet(ctx, latestBlockKey(info.Network), map[string]interface{}{
		"number":     info.Number,
		"hash":       info.Hash,
		"timestamp":  info.Timestamp.Unix(),
		"tx_count":   info.TxCount,
		"updated_at": info.UpdatedAt.Unix(),
	}).Err()
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to store latest block", err)
	}
	return nil
}

// GetLatestBlock reads the latest block summary of a network
func (s *RedisStore) GetLatestBlock(ctx context.Context, network string) (*models.LatestBlockInfo, error) {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, latestBlockKey(network)).Result()
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read latest block", err)
	}
	if len(fields) == 0 {
		return nil, utils.NewAppError(utils.ErrCodeNotFound, "Latest block not found", network)
	}

	number, _ := strconv.ParseUint(fields["number"], 10, 64)
	txCount, _ := strconv.Atoi(fields["tx_count"])
	return &models.LatestBlockInfo{
		Network:   network,
		Number:    number,
		Hash:      fields["hash"],
		Timestamp: parseUnix(fields["timestamp"]),
		TxCount:   txCount,
		UpdatedAt: parseUnix(fields["updated_at"]),
	}, nil
}

// RecordHighRisk adds record to the network's index scored by timestamp
func (s *RedisStore) RecordHighRisk(ctx context.Context, record *models.HighRiskRecord) error {
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	data, err := json.Marshal(record)
	if err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "Failed to encode high risk record", err)
	}

	key := highRiskKey(record.Network)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(record.Timestamp.Unix()), Member: string(data)})
		pipe.ZRemRangeByRank(ctx, key, 0, -maxHighRiskKept-1)
		return nil
	})
	if err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to record high risk transaction", err)
	}
	return nil
}

// RecentHighRisk returns up to limit records, newest first
func (s *RedisStore) RecentHighRisk(ctx context.Context, network string, limit int) ([]*models.HighRiskRecord, error) {
	if limit <= 0 {
		return []*models.HighRiskRecord{}, nil
	}
	ctx, cancel := withTimeout(ctx, s.opts)
	defer cancel()

	members, err := s.client.ZRevRange(ctx, highRiskKey(network), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeDatabase, "Failed to read high risk transactions", err)
	}

	records := make([]*models.HighRiskRecord, 0, len(members))
	for _, m := range members {
		var r models.HighRiskRecord
		if err := json.Unmarshal([]byte(m), &r); err != nil {
			s.logger.WithError(err).Warn("Skipping malformed high risk record")
			continue
		}
		records = append(records, &r)
	}
	return records, nil
}

// Cleanup is a no-op: redis expires dedup keys itself
func (s *RedisStore) Cleanup(ctx context.Context) (int64, error) { return 0, nil }

func encodeProfile(p *models.AddressProfile) map[string]interface{} {
	return map[string]interface{}{
		"sent_count":      p.SentCount,
		"received_count":  p.ReceivedCount,
		"sent_volume":     p.SentVolume.String(),
		"received_volume": p.ReceivedVolume.String(),
		"max_transaction": p.MaxTransaction.String(),
		"average_value":   p.AverageValue.String(),
		"first_seen":      p.FirstSeen.Unix(),
		"last_seen":       p.LastSeen.Unix(),
	}
}

func decodeProfile(network, address string, fields map[string]string) *models.AddressProfile {
	p := models.NewAddressProfile(network, address)
	if len(fields) == 0 {
		return p
	}
	p.SentCount, _ = strconv.ParseInt(fields["sent_count"], 10, 64)
	p.ReceivedCount, _ = strconv.ParseInt(fields["received_count"], 10, 64)
	p.SuspiciousActivity, _ = strconv.ParseInt(fields["suspicious_activity"], 10, 64)
	p.SentVolume = parseBig(fields["sent_volume"])
	p.ReceivedVolume = parseBig(fields["received_volume"])
	p.MaxTransaction = parseBig(fields["max_transaction"])
	if v, ok := fields["first_seen"]; ok {
		p.FirstSeen = parseUnix(v)
	}
	if v, ok := fields["last_seen"]; ok {
		p.LastSeen = parseUnix(v)
	}
	p.RecomputeAverage()
	return p
}

func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
