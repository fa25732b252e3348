package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "stateflow/config"
	"stateflow/internal/metrics"
	"stateflow/logger"
	"stateflow/models"
)

// MarketDataStore gives market-data reads and writes transactional,
// self-validating, retry-aware semantics. It owns every write to the
// market-data hashes and shares nothing with the metadata aggregates beyond
// the store connection.
type MarketDataStore struct {
	rdb *redis.Client
	cfg appconfig.MarketDataConfig
	log *logger.Log
}

func NewMarketDataStore(rdb *redis.Client, cfg appconfig.MarketDataConfig, log *logger.Log) *MarketDataStore {
	return &MarketDataStore{rdb: rdb, cfg: cfg, log: log}
}

// Write stores all fields of one record in a single transaction. The write
// lands as one unit or not at all; a partially-applied record is impossible.
func (s *MarketDataStore) Write(ctx context.Context, key string, fields map[string]float64) error {
	if len(fields) == 0 {
		return fmt.Errorf("no fields to write for %s", key)
	}

	values := make(map[string]interface{}, len(fields))
	for name, v := range fields {
		values[name] = strconv.FormatFloat(v, 'f', -1, 64)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write market data %s: %w", key, err)
	}
	return nil
}

// Read fetches and validates one record. Required fields default to the
// standard bid/ask/size set. Validation failures and transient store
// failures share one bounded retry budget: a validation failure can reflect
// a write-in-progress that resolves on the next attempt. When the budget is
// exhausted the last root cause is wrapped in a ValidationError.
func (s *MarketDataStore) Read(ctx context.Context, key string, required ...string) (models.MarketData, error) {
	if len(required) == 0 {
		required = s.cfg.RequiredFields
	}
	if len(required) == 0 {
		required = models.RequiredMarketDataFields()
	}

	log := s.log.WithComponent("market_data").WithFields(logger.Fields{"key": key})

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxReadAttempts; attempt++ {
		record, err := s.readOnce(ctx, key, required)
		if err == nil {
			return record, nil
		}
		if IsCancellation(err) {
			return models.MarketData{}, err
		}

		lastErr = err
		log.WithError(err).WithFields(logger.Fields{
			"attempt":      attempt,
			"max_attempts": s.cfg.MaxReadAttempts,
			"transient":    IsTransient(err),
		}).Warn("market data read attempt failed")
		metrics.IncReadRetry()

		if attempt < s.cfg.MaxReadAttempts {
			select {
			case <-ctx.Done():
				return models.MarketData{}, ctx.Err()
			case <-time.After(s.cfg.RetryPause()):
			}
		}
	}

	metrics.IncReadExhausted()
	return models.MarketData{}, &ValidationError{Key: key, Attempts: s.cfg.MaxReadAttempts, Cause: lastErr}
}

func (s *MarketDataStore) readOnce(ctx context.Context, key string, required []string) (models.MarketData, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return models.MarketData{}, fmt.Errorf("failed to fetch %s: %w", key, err)
	}

	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return models.MarketData{}, &MissingFieldError{Key: key, Field: name}
		}
	}

	record := models.MarketData{Key: key}
	numeric := make(map[string]float64, len(fields))
	for name, raw := range fields {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			if isRequiredField(name, required) {
				return models.MarketData{}, &CorruptDataError{Key: key, Field: name, Cause: err}
			}
			// optional non-numeric fields are ignored
			continue
		}
		numeric[name] = v
	}

	record.BestBid = numeric[models.FieldBestBid]
	record.BestAsk = numeric[models.FieldBestAsk]
	record.BestBidSize = numeric[models.FieldBestBidSize]
	record.BestAskSize = numeric[models.FieldBestAskSize]
	for name, v := range numeric {
		switch name {
		case models.FieldBestBid, models.FieldBestAsk, models.FieldBestBidSize, models.FieldBestAskSize:
		default:
			if record.Extra == nil {
				record.Extra = make(map[string]float64)
			}
			record.Extra[name] = v
		}
	}

	if _, hasBid := numeric[models.FieldBestBid]; hasBid {
		if _, hasAsk := numeric[models.FieldBestAsk]; hasAsk && record.BestBid > record.BestAsk {
			return models.MarketData{}, &CorruptDataError{
				Key:   key,
				Field: models.FieldBestBid,
				Cause: fmt.Errorf("best_bid %v exceeds best_ask %v", record.BestBid, record.BestAsk),
			}
		}
	}
	if record.BestBidSize < 0 || record.BestAskSize < 0 {
		return models.MarketData{}, &CorruptDataError{
			Key:   key,
			Field: models.FieldBestBidSize,
			Cause: fmt.Errorf("negative size"),
		}
	}

	return record, nil
}

// DeleteIfInvalid evaluates the no-liquidity sentinel against already-read
// values and deletes the key when it matches. The bool result reports
// whether this call removed the key; repeating the call on an absent key
// returns false without error.
func (s *MarketDataStore) DeleteIfInvalid(ctx context.Context, key string, data models.MarketData) (bool, error) {
	if data.BestBid != s.cfg.NoBidSentinel || data.BestAsk < s.cfg.NoAskSentinel {
		return false, nil
	}

	removed, err := s.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if removed > 0 {
		s.log.WithComponent("market_data").WithFields(logger.Fields{"key": key}).
			Info("deleted no-liquidity record")
		return true, nil
	}
	return false, nil
}

func isRequiredField(name string, required []string) bool {
	for _, r := range required {
		if r == name {
			return true
		}
	}
	return false
}
