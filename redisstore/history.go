package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stateflow/internal/services"
	"stateflow/logger"
	"stateflow/models"
)

// KeyType reports the storage type of a key, wrapping an unexpected
// collection type in a WrongTypeError for callers that expect a sorted set.
func (s *MetadataStore) KeyType(ctx context.Context, key string) (string, error) {
	t, err := s.rdb.Type(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read type of %s: %w", key, err)
	}
	return t, nil
}

// CheckHistoryKey verifies a raw history key holds a sorted set. A missing
// key passes the check; ingestion may not have written it yet.
func (s *MetadataStore) CheckHistoryKey(ctx context.Context, key string) error {
	t, err := s.KeyType(ctx, key)
	if err != nil {
		return err
	}
	if t != "zset" && t != "none" {
		return &WrongTypeError{Key: key, Type: t}
	}
	return nil
}

// HistoryCount returns the number of raw entries under one history key.
func (s *MetadataStore) HistoryCount(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		if isWrongType(err) {
			t, terr := s.KeyType(ctx, key)
			if terr == nil {
				return 0, &WrongTypeError{Key: key, Type: t}
			}
		}
		return 0, fmt.Errorf("failed to count history at %s: %w", key, err)
	}
	return n, nil
}

// ScanHistoryKeys enumerates every raw history key. KEYS is a full keyspace
// walk; only the startup reconciler may call this, once.
func (s *MetadataStore) ScanHistoryKeys(ctx context.Context) ([]string, error) {
	keys, err := s.rdb.Keys(ctx, services.HistoryKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate history keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// historyEntriesSince reads the raw entries of one key with timestamps at or
// after cutoff. Malformed members are dropped with a warning; they never
// abort the read.
func (s *MetadataStore) historyEntriesSince(ctx context.Context, key string, cutoff float64) ([]models.HistoryEntry, error) {
	members, err := s.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatFloat(cutoff, 'f', 6, 64),
		Max: "+inf",
	}).Result()
	if err != nil {
		if isWrongType(err) {
			t, terr := s.KeyType(ctx, key)
			if terr == nil {
				return nil, &WrongTypeError{Key: key, Type: t}
			}
		}
		return nil, fmt.Errorf("failed to read history at %s: %w", key, err)
	}

	log := s.log.WithComponent("history")
	entries := make([]models.HistoryEntry, 0, len(members))
	for _, m := range members {
		member, ok := m.Member.(string)
		if !ok {
			log.WithFields(logger.Fields{"key": key}).Warn("dropping non-string history member")
			continue
		}
		entry, ok := parseHistoryMember(member, m.Score)
		if !ok {
			log.WithFields(logger.Fields{"key": key, "member": member}).Warn("dropping malformed history entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// HistoryEntriesSince reads the raw entries of one key with timestamps at or
// after cutoff (seconds since the epoch).
func (s *MetadataStore) HistoryEntriesSince(ctx context.Context, key string, cutoff float64) ([]models.HistoryEntry, error) {
	return s.historyEntriesSince(ctx, key, cutoff)
}

// ServiceHistory returns the raw observations of one service within the last
// `hours` hours, merged across the service's indexed keys and sorted
// ascending by timestamp.
func (s *MetadataStore) ServiceHistory(ctx context.Context, service services.Service, hours int) ([]models.HistoryEntry, error) {
	cutoff := float64(time.Now().Add(-time.Duration(hours)*time.Hour).UnixNano()) / 1e9

	var merged []models.HistoryEntry
	for _, key := range s.HistoryKeys(service) {
		entries, err := s.historyEntriesSince(ctx, key, cutoff)
		if err != nil {
			if _, wrong := err.(*WrongTypeError); wrong {
				s.log.WithComponent("history").WithError(err).
					Warn("skipping history key with unexpected type")
				continue
			}
			return nil, err
		}
		merged = append(merged, entries...)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp < merged[j].Timestamp })
	return merged, nil
}

// parseHistoryMember decodes a "<timestamp>:<value>" member. The sorted-set
// score carries the authoritative timestamp; the member prefix is only
// checked for shape.
func parseHistoryMember(member string, score float64) (models.HistoryEntry, bool) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return models.HistoryEntry{}, false
	}
	if _, err := strconv.ParseFloat(parts[0], 64); err != nil {
		return models.HistoryEntry{}, false
	}
	return models.HistoryEntry{Timestamp: score, Value: parts[1]}, true
}
