package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stateflow/internal/services"
	"stateflow/logger"
	"stateflow/models"
)

const (
	serviceMetaPrefix = "meta:service:"
	serviceRegistry   = "meta:services"
	globalCounterKey  = "meta:total_messages"

	fieldTotal        = "total_message_count"
	fieldLastActivity = "last_activity_timestamp"
	fieldLastHour     = "messages_last_hour"
	fieldLastMinute   = "messages_last_minute"
	fieldLast65       = "messages_last_65_minutes"
)

// MetadataStore owns every write to the per-service aggregate records. It is
// a cache over the raw history collections and is rebuilt from them at
// startup. It also carries the history key index: the set of raw keys
// discovered for each service, seeded by the startup scan and extended by
// the change listener as new keys appear.
type MetadataStore struct {
	rdb *redis.Client
	log *logger.Log

	mu          sync.RWMutex
	historyKeys map[services.Service]map[string]struct{}
}

func NewMetadataStore(rdb *redis.Client, log *logger.Log) *MetadataStore {
	return &MetadataStore{
		rdb:         rdb,
		log:         log,
		historyKeys: make(map[services.Service]map[string]struct{}),
	}
}

func metaKey(service services.Service) string {
	return serviceMetaPrefix + string(service)
}

// Ping verifies the underlying connection is healthy.
func (s *MetadataStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get fetches the aggregate record of one service. Absence of the record is
// a valid state reported through the bool result, not an error. A present
// field with a non-numeric value raises a CorruptDataError.
func (s *MetadataStore) Get(ctx context.Context, service services.Service) (models.ServiceMetadata, bool, error) {
	var record models.ServiceMetadata

	fields, err := s.rdb.HGetAll(ctx, metaKey(service)).Result()
	if err != nil {
		return record, false, fmt.Errorf("failed to read metadata for %s: %w", service, err)
	}
	if len(fields) == 0 {
		return record, false, nil
	}

	record.Service = string(service)
	if record.TotalMessageCount, err = intField(metaKey(service), fields, fieldTotal); err != nil {
		return models.ServiceMetadata{}, false, err
	}
	if record.LastActivityTimestamp, err = floatField(metaKey(service), fields, fieldLastActivity); err != nil {
		return models.ServiceMetadata{}, false, err
	}
	if record.MessagesLastHour, err = intField(metaKey(service), fields, fieldLastHour); err != nil {
		return models.ServiceMetadata{}, false, err
	}
	if record.MessagesLastMinute, err = intField(metaKey(service), fields, fieldLastMinute); err != nil {
		return models.ServiceMetadata{}, false, err
	}
	if record.MessagesLast65Minutes, err = intField(metaKey(service), fields, fieldLast65); err != nil {
		return models.ServiceMetadata{}, false, err
	}
	return record, true, nil
}

// ListServices returns the names of all services seen so far, sorted.
func (s *MetadataStore) ListServices(ctx context.Context) ([]services.Service, error) {
	names, err := s.rdb.SMembers(ctx, serviceRegistry).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	sort.Strings(names)
	out := make([]services.Service, 0, len(names))
	for _, n := range names {
		out = append(out, services.Service(n))
	}
	return out, nil
}

// TotalMessageCount reads the global counter, defaulting to 0 when absent.
func (s *MetadataStore) TotalMessageCount(ctx context.Context) (int64, error) {
	val, err := s.rdb.Get(ctx, globalCounterKey).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read global counter: %w", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, &CorruptDataError{Key: globalCounterKey, Field: "value", Cause: err}
	}
	return n, nil
}

// IncrementServiceCount applies n coalesced increments to one service in a
// single transaction: service total, last-activity stamp, registry
// membership and the global counter move together.
func (s *MetadataStore) IncrementServiceCount(ctx context.Context, service services.Service, n int64) error {
	now := float64(time.Now().UnixNano()) / 1e9
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, metaKey(service), fieldTotal, n)
		pipe.HSet(ctx, metaKey(service), fieldLastActivity, strconv.FormatFloat(now, 'f', 6, 64))
		pipe.SAdd(ctx, serviceRegistry, string(service))
		pipe.IncrBy(ctx, globalCounterKey, n)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to increment count for %s: %w", service, err)
	}
	return nil
}

// UpdateTimeWindowCounts writes the recomputed rolling-window counts for one
// service. The 65-minute window only applies to weather-category services;
// pass nil to leave it untouched.
func (s *MetadataStore) UpdateTimeWindowCounts(ctx context.Context, service services.Service, hour, minute int64, sixtyFiveMinutes *int64) error {
	values := map[string]interface{}{
		fieldLastHour:   hour,
		fieldLastMinute: minute,
	}
	if sixtyFiveMinutes != nil {
		values[fieldLast65] = *sixtyFiveMinutes
	}
	if err := s.rdb.HSet(ctx, metaKey(service), values).Err(); err != nil {
		return fmt.Errorf("failed to update window counts for %s: %w", service, err)
	}
	return nil
}

// InitializeServiceCount seeds one service's aggregate from the raw history
// count. Only the startup reconciler calls this: window fields reset to zero
// and the current time becomes the last activity.
func (s *MetadataStore) InitializeServiceCount(ctx context.Context, service services.Service, count int64) error {
	now := float64(time.Now().UnixNano()) / 1e9
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, metaKey(service), map[string]interface{}{
			fieldTotal:        count,
			fieldLastActivity: strconv.FormatFloat(now, 'f', 6, 64),
			fieldLastHour:     0,
			fieldLastMinute:   0,
			fieldLast65:       0,
		})
		pipe.SAdd(ctx, serviceRegistry, string(service))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to initialize count for %s: %w", service, err)
	}
	return nil
}

// TrackHistoryKey records a raw history key as belonging to a service. The
// index keeps the reconcilers off the KEYS command after startup.
func (s *MetadataStore) TrackHistoryKey(service services.Service, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.historyKeys[service]
	if !ok {
		set = make(map[string]struct{})
		s.historyKeys[service] = set
	}
	set[key] = struct{}{}
}

// HistoryKeys returns the indexed raw keys of one service, sorted. The
// service's primary collection is always included so a fresh process can
// read history before any event arrived.
func (s *MetadataStore) HistoryKeys(service services.Service) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.historyKeys[service])+1)
	primary := services.HistoryKeyPrefix + string(service)
	seen := map[string]struct{}{primary: {}}
	keys = append(keys, primary)
	for k := range s.historyKeys[service] {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func intField(key string, fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &CorruptDataError{Key: key, Field: name, Cause: err}
	}
	return n, nil
}

func floatField(key string, fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &CorruptDataError{Key: key, Field: name, Cause: err}
	}
	return f, nil
}
