package models

import (
	"time"
)

// ServiceMetadata is the derived aggregate record kept per service. It is a
// cache over the raw history collections: absence of a record is a valid
// "unknown service" state, not an error.
type ServiceMetadata struct {
	Service               string  `json:"service"`
	TotalMessageCount     int64   `json:"total_message_count"`
	LastActivityTimestamp float64 `json:"last_activity_timestamp"`
	MessagesLastHour      int64   `json:"messages_last_hour"`
	MessagesLastMinute    int64   `json:"messages_last_minute"`
	MessagesLast65Minutes int64   `json:"messages_last_65_minutes"`
}

// HistoryEntry is one raw observation (price tick, message sample, temperature
// reading) as stored by the ingestion services. The core only reads these.
type HistoryEntry struct {
	Timestamp float64 `json:"timestamp"`
	Value     string  `json:"value"`
}

// CounterFlushEvent describes one flushed batch of coalesced counter
// increments. Published to Kafka for downstream consumers when configured.
type CounterFlushEvent struct {
	BatchID     string           `json:"batch_id"`
	Counts      map[string]int64 `json:"counts"`
	RecordCount int              `json:"record_count"`
	Timestamp   time.Time        `json:"timestamp"`
}

// ArchiveBatch groups the history entries of one service for archival.
type ArchiveBatch struct {
	BatchID   string
	Service   string
	Entries   []HistoryEntry
	Timestamp time.Time
}
