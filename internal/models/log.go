package models

import (
	"time"
)

// Status is the outcome the tunnel reported for a query
type Status string

const (
	StatusAllowed Status = "allowed"
	StatusBlocked Status = "blocked"
)

// Sentinel values the tunnel puts in DnsRequestEvent.Category instead of an IP.
const (
	CategoryBlocked       = "blocked"
	CategoryResolveFailed = "resolve-failed"
)

// DnsRequestEvent is one resolved query as reported by the tunnel.
type DnsRequestEvent struct {
	Domain    string `json:"domain"`
	Timestamp string `json:"timestamp"` // ISO-8601
	Status    Status `json:"status"`
	Category  string `json:"category"` // resolved IP or a sentinel
	Latency   int64  `json:"latency"`  // ms
}

// Time parses the event timestamp. Unparseable timestamps yield the zero time.
func (e DnsRequestEvent) Time() time.Time {
	return ParseTimestamp(e.Timestamp)
}

// DnsLog is the persisted form of a DnsRequestEvent.
type DnsLog struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	Timestamp string `json:"timestamp"`
	Status    Status `json:"status"`
	Category  string `json:"category"`
	Latency   int64  `json:"latency"`
}

// Time parses the log timestamp.
func (l DnsLog) Time() time.Time {
	return ParseTimestamp(l.Timestamp)
}

// ParseTimestamp accepts RFC3339 with or without fractional seconds.
func ParseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatTimestamp renders t the way the tunnel does (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// DailyStats mirrors the numeric counters for one calendar day.
type DailyStats struct {
	TotalRequests   int64 `json:"totalRequests"`
	BlockedRequests int64 `json:"blockedRequests"`
	AllowedRequests int64 `json:"allowedRequests"`
	TotalLatency    int64 `json:"totalLatency"`
}

// StatisticsCounters is the global statistics record.
type StatisticsCounters struct {
	TotalRequests   int64                 `json:"totalRequests"`
	BlockedRequests int64                 `json:"blockedRequests"`
	AllowedRequests int64                 `json:"allowedRequests"`
	TotalLatency    int64                 `json:"totalLatency"`
	DailyStats      map[string]DailyStats `json:"dailyStats"`
	LastUpdated     string                `json:"lastUpdated,omitempty"`
}

// NewStatisticsCounters returns an empty record.
func NewStatisticsCounters() *StatisticsCounters {
	return &StatisticsCounters{DailyStats: make(map[string]DailyStats)}
}

// IsEmpty reports whether nothing was ever counted.
func (c *StatisticsCounters) IsEmpty() bool {
	return c.TotalRequests == 0 && len(c.DailyStats) == 0
}
