// Package stats keeps the global request counters and per-day buckets.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/storage"
	"github.com/winspan/dnsguard/pkg/logger"
)

const (
	dayLayout = "2006-01-02"

	// DefaultKeepDays is how many day buckets CleanupOldDailyStats keeps.
	DefaultKeepDays = 30
)

// Aggregator serializes every read-modify-write of the counters record so
// concurrent increments never lose updates.
type Aggregator struct {
	store    storage.Store
	log      *logger.Logger
	keepDays int
	now      func() time.Time

	mu sync.Mutex
}

func New(store storage.Store, keepDays int, log *logger.Logger) *Aggregator {
	if keepDays <= 0 {
		keepDays = DefaultKeepDays
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Aggregator{store: store, log: log, keepDays: keepDays, now: time.Now}
}

// dayKey is the UTC calendar date of the log's own timestamp.
func (a *Aggregator) dayKey(l models.DnsLog) string {
	t := l.Time()
	if t.IsZero() {
		t = a.now()
	}
	return t.UTC().Format(dayLayout)
}

func (a *Aggregator) load(ctx context.Context) (*models.StatisticsCounters, error) {
	c := models.NewStatisticsCounters()
	if _, err := storage.GetJSON(ctx, a.store, storage.KeyStatistics, c); err != nil {
		return nil, err
	}
	if c.DailyStats == nil {
		c.DailyStats = make(map[string]models.DailyStats)
	}
	return c, nil
}

func (a *Aggregator) save(ctx context.Context, c *models.StatisticsCounters) error {
	c.LastUpdated = models.FormatTimestamp(a.now())
	return storage.SetJSON(ctx, a.store, storage.KeyStatistics, c)
}

func apply(c *models.StatisticsCounters, day string, l models.DnsLog) {
	d := c.DailyStats[day]

	c.TotalRequests++
	d.TotalRequests++
	if l.Status == models.StatusBlocked {
		c.BlockedRequests++
		d.BlockedRequests++
	} else {
		c.AllowedRequests++
		d.AllowedRequests++
	}
	c.TotalLatency += l.Latency
	d.TotalLatency += l.Latency

	c.DailyStats[day] = d
}

// Increment adds one log to the counters and its day bucket.
func (a *Aggregator) Increment(ctx context.Context, l models.DnsLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.load(ctx)
	if err != nil {
		return err
	}
	apply(c, a.dayKey(l), l)
	return a.save(ctx, c)
}

// Counters returns the stored record, empty if none exists.
func (a *Aggregator) Counters(ctx context.Context) (*models.StatisticsCounters, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(ctx)
}

// InitializeFromLogs rebuilds the counters by replaying the persisted log
// history in arrival order.
func (a *Aggregator) InitializeFromLogs(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var logs []models.DnsLog
	if _, err := storage.GetJSON(ctx, a.store, storage.KeyLogs, &logs); err != nil {
		return err
	}

	c := models.NewStatisticsCounters()
	// persisted newest first
	for i := len(logs) - 1; i >= 0; i-- {
		apply(c, a.dayKey(logs[i]), logs[i])
	}
	a.log.Info("rebuilt statistics from %d logs", len(logs))
	return a.save(ctx, c)
}

// EnsureInitialized runs InitializeFromLogs when the counters are empty but
// a log history exists. It reports whether a rebuild happened.
func (a *Aggregator) EnsureInitialized(ctx context.Context) (bool, error) {
	c, err := a.Counters(ctx)
	if err != nil {
		return false, err
	}
	if !c.IsEmpty() {
		return false, nil
	}

	var logs []models.DnsLog
	if _, err := storage.GetJSON(ctx, a.store, storage.KeyLogs, &logs); err != nil {
		return false, err
	}
	if len(logs) == 0 {
		return false, nil
	}
	return true, a.InitializeFromLogs(ctx)
}

// Clear resets every counter and bucket.
func (a *Aggregator) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.save(ctx, models.NewStatisticsCounters())
}

// CleanupOldDailyStats drops buckets older than keepDays. It returns how
// many buckets were removed.
func (a *Aggregator) CleanupOldDailyStats(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, err := a.load(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().UTC().AddDate(0, 0, -a.keepDays).Format(dayLayout)

	removed := 0
	for day := range c.DailyStats {
		if day < cutoff {
			delete(c.DailyStats, day)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	a.log.Debug("dropped %d day buckets older than %s", removed, cutoff)
	return removed, a.save(ctx, c)
}
