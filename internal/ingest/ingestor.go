// Package ingest turns the tunnel's per-query events into persisted logs.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/winspan/dnsguard/internal/latency"
	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/sched"
	"github.com/winspan/dnsguard/internal/storage"
	"github.com/winspan/dnsguard/pkg/logger"
)

const (
	DefaultBatchSize   = 10
	DefaultDebounce    = 300 * time.Millisecond
	DefaultDedupWindow = 2 * time.Second
	DefaultMaxLogs     = 10000
	DefaultMaxView     = 1000
	DefaultQueueSize   = 1024

	writeTimeout = 10 * time.Second
)

var (
	eventsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_ingest_events_total",
		Help: "Events received from the tunnel",
	})
	eventsDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_ingest_duplicates_total",
		Help: "Events discarded as duplicates",
	})
	logsFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_ingest_logs_flushed_total",
		Help: "Logs written to the store",
	})
	logsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsguard_ingest_logs_dropped_total",
		Help: "Logs lost to failed writes",
	})
)

func init() {
	prometheus.MustRegister(eventsReceived, eventsDuplicate, logsFlushed, logsDropped)
}

// Source is the subscription half of a tunnel.
type Source interface {
	OnDNSRequest(fn func(models.DnsRequestEvent)) func()
}

// Incrementer receives one call per accepted log.
type Incrementer interface {
	Increment(ctx context.Context, l models.DnsLog) error
}

// Options configures an Ingestor. Zero values get defaults.
type Options struct {
	Store     storage.Store
	Stats     Incrementer
	Latency   *latency.Signal
	Scheduler sched.Scheduler
	Logger    *logger.Logger

	BatchSize   int
	Debounce    time.Duration
	DedupWindow time.Duration
	MaxLogs     int
	MaxView     int
	QueueSize   int
}

// Ingestor deduplicates events and writes them to the store in batches.
// Events are handled by a single worker goroutine.
type Ingestor struct {
	opts  Options
	log   *logger.Logger
	dedup *cache.Cache

	qmu     sync.RWMutex
	queue   chan models.DnsRequestEvent
	closed  bool
	unsub   func()
	started bool
	done    chan struct{}

	counter int64 // worker only

	mu       sync.Mutex
	idle     *sync.Cond
	pending  []models.DnsLog
	timer    sched.Timer
	timerGen uint64
	flushing bool
	view     []models.DnsLog
	subs     []func([]models.DnsLog)

	statsWG   sync.WaitGroup
	flushWG   sync.WaitGroup // batch flushes started by the worker
	closeOnce sync.Once
}

func New(opts Options) *Ingestor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.MaxLogs <= 0 {
		opts.MaxLogs = DefaultMaxLogs
	}
	if opts.MaxView <= 0 {
		opts.MaxView = DefaultMaxView
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Real()
	}
	if opts.Latency == nil {
		opts.Latency = &latency.Signal{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	in := &Ingestor{
		opts:  opts,
		log:   log,
		dedup: cache.New(opts.DedupWindow, 2*opts.DedupWindow),
		queue: make(chan models.DnsRequestEvent, opts.QueueSize),
		done:  make(chan struct{}),
	}
	in.idle = sync.NewCond(&in.mu)
	return in
}

// Start loads the persisted view, starts the worker and subscribes to src.
// A nil src leaves the ingestor idle.
func (in *Ingestor) Start(ctx context.Context, src Source) error {
	var logs []models.DnsLog
	if _, err := storage.GetJSON(ctx, in.opts.Store, storage.KeyLogs, &logs); err != nil {
		return fmt.Errorf("load logs: %w", err)
	}
	in.mu.Lock()
	in.view = capLogs(logs, in.opts.MaxView)
	in.mu.Unlock()

	in.started = true
	go in.run()
	if src != nil {
		in.unsub = src.OnDNSRequest(in.enqueue)
	}
	return nil
}

func (in *Ingestor) enqueue(ev models.DnsRequestEvent) {
	in.qmu.RLock()
	defer in.qmu.RUnlock()
	if in.closed {
		return
	}
	in.queue <- ev
}

func (in *Ingestor) run() {
	defer close(in.done)
	for ev := range in.queue {
		in.handle(ev)
	}
}

// dedupKey is the domain plus the whole second of the event timestamp.
func (in *Ingestor) dedupKey(ev models.DnsRequestEvent, ts time.Time) string {
	return fmt.Sprintf("%s|%d", ev.Domain, ts.Unix())
}

func (in *Ingestor) handle(ev models.DnsRequestEvent) {
	eventsReceived.Inc()

	now := in.opts.Scheduler.Now()
	ts := ev.Time()
	if ts.IsZero() {
		ts = now
	}

	if err := in.dedup.Add(in.dedupKey(ev, ts), struct{}{}, cache.DefaultExpiration); err != nil {
		eventsDuplicate.Inc()
		return
	}

	in.counter++
	entry := models.DnsLog{
		ID:        fmt.Sprintf("%d-%d", in.counter, now.UnixMilli()),
		Domain:    ev.Domain,
		Timestamp: ev.Timestamp,
		Status:    ev.Status,
		Category:  ev.Category,
		Latency:   ev.Latency,
	}

	if entry.Status == models.StatusAllowed && entry.Latency > 0 {
		in.opts.Latency.Set(entry.Latency)
	}

	if in.opts.Stats != nil {
		in.statsWG.Add(1)
		go func() {
			defer in.statsWG.Done()
			if err := in.opts.Stats.Increment(context.Background(), entry); err != nil {
				in.log.Warn("increment statistics: %v", err)
			}
		}()
	}

	in.mu.Lock()
	in.pending = append(in.pending, entry)
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	full := len(in.pending) >= in.opts.BatchSize
	if full {
		in.flushWG.Add(1)
	} else {
		in.timerGen++
		gen := in.timerGen
		in.timer = in.opts.Scheduler.AfterFunc(in.opts.Debounce, func() { in.onTimer(gen) })
	}
	in.mu.Unlock()

	if full {
		go func() {
			defer in.flushWG.Done()
			in.flush()
		}()
	}
}

// onTimer flushes unless the timer that fired has since been replaced or
// cancelled.
func (in *Ingestor) onTimer(gen uint64) {
	in.mu.Lock()
	if gen != in.timerGen || in.timer == nil {
		in.mu.Unlock()
		return
	}
	in.timer = nil
	in.mu.Unlock()
	in.flush()
}

// flush writes the pending batch. A call made while another flush is
// running does nothing; its items stay buffered for the next trigger.
func (in *Ingestor) flush() {
	in.mu.Lock()
	if in.flushing || len(in.pending) == 0 {
		in.mu.Unlock()
		return
	}
	in.flushing = true
	batch := in.pending
	in.pending = nil
	in.mu.Unlock()

	defer func() {
		in.mu.Lock()
		in.flushing = false
		in.idle.Broadcast()
		in.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var stored []models.DnsLog
	if _, err := storage.GetJSON(ctx, in.opts.Store, storage.KeyLogs, &stored); err != nil {
		in.drop(batch, err)
		return
	}

	merged := make([]models.DnsLog, 0, len(batch)+len(stored))
	merged = append(merged, batch...)
	merged = append(merged, stored...)
	merged = capLogs(merged, in.opts.MaxLogs)

	if err := storage.SetJSON(ctx, in.opts.Store, storage.KeyLogs, merged); err != nil {
		in.drop(batch, err)
		return
	}
	logsFlushed.Add(float64(len(batch)))

	view := capLogs(merged, in.opts.MaxView)
	in.mu.Lock()
	in.view = view
	subs := append([]func([]models.DnsLog){}, in.subs...)
	in.mu.Unlock()

	for _, fn := range subs {
		fn(view)
	}
}

func (in *Ingestor) drop(batch []models.DnsLog, err error) {
	logsDropped.Add(float64(len(batch)))
	in.log.Error("flush %d logs: %v", len(batch), err)
}

func capLogs(logs []models.DnsLog, max int) []models.DnsLog {
	if len(logs) > max {
		logs = logs[:max]
	}
	out := make([]models.DnsLog, len(logs))
	copy(out, logs)
	return out
}

// Recent returns up to limit logs of the in-memory view, newest batch first.
// limit <= 0 returns the whole view.
func (in *Ingestor) Recent(limit int) []models.DnsLog {
	in.mu.Lock()
	defer in.mu.Unlock()
	if limit <= 0 || limit > len(in.view) {
		limit = len(in.view)
	}
	out := make([]models.DnsLog, limit)
	copy(out, in.view[:limit])
	return out
}

// Subscribe registers fn to receive the view after every successful flush.
func (in *Ingestor) Subscribe(fn func([]models.DnsLog)) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.subs = append(in.subs, fn)
}

// Pending reports how many logs wait for the next flush.
func (in *Ingestor) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Close unsubscribes, drains the queue, cancels the debounce timer, waits
// for running flushes and then flushes until nothing is buffered.
func (in *Ingestor) Close() error {
	in.closeOnce.Do(func() {
		if in.unsub != nil {
			in.unsub()
		}

		in.qmu.Lock()
		in.closed = true
		close(in.queue)
		in.qmu.Unlock()

		if in.started {
			<-in.done
		}

		in.mu.Lock()
		if in.timer != nil {
			in.timer.Stop()
			in.timer = nil
		}
		in.timerGen++
		in.mu.Unlock()

		in.flushWG.Wait()

		in.mu.Lock()
		for {
			for in.flushing {
				in.idle.Wait()
			}
			if len(in.pending) == 0 {
				break
			}
			in.mu.Unlock()
			in.flush()
			in.mu.Lock()
		}
		in.mu.Unlock()

		in.statsWG.Wait()
	})
	return nil
}
