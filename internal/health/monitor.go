// Package health probes upstream DNS providers and ranks them by latency.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/sched"
	"github.com/winspan/dnsguard/pkg/logger"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultTestDomain = "google.com"

	healthyBelow = 100 * time.Millisecond
	slowBelow    = 500 * time.Millisecond
)

var (
	providerLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dnsguard_provider_latency_ms",
			Help: "Latest probe latency per provider, -1 when unreachable",
		},
		[]string{"provider", "protocol"},
	)
	probeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsguard_provider_probes_total",
			Help: "Provider probes by resulting status",
		},
		[]string{"provider", "status"},
	)
)

func init() {
	prometheus.MustRegister(providerLatency, probeTotal)
}

// Options configures a Monitor. Zero values get defaults.
type Options struct {
	Providers  []models.DnsProvider
	Probes     map[models.Protocol]Probe
	Timeout    time.Duration
	TestDomain string
	Scheduler  sched.Scheduler
	Logger     *logger.Logger
}

// Monitor holds the latest HealthCheck per provider.
type Monitor struct {
	providers  []models.DnsProvider // registration order
	probes     map[models.Protocol]Probe
	timeout    time.Duration
	testDomain string
	sched      sched.Scheduler
	log        *logger.Logger

	mu     sync.RWMutex
	health map[string]models.HealthCheck

	pmu    sync.Mutex
	gen    int
	timer  sched.Timer
	cancel context.CancelFunc
}

func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		providers:  append([]models.DnsProvider(nil), opts.Providers...),
		probes:     opts.Probes,
		timeout:    opts.Timeout,
		testDomain: opts.TestDomain,
		sched:      opts.Scheduler,
		log:        opts.Logger,
		health:     make(map[string]models.HealthCheck),
	}
	if m.probes == nil {
		m.probes = DefaultProbes()
	}
	if m.timeout <= 0 {
		m.timeout = DefaultTimeout
	}
	if m.testDomain == "" {
		m.testDomain = DefaultTestDomain
	}
	if m.sched == nil {
		m.sched = sched.Real()
	}
	if m.log == nil {
		m.log = logger.Discard()
	}
	return m
}

// Classify maps a probe outcome to a status.
func Classify(latency time.Duration, err error) models.HealthStatus {
	switch {
	case err != nil:
		return models.HealthTimeout
	case latency < healthyBelow:
		return models.HealthHealthy
	case latency < slowBelow:
		return models.HealthSlow
	default:
		return models.HealthTimeout
	}
}

func (m *Monitor) provider(id string) (models.DnsProvider, bool) {
	for _, p := range m.providers {
		if p.ID == id {
			return p, true
		}
	}
	return models.DnsProvider{}, false
}

// Providers returns the registered providers in registration order.
func (m *Monitor) Providers() []models.DnsProvider {
	return append([]models.DnsProvider(nil), m.providers...)
}

// CheckProvider probes one provider. An empty protocol selects the best
// one the provider supports (DoH > DoT > UDP). Probe failures are recorded
// as timeout, never returned. A probe cut short by cancelling ctx is not
// recorded.
func (m *Monitor) CheckProvider(ctx context.Context, id string, protocol models.Protocol) models.HealthCheck {
	p, ok := m.provider(id)
	if !ok {
		return models.HealthCheck{
			ProviderID: id,
			Latency:    -1,
			Status:     models.HealthUnknown,
			LastCheck:  models.FormatTimestamp(m.sched.Now()),
			Protocol:   protocol,
		}
	}

	if protocol == "" {
		protocol, _ = p.BestProtocol()
	}

	latency, err := m.probe(ctx, p, protocol)
	status := Classify(latency, err)

	hc := models.HealthCheck{
		ProviderID: id,
		Latency:    latency.Milliseconds(),
		Status:     status,
		LastCheck:  models.FormatTimestamp(m.sched.Now()),
		Protocol:   protocol,
	}
	if err != nil {
		hc.Latency = -1
		if ctx.Err() != nil {
			// the round was cancelled; keep the last real result
			return hc
		}
		m.log.Debug("probe %s over %s failed: %v", id, protocol, err)
	}

	m.mu.Lock()
	m.health[id] = hc
	m.mu.Unlock()

	providerLatency.WithLabelValues(id, string(protocol)).Set(float64(hc.Latency))
	probeTotal.WithLabelValues(id, string(status)).Inc()
	return hc
}

func (m *Monitor) probe(ctx context.Context, p models.DnsProvider, protocol models.Protocol) (time.Duration, error) {
	if protocol == "" || !p.Supports(protocol) {
		return 0, fmt.Errorf("provider %s does not support %q", p.ID, protocol)
	}
	probe, ok := m.probes[protocol]
	if !ok {
		return 0, fmt.Errorf("no probe for %s", protocol)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return probe.Probe(ctx, p, m.testDomain)
}

// CheckAllProviders probes every provider concurrently and waits for all of
// them, whatever the individual outcomes.
func (m *Monitor) CheckAllProviders(ctx context.Context) map[string]models.HealthCheck {
	var (
		g   errgroup.Group
		mu  sync.Mutex
		out = make(map[string]models.HealthCheck, len(m.providers))
	)
	for _, p := range m.providers {
		id := p.ID
		g.Go(func() error {
			hc := m.CheckProvider(ctx, id, "")
			mu.Lock()
			out[id] = hc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// StartPeriodicCheck runs CheckAllProviders now and then every interval.
// A running schedule is replaced.
func (m *Monitor) StartPeriodicCheck(interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.pmu.Lock()
	m.stopLocked()
	m.gen++
	gen := m.gen
	m.cancel = cancel
	m.pmu.Unlock()

	m.log.Info("periodic provider check every %s", interval)
	go m.tick(ctx, gen, interval)
}

func (m *Monitor) tick(ctx context.Context, gen int, interval time.Duration) {
	m.CheckAllProviders(ctx)

	m.pmu.Lock()
	defer m.pmu.Unlock()
	if gen != m.gen || ctx.Err() != nil {
		return
	}
	m.timer = m.sched.AfterFunc(interval, func() { m.tick(ctx, gen, interval) })
}

// StopPeriodicCheck cancels the schedule and any in-flight round.
func (m *Monitor) StopPeriodicCheck() {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// GetBestProvider returns the healthy provider with the lowest latency.
// Ties go to the provider registered first.
func (m *Monitor) GetBestProvider() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := ""
	var bestLatency int64
	for _, p := range m.providers {
		hc, ok := m.health[p.ID]
		if !ok || hc.Status != models.HealthHealthy {
			continue
		}
		if best == "" || hc.Latency < bestLatency {
			best, bestLatency = p.ID, hc.Latency
		}
	}
	return best, best != ""
}

// Snapshot returns a copy of the health map.
func (m *Monitor) Snapshot() map[string]models.HealthCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.HealthCheck, len(m.health))
	for k, v := range m.health {
		out[k] = v
	}
	return out
}

// Upstream returns the address the local tunnel should forward plain DNS to:
// the best healthy provider's UDP address, or ok=false.
func (m *Monitor) Upstream() (string, bool) {
	id, ok := m.GetBestProvider()
	if !ok {
		return "", false
	}
	p, _ := m.provider(id)
	return p.UDPAddr, p.UDPAddr != ""
}
