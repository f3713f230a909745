// Package app constructs every component once and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/winspan/dnsguard/internal/conn"
	"github.com/winspan/dnsguard/internal/health"
	"github.com/winspan/dnsguard/internal/ingest"
	"github.com/winspan/dnsguard/internal/latency"
	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/rules"
	"github.com/winspan/dnsguard/internal/stats"
	"github.com/winspan/dnsguard/internal/storage"
	"github.com/winspan/dnsguard/internal/tunnel"
	"github.com/winspan/dnsguard/pkg/config"
	"github.com/winspan/dnsguard/pkg/logger"
)

const maintenanceInterval = time.Hour

var (
	latencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dnsguard_latest_latency_ms",
		Help: "Latency of the most recent allowed query, 0 when unknown",
	})
	logViewGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dnsguard_log_view_size",
		Help: "Logs held in the in-memory view",
	})
)

func init() {
	prometheus.MustRegister(latencyGauge, logViewGauge)
}

// App holds the constructed components.
type App struct {
	cfg *config.Config
	log *logger.Logger

	Store   storage.Store
	Rules   *rules.Engine
	Lists   *rules.Lists
	Health  *health.Monitor
	Tunnel  tunnel.Tunnel // nil when disabled
	Latency *latency.Signal
	Stats   *stats.Aggregator
	Ingest  *ingest.Ingestor
	Conn    *conn.Machine

	watcher *rules.Watcher

	mu       sync.RWMutex
	settings models.Settings

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New opens the configured store and builds the components.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	store, err := storage.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.GetStorageBackend(), err)
	}
	return NewWithStore(cfg, store, log), nil
}

// NewWithStore builds the components on top of store.
func NewWithStore(cfg *config.Config, store storage.Store, log *logger.Logger) *App {
	if log == nil {
		log = logger.Discard()
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		Store:   store,
		Rules:   rules.NewEngine(),
		Latency: &latency.Signal{},
		settings: models.Settings{
			HealthCheckIntervalSec: int(cfg.GetHealthInterval() / time.Second),
		},
	}
	a.Lists = rules.NewLists(store, a.Rules)
	a.Latency.Watch(func(ms int64) { latencyGauge.Set(float64(ms)) })

	a.Health = health.NewMonitor(health.Options{
		Providers:  providersFromConfig(cfg.GetProviders()),
		Timeout:    cfg.GetHealthTimeout(),
		TestDomain: cfg.GetTestDomain(),
		Logger:     log.With("health"),
	})

	if cfg.GetTunnelMode() == "local" {
		a.Tunnel = tunnel.NewLocal(tunnel.LocalOptions{
			Listen:    cfg.GetTunnelListen(),
			Fallback:  cfg.GetFallbackUpstream(),
			Decider:   a.Rules,
			Upstreams: upstreamSelector{a},
			Logger:    log.With("tunnel"),
		})
	}

	a.Stats = stats.New(store, cfg.GetStatsKeepDays(), log.With("stats"))
	a.Ingest = ingest.New(ingest.Options{
		Store:       store,
		Stats:       a.Stats,
		Latency:     a.Latency,
		Logger:      log.With("ingest"),
		BatchSize:   cfg.GetBatchSize(),
		Debounce:    cfg.GetDebounce(),
		DedupWindow: cfg.GetDedupWindow(),
		MaxLogs:     cfg.GetMaxLogs(),
		MaxView:     cfg.GetMaxViewLogs(),
		QueueSize:   cfg.GetQueueSize(),
	})
	a.Ingest.Subscribe(func(view []models.DnsLog) { logViewGauge.Set(float64(len(view))) })
	a.Conn = conn.New(a.Tunnel, store, a.Latency, log.With("conn"))
	return a
}

func providersFromConfig(in []config.ProviderConfig) []models.DnsProvider {
	out := make([]models.DnsProvider, 0, len(in))
	for _, p := range in {
		protocols := make([]models.Protocol, 0, len(p.Protocols))
		for _, proto := range p.Protocols {
			protocols = append(protocols, models.Protocol(proto))
		}
		out = append(out, models.DnsProvider{
			ID:        p.ID,
			Name:      p.Name,
			Region:    p.Region,
			Protocols: protocols,
			DoHURL:    p.DoHURL,
			DoTAddr:   p.DoTAddr,
			UDPAddr:   p.UDPAddr,
		})
	}
	return out
}

// Start loads persisted state and starts the background work.
func (a *App) Start(ctx context.Context) error {
	general, child, err := rules.LoadBuiltinFiles(a.cfg.Rules.GeneralFile, a.cfg.Rules.ChildFile)
	if err != nil {
		return err
	}
	a.Rules.LoadBuiltins(general, child)

	if a.cfg.Rules.Watch && (a.cfg.Rules.GeneralFile != "" || a.cfg.Rules.ChildFile != "") {
		w, err := rules.NewWatcher(a.Rules, a.cfg.Rules.GeneralFile, a.cfg.Rules.ChildFile, a.log.With("rules"))
		if err != nil {
			return err
		}
		a.watcher = w
	}

	if err := a.Lists.Load(ctx); err != nil {
		return fmt.Errorf("load custom rules: %w", err)
	}

	if _, err := storage.GetJSON(ctx, a.Store, storage.KeySettings, &a.settings); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	a.Rules.SetChildProtectionMode(a.settings.ChildProtection)

	if rebuilt, err := a.Stats.EnsureInitialized(ctx); err != nil {
		a.log.Warn("initialize statistics: %v", err)
	} else if rebuilt {
		a.log.Info("statistics rebuilt from log history")
	}

	if err := a.Conn.Start(ctx); err != nil {
		return err
	}
	var src ingest.Source
	if a.Tunnel != nil {
		src = a.Tunnel
	}
	if err := a.Ingest.Start(ctx, src); err != nil {
		return err
	}

	a.Health.StartPeriodicCheck(a.healthInterval())

	bg, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	a.wg.Add(1)
	go a.maintenance(bg)

	sizes := a.Rules.Sizes()
	a.log.Info("started: %d general rules, %d child rules, %d blacklisted, %d whitelisted",
		sizes["general"], sizes["child"], sizes["blacklist"], sizes["whitelist"])
	return nil
}

func (a *App) healthInterval() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.settings.HealthCheckIntervalSec > 0 {
		return time.Duration(a.settings.HealthCheckIntervalSec) * time.Second
	}
	return a.cfg.GetHealthInterval()
}

// maintenance drops stale day buckets once at start and then hourly.
func (a *App) maintenance(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		if _, err := a.Stats.CleanupOldDailyStats(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("cleanup daily stats: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Settings returns the current settings.
func (a *App) Settings() models.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.settings
}

// UpdateSettings persists s and applies it to the running components.
func (a *App) UpdateSettings(ctx context.Context, s models.Settings) (models.Settings, error) {
	if s.HealthCheckIntervalSec < 0 {
		return models.Settings{}, fmt.Errorf("health check interval must not be negative")
	}
	if s.PreferredProvider != "" && !a.hasProvider(s.PreferredProvider) {
		return models.Settings{}, fmt.Errorf("unknown provider %q", s.PreferredProvider)
	}
	if err := storage.SetJSON(ctx, a.Store, storage.KeySettings, s); err != nil {
		return models.Settings{}, err
	}

	a.mu.Lock()
	prev := a.settings
	a.settings = s
	a.mu.Unlock()

	a.Rules.SetChildProtectionMode(s.ChildProtection)
	if prev.HealthCheckIntervalSec != s.HealthCheckIntervalSec {
		a.Health.StartPeriodicCheck(a.healthInterval())
	}
	return s, nil
}

func (a *App) hasProvider(id string) bool {
	for _, p := range a.Health.Providers() {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ReloadLists re-reads the built-in list files.
func (a *App) ReloadLists() error {
	general, child, err := rules.LoadBuiltinFiles(a.cfg.Rules.GeneralFile, a.cfg.Rules.ChildFile)
	if err != nil {
		return err
	}
	a.Rules.LoadBuiltins(general, child)
	return nil
}

// Summary returns counters with every derived metric.
func (a *App) Summary(ctx context.Context) (stats.Summary, error) {
	c, err := a.Stats.Counters(ctx)
	if err != nil {
		return stats.Summary{}, err
	}
	return stats.Summarize(c, a.Ingest.Recent(0), a.Rules), nil
}

// Close stops background work, flushes buffered logs and closes the store.
// The tunnel is stopped without touching the remembered connection state.
func (a *App) Close() error {
	a.Health.StopPeriodicCheck()
	if a.stop != nil {
		a.stop()
	}
	a.wg.Wait()

	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
	}
	errs = append(errs, a.Ingest.Close())
	a.Conn.Close()

	if a.Tunnel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.Tunnel.Stop(ctx))
		cancel()
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}

// upstreamSelector prefers the user's provider while it is healthy and
// otherwise the monitor's best.
type upstreamSelector struct{ a *App }

func (u upstreamSelector) Upstream() (string, bool) {
	if id := u.a.Settings().PreferredProvider; id != "" {
		if hc, ok := u.a.Health.Snapshot()[id]; ok && hc.Status == models.HealthHealthy {
			for _, p := range u.a.Health.Providers() {
				if p.ID == id && p.UDPAddr != "" {
					return p.UDPAddr, true
				}
			}
		}
	}
	return u.a.Health.Upstream()
}
