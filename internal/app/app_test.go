package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/winspan/dnsguard/internal/conn"
	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/storage"
	"github.com/winspan/dnsguard/internal/tunnel"
	"github.com/winspan/dnsguard/pkg/config"
)

const testConfig = `
storage:
  backend: memory
health:
  interval: 3600
  timeout: 1
  providers:
    - id: local
      name: Local
      protocols: [udp]
      udp_addr: 127.0.0.1:9
tunnel:
  mode: %s
  listen: 127.0.0.1:0
  fallback_upstream: 127.0.0.1:9
`

func newApp(t *testing.T, mode string) (*App, *storage.Memory) {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(testConfig, mode)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	store := storage.NewMemory()
	a := NewWithStore(cfg, store, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a, store
}

func TestApp_SettingsAndRules(t *testing.T) {
	ctx := context.Background()
	a, store := newApp(t, "none")
	defer a.Close()

	if a.Tunnel != nil {
		t.Fatal("tunnel built with mode none")
	}
	if err := a.Conn.Connect(ctx); !errors.Is(err, conn.ErrModuleUnavailable) {
		t.Fatalf("Connect = %v; want ErrModuleUnavailable", err)
	}

	if a.Rules.ShouldBlock("pornhub.com") {
		t.Fatal("child list active by default")
	}
	s, err := a.UpdateSettings(ctx, models.Settings{ChildProtection: true, HealthCheckIntervalSec: 600, PreferredProvider: "local"})
	if err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	if !a.Rules.ShouldBlock("pornhub.com") {
		t.Error("child protection not applied")
	}

	var saved models.Settings
	if ok, _ := storage.GetJSON(ctx, store, storage.KeySettings, &saved); !ok || saved != s {
		t.Errorf("settings not persisted: %+v", saved)
	}

	if _, err := a.UpdateSettings(ctx, models.Settings{PreferredProvider: "nope"}); err == nil {
		t.Error("unknown provider accepted")
	}

	if _, err := a.Lists.Add(ctx, "homework-distraction.example", models.RuleTypeBlacklist, ""); err != nil {
		t.Fatal(err)
	}
	if !a.Rules.ShouldBlock("www.homework-distraction.example") {
		t.Error("custom rule not applied")
	}
}

func TestApp_RestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	storage.SetJSON(ctx, store, storage.KeySettings, models.Settings{ChildProtection: true})
	storage.SetJSON(ctx, store, storage.KeyWhitelist, []models.DomainRule{{ID: "w", Domain: "doubleclick.net", Type: models.RuleTypeWhitelist}})
	storage.SetJSON(ctx, store, storage.KeyLogs, []models.DnsLog{
		{ID: "1", Domain: "a.example", Status: models.StatusAllowed, Latency: 20, Timestamp: "2024-05-01T10:00:00.000Z"},
		{ID: "2", Domain: "b.example", Status: models.StatusBlocked, Timestamp: "2024-05-01T10:00:01.000Z"},
	})

	cfg, _ := config.Parse([]byte(fmt.Sprintf(testConfig, "none")))
	a := NewWithStore(cfg, store, nil)
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if !a.Settings().ChildProtection || !a.Rules.ChildProtectionMode() {
		t.Error("settings not restored")
	}
	if a.Rules.ShouldBlock("doubleclick.net") {
		t.Error("whitelist not restored")
	}

	sum, err := a.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Counters.TotalRequests != 2 || sum.BlockRate != 50 {
		t.Errorf("statistics not rebuilt from logs: %+v", sum)
	}
	if len(a.Ingest.Recent(0)) != 2 {
		t.Errorf("view not loaded from store")
	}
}

func TestApp_LocalTunnelEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, store := newApp(t, "local")

	if _, err := a.Lists.Add(ctx, "blocked.example", models.RuleTypeBlacklist, ""); err != nil {
		t.Fatal(err)
	}
	if err := a.Conn.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !a.Conn.State().Connected {
		t.Fatal("not connected")
	}

	addr := a.Tunnel.(*tunnel.Local).Addr()
	c := &mdns.Client{Net: "udp", Timeout: time.Second}
	q := new(mdns.Msg)
	q.SetQuestion("ads.blocked.example.", mdns.TypeA)
	resp, _, err := c.Exchange(q, addr)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Rcode != mdns.RcodeNameError {
		t.Errorf("rcode = %d; want NXDOMAIN", resp.Rcode)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var logs []models.DnsLog
	storage.GetJSON(ctx, store, storage.KeyLogs, &logs)
	if len(logs) != 1 || logs[0].Domain != "ads.blocked.example" || logs[0].Status != models.StatusBlocked {
		t.Fatalf("logs = %+v", logs)
	}

	var counters models.StatisticsCounters
	storage.GetJSON(ctx, store, storage.KeyStatistics, &counters)
	if counters.BlockedRequests != 1 {
		t.Errorf("counters = %+v", counters)
	}

	var connected bool
	storage.GetJSON(ctx, store, storage.KeyConnectionState, &connected)
	if !connected {
		t.Error("shutdown overwrote the remembered connection state")
	}
}
