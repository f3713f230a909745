package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/winspan/dnsguard/internal/app"
	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/storage"
	"github.com/winspan/dnsguard/pkg/config"
)

const baseConfig = `
storage:
  backend: memory
health:
  interval: 3600
  providers:
    - id: local
      name: Local
      protocols: [udp]
      udp_addr: 127.0.0.1:9
tunnel:
  mode: none
admin:
  token: static-token
  jwt_secret: test-secret
  password_hash: %q
  rate_limit: %d
`

func newServer(t *testing.T, rateLimit int) *httptest.Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse([]byte(fmt.Sprintf(baseConfig, hash, rateLimit)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	a := app.NewWithStore(cfg, storage.NewMemory(), nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r := chi.NewRouter()
	BindRoutes(r, a, cfg, nil)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		ts.Close()
		a.Close()
	})
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, token, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestAuth(t *testing.T) {
	ts := newServer(t, 1000)

	if resp := do(t, ts, "GET", "/api/health", "", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}
	if resp := do(t, ts, "GET", "/api/settings", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token = %d; want 401", resp.StatusCode)
	}
	for _, bad := range []string{"wrong", "static-toke", "static-token2", "STATIC-TOKEN"} {
		if resp := do(t, ts, "GET", "/api/settings", bad, ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q = %d; want 401", bad, resp.StatusCode)
		}
	}
	if resp := do(t, ts, "GET", "/api/settings", "static-token", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("static token = %d", resp.StatusCode)
	}

	if resp := do(t, ts, "POST", "/api/login", "", `{"password":"nope"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password = %d; want 401", resp.StatusCode)
	}
	resp := do(t, ts, "POST", "/api/login", "", `{"password":"hunter2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	decode(t, resp, &out)
	if out.Token == "" {
		t.Fatal("no token issued")
	}
	if resp := do(t, ts, "GET", "/api/settings", out.Token, ""); resp.StatusCode != http.StatusOK {
		t.Errorf("session token = %d", resp.StatusCode)
	}
}

func TestRules(t *testing.T) {
	ts := newServer(t, 1000)
	const tk = "static-token"

	resp := do(t, ts, "POST", "/api/rules", tk, `{"domain":"games.example","type":"blacklist"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add = %d", resp.StatusCode)
	}
	var rule models.DomainRule
	decode(t, resp, &rule)

	var check struct {
		Blocked  bool            `json:"blocked"`
		Category models.Category `json:"category"`
	}
	decode(t, do(t, ts, "GET", "/api/rules/check?domain=www.games.example", tk, ""), &check)
	if !check.Blocked {
		t.Error("custom rule not enforced")
	}
	decode(t, do(t, ts, "GET", "/api/rules/check?domain=doubleclick.net", tk, ""), &check)
	if !check.Blocked || check.Category != models.CategoryAd {
		t.Errorf("builtin check = %+v", check)
	}

	var lists map[models.RuleType][]models.DomainRule
	decode(t, do(t, ts, "GET", "/api/rules", tk, ""), &lists)
	if len(lists[models.RuleTypeBlacklist]) != 1 || lists[models.RuleTypeWhitelist] == nil {
		t.Errorf("lists = %+v", lists)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid domain", "POST", "/api/rules", `{"domain":"not a domain","type":"blacklist"}`, http.StatusBadRequest},
		{"invalid type", "POST", "/api/rules", `{"domain":"x.example","type":"greylist"}`, http.StatusBadRequest},
		{"missing domain", "GET", "/api/rules/check", "", http.StatusBadRequest},
		{"delete", "DELETE", "/api/rules/" + rule.ID, "", http.StatusNoContent},
		{"delete again", "DELETE", "/api/rules/" + rule.ID, "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(t, ts, tt.method, tt.path, tk, tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d; want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSettingsAndConnection(t *testing.T) {
	ts := newServer(t, 1000)
	const tk = "static-token"

	var s models.Settings
	resp := do(t, ts, "PUT", "/api/settings", tk, `{"childProtection":true,"healthCheckIntervalSec":600}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings = %d", resp.StatusCode)
	}
	decode(t, do(t, ts, "GET", "/api/settings", tk, ""), &s)
	if !s.ChildProtection || s.HealthCheckIntervalSec != 600 {
		t.Errorf("settings = %+v", s)
	}
	if resp := do(t, ts, "PUT", "/api/settings", tk, `{"preferredProvider":"ghost"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown provider = %d; want 400", resp.StatusCode)
	}

	// tunnel mode none
	if resp := do(t, ts, "POST", "/api/connection/connect", tk, ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("connect = %d; want 503", resp.StatusCode)
	}
	var snap struct {
		State     string `json:"state"`
		LastError string `json:"lastError"`
	}
	decode(t, do(t, ts, "GET", "/api/connection", tk, ""), &snap)
	if snap.State != "disconnected" || snap.LastError == "" {
		t.Errorf("connection = %+v", snap)
	}
}

func TestStatsAndLogs(t *testing.T) {
	ts := newServer(t, 1000)
	const tk = "static-token"

	var sum struct {
		BlockRate float64 `json:"blockRate"`
	}
	resp := do(t, ts, "GET", "/api/stats", tk, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats = %d", resp.StatusCode)
	}
	decode(t, resp, &sum)
	if sum.BlockRate != 0 {
		t.Errorf("block rate on empty store = %v", sum.BlockRate)
	}
	if resp := do(t, ts, "DELETE", "/api/stats", tk, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear = %d", resp.StatusCode)
	}

	var logs []models.DnsLog
	decode(t, do(t, ts, "GET", "/api/logs?limit=5", tk, ""), &logs)
	if len(logs) != 0 {
		t.Errorf("logs = %d", len(logs))
	}
	if resp := do(t, ts, "GET", "/api/logs?limit=x", tk, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit = %d", resp.StatusCode)
	}
}

func TestProviders(t *testing.T) {
	ts := newServer(t, 1000)
	const tk = "static-token"

	var hc models.HealthCheck
	decode(t, do(t, ts, "POST", "/api/providers/check?id=unknown", tk, ""), &hc)
	if hc.Status != models.HealthUnknown {
		t.Errorf("unknown provider status = %s", hc.Status)
	}

	var providers []models.DnsProvider
	decode(t, do(t, ts, "GET", "/api/providers", tk, ""), &providers)
	if len(providers) != 1 || providers[0].ID != "local" {
		t.Errorf("providers = %+v", providers)
	}
}

func TestRateLimit(t *testing.T) {
	ts := newServer(t, 1)

	var limited bool
	for i := 0; i < 5; i++ {
		if do(t, ts, "GET", "/api/health", "", "").StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("rate limit never applied")
	}
}

func TestMetrics(t *testing.T) {
	ts := newServer(t, 1000)
	resp := do(t, ts, "GET", "/metrics", "", "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "dnsguard_connected") {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}
