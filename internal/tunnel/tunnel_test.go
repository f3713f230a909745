package tunnel

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/winspan/dnsguard/internal/models"
)

type blockSuffix string

func (b blockSuffix) ShouldBlock(domain string) bool {
	return strings.HasSuffix(domain, string(b))
}

type staticUpstream string

func (s staticUpstream) Upstream() (string, bool) { return string(s), s != "" }

func startUpstream(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp not available: %v", err)
	}
	srv := &mdns.Server{PacketConn: pc, Handler: mdns.HandlerFunc(func(w mdns.ResponseWriter, r *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(r)
		rr, _ := mdns.NewRR(r.Question[0].Name + " 60 IN A 192.0.2.7")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestLocal_BlocksAndForwards(t *testing.T) {
	upstream := startUpstream(t)

	l := NewLocal(LocalOptions{
		Listen:    "127.0.0.1:0",
		Decider:   blockSuffix("ads.example"),
		Upstreams: staticUpstream(upstream),
		Timeout:   time.Second,
	})

	var (
		mu     sync.Mutex
		events []models.DnsRequestEvent
		status []bool
	)
	unsub := l.OnDNSRequest(func(ev models.DnsRequestEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	defer unsub()
	l.OnStatusChanged(func(up bool) {
		mu.Lock()
		status = append(status, up)
		mu.Unlock()
	})

	ctx := context.Background()
	res, err := l.Start(ctx)
	if err != nil || !res.Success {
		t.Fatalf("Start = %+v, %v", res, err)
	}
	defer l.Stop(ctx)

	if up, _ := l.Status(ctx); !up {
		t.Fatal("Status false after Start")
	}

	c := &mdns.Client{Net: "udp", Timeout: time.Second}

	q := new(mdns.Msg)
	q.SetQuestion("www.ads.example.", mdns.TypeA)
	resp, _, err := c.Exchange(q, l.Addr())
	if err != nil {
		t.Fatalf("exchange blocked: %v", err)
	}
	if resp.Rcode != mdns.RcodeNameError {
		t.Errorf("blocked rcode = %d; want NXDOMAIN", resp.Rcode)
	}

	q.SetQuestion("Good.Example.", mdns.TypeA)
	resp, _, err = c.Exchange(q, l.Addr())
	if err != nil {
		t.Fatalf("exchange allowed: %v", err)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("allowed answer = %v", resp.Answer)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events; want 2", len(events))
	}
	if events[0].Status != models.StatusBlocked || events[0].Category != models.CategoryBlocked || events[0].Domain != "www.ads.example" {
		t.Errorf("blocked event = %+v", events[0])
	}
	if events[1].Status != models.StatusAllowed || events[1].Category != "192.0.2.7" || events[1].Domain != "good.example" {
		t.Errorf("allowed event = %+v", events[1])
	}
	if len(status) != 1 || !status[0] {
		t.Errorf("status events = %v", status)
	}
}

func TestLocal_ResolveFailed(t *testing.T) {
	// nothing listens on the discard port
	l := NewLocal(LocalOptions{Listen: "127.0.0.1:0", Fallback: "127.0.0.1:9", Timeout: 200 * time.Millisecond})

	got := make(chan models.DnsRequestEvent, 1)
	l.OnDNSRequest(func(ev models.DnsRequestEvent) { got <- ev })

	ctx := context.Background()
	if _, err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop(ctx)

	q := new(mdns.Msg)
	q.SetQuestion("nowhere.example.", mdns.TypeA)
	c := &mdns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(q, l.Addr())
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if resp.Rcode != mdns.RcodeServerFailure {
		t.Errorf("rcode = %d; want SERVFAIL", resp.Rcode)
	}

	select {
	case ev := <-got:
		if ev.Category != models.CategoryResolveFailed || ev.Latency != 0 {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestLocal_StopReportsDown(t *testing.T) {
	l := NewLocal(LocalOptions{Listen: "127.0.0.1:0"})
	ctx := context.Background()

	if _, err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	down := make(chan bool, 1)
	l.OnStatusChanged(func(up bool) { down <- up })

	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if up := <-down; up {
		t.Error("status event after Stop = true")
	}
	if up, _ := l.Status(ctx); up {
		t.Error("Status true after Stop")
	}
	if err := l.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestMock(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	m.QueueStart(StartResult{RequiresPermission: true}, nil)
	res, _ := m.Start(ctx)
	if !res.RequiresPermission {
		t.Fatal("queued reply not returned")
	}
	if up, _ := m.Status(ctx); up {
		t.Fatal("running before permission")
	}

	var perm PermissionResult
	m.OnPermissionResult(func(p PermissionResult) { perm = p })
	m.EmitPermission(PermissionResult{Success: true})
	if !perm.Success {
		t.Fatal("permission not delivered")
	}
	if up, _ := m.Status(ctx); !up {
		t.Fatal("not running after permission")
	}

	unsub := m.OnDNSRequest(func(models.DnsRequestEvent) {})
	if m.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", m.Subscribers())
	}
	unsub()
	unsub()
	if m.Subscribers() != 0 {
		t.Fatalf("subscribers after unsubscribe = %d", m.Subscribers())
	}
}
