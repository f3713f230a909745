package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/pkg/logger"
)

var (
	tunnelQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dnsguard_tunnel_queries_total",
			Help: "Queries answered by the local tunnel",
		},
		[]string{"status"},
	)
	tunnelUpstreamLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dnsguard_tunnel_upstream_latency_seconds",
			Help:    "Upstream exchange latency seen by the local tunnel",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(tunnelQueries, tunnelUpstreamLatency)
}

// Decider decides whether a domain is blocked.
type Decider interface {
	ShouldBlock(domain string) bool
}

// UpstreamSelector names the plain DNS upstream to forward to.
type UpstreamSelector interface {
	Upstream() (string, bool)
}

// LocalOptions configures a Local tunnel.
type LocalOptions struct {
	Listen    string // udp address, e.g. 127.0.0.1:5353
	Fallback  string // used when the selector has no healthy upstream
	Decider   Decider
	Upstreams UpstreamSelector
	Timeout   time.Duration
	Logger    *logger.Logger
}

// Local is a reference tunnel: a UDP DNS server that blocks what the
// Decider rejects, forwards the rest, and reports every query.
type Local struct {
	events
	opts LocalOptions
	log  *logger.Logger

	mu     sync.Mutex
	server *mdns.Server
	addr   string
}

func NewLocal(opts LocalOptions) *Local {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Local{opts: opts, log: log}
}

// Start binds the listen address. It never asks for permission.
func (l *Local) Start(ctx context.Context) (StartResult, error) {
	l.mu.Lock()
	if l.server != nil {
		l.mu.Unlock()
		return StartResult{Success: true}, nil
	}

	pc, err := net.ListenPacket("udp", l.opts.Listen)
	if err != nil {
		l.mu.Unlock()
		return StartResult{}, fmt.Errorf("listen %s: %w", l.opts.Listen, err)
	}

	started := make(chan struct{})
	srv := &mdns.Server{
		PacketConn:        pc,
		Handler:           mdns.HandlerFunc(l.handle),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			l.log.Error("udp serve err: %v", err)
		}
	}()

	select {
	case <-started:
	case <-ctx.Done():
		_ = srv.Shutdown()
		l.mu.Unlock()
		return StartResult{}, ctx.Err()
	}

	l.server = srv
	l.addr = pc.LocalAddr().String()
	l.mu.Unlock()

	l.log.Info("local tunnel listening on %s", l.addr)
	l.status.publish(true)
	return StartResult{Success: true}, nil
}

func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	srv := l.server
	l.server = nil
	l.addr = ""
	l.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.ShutdownContext(ctx)
	l.status.publish(false)
	return err
}

func (l *Local) Status(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.server != nil, nil
}

// Addr returns the bound address while running.
func (l *Local) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *Local) handle(w mdns.ResponseWriter, r *mdns.Msg) {
	if len(r.Question) == 0 {
		_ = w.WriteMsg(new(mdns.Msg))
		return
	}
	name := strings.TrimSuffix(strings.ToLower(r.Question[0].Name), ".")
	ev := models.DnsRequestEvent{
		Domain:    name,
		Timestamp: models.FormatTimestamp(time.Now()),
		Status:    models.StatusAllowed,
	}

	if l.opts.Decider != nil && l.opts.Decider.ShouldBlock(name) {
		ev.Status = models.StatusBlocked
		ev.Category = models.CategoryBlocked
		l.report(ev)

		m := new(mdns.Msg)
		m.SetRcode(r, mdns.RcodeNameError)
		_ = w.WriteMsg(m)
		return
	}

	resp, rtt, err := l.forward(r)
	if err != nil {
		l.log.Debug("forward %s: %v", name, err)
		ev.Category = models.CategoryResolveFailed
		l.report(ev)

		m := new(mdns.Msg)
		m.SetRcode(r, mdns.RcodeServerFailure)
		_ = w.WriteMsg(m)
		return
	}

	ev.Category = firstAddress(resp)
	ev.Latency = rtt.Milliseconds()
	l.report(ev)
	_ = w.WriteMsg(resp)
}

func (l *Local) report(ev models.DnsRequestEvent) {
	tunnelQueries.WithLabelValues(string(ev.Status)).Inc()
	l.requests.publish(ev)
}

func (l *Local) forward(req *mdns.Msg) (*mdns.Msg, time.Duration, error) {
	var addrs []string
	if l.opts.Upstreams != nil {
		if addr, ok := l.opts.Upstreams.Upstream(); ok {
			addrs = append(addrs, addr)
		}
	}
	if l.opts.Fallback != "" {
		addrs = append(addrs, l.opts.Fallback)
	}

	var lastErr error
	for _, addr := range addrs {
		c := &mdns.Client{Net: "udp", Timeout: l.opts.Timeout}
		resp, rtt, err := c.Exchange(req, addr)
		if err == nil && resp != nil {
			tunnelUpstreamLatency.Observe(rtt.Seconds())
			return resp, rtt, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no upstream")
	}
	return nil, 0, lastErr
}

// firstAddress returns the first A/AAAA record of resp, or "".
func firstAddress(resp *mdns.Msg) string {
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *mdns.A:
			return v.A.String()
		case *mdns.AAAA:
			return v.AAAA.String()
		}
	}
	return ""
}
