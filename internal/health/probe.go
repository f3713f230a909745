package health

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/winspan/dnsguard/internal/models"
)

// Probe measures one round trip to a provider over a single protocol.
type Probe interface {
	Probe(ctx context.Context, provider models.DnsProvider, domain string) (time.Duration, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, provider models.DnsProvider, domain string) (time.Duration, error)

func (f ProbeFunc) Probe(ctx context.Context, provider models.DnsProvider, domain string) (time.Duration, error) {
	return f(ctx, provider, domain)
}

var errNoEndpoint = errors.New("provider has no endpoint for protocol")

// DefaultProbes returns real wire probes for every protocol.
func DefaultProbes() map[models.Protocol]Probe {
	return map[models.Protocol]Probe{
		models.ProtocolDoH: &DoHProbe{Client: &http.Client{}},
		models.ProtocolDoT: &ExchangeProbe{Net: "tcp-tls"},
		models.ProtocolUDP: &ExchangeProbe{Net: "udp"},
	}
}

func testQuery(domain string) *mdns.Msg {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(domain), mdns.TypeA)
	m.RecursionDesired = true
	return m
}

// DoHProbe POSTs a wire-format query with Content-Type application/dns-message.
type DoHProbe struct {
	Client *http.Client
}

func (p *DoHProbe) Probe(ctx context.Context, provider models.DnsProvider, domain string) (time.Duration, error) {
	if provider.DoHURL == "" {
		return 0, errNoEndpoint
	}

	q := testQuery(domain)
	q.Id = 0 // RFC 8484 section 4.1
	packed, err := q.Pack()
	if err != nil {
		return 0, fmt.Errorf("pack query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.DoHURL, bytes.NewReader(packed))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	rtt := time.Since(start)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("doh status %d", resp.StatusCode)
	}

	reply := new(mdns.Msg)
	if err := reply.Unpack(body); err != nil {
		return 0, fmt.Errorf("unpack reply: %w", err)
	}
	return rtt, nil
}

// ExchangeProbe sends a query with a miekg/dns client. Net is "udp", "tcp"
// or "tcp-tls".
type ExchangeProbe struct {
	Net string
}

func (p *ExchangeProbe) Probe(ctx context.Context, provider models.DnsProvider, domain string) (time.Duration, error) {
	addr := provider.UDPAddr
	if p.Net == "tcp-tls" {
		addr = provider.DoTAddr
	}
	if addr == "" {
		return 0, errNoEndpoint
	}

	c := &mdns.Client{Net: p.Net}
	if p.Net == "tcp-tls" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return 0, err
		}
		c.TLSConfig = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	_, rtt, err := c.ExchangeContext(ctx, testQuery(domain), addr)
	if err != nil {
		return 0, err
	}
	return rtt, nil
}
