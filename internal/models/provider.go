package models

// Protocol is a DNS transport
type Protocol string

const (
	ProtocolDoH Protocol = "doh"
	ProtocolDoT Protocol = "dot"
	ProtocolUDP Protocol = "udp"
)

// protocolPriority lists protocols best first.
var protocolPriority = []Protocol{ProtocolDoH, ProtocolDoT, ProtocolUDP}

// HealthStatus classifies a probe result
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthSlow    HealthStatus = "slow"
	HealthTimeout HealthStatus = "timeout"
	HealthUnknown HealthStatus = "unknown"
)

// DnsProvider is static upstream configuration.
type DnsProvider struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Protocols []Protocol `json:"protocols"`
	Region    string     `json:"region"`

	DoHURL  string `json:"dohUrl,omitempty"`  // https://dns.example/dns-query
	DoTAddr string `json:"dotAddr,omitempty"` // host:853
	UDPAddr string `json:"udpAddr,omitempty"` // ip:53
}

// Supports reports whether p is offered by the provider.
func (p DnsProvider) Supports(proto Protocol) bool {
	for _, x := range p.Protocols {
		if x == proto {
			return true
		}
	}
	return false
}

// BestProtocol picks DoH > DoT > UDP among the provider's protocols.
func (p DnsProvider) BestProtocol() (Protocol, bool) {
	for _, proto := range protocolPriority {
		if p.Supports(proto) {
			return proto, true
		}
	}
	return "", false
}

// HealthCheck is the latest probe result for one provider.
type HealthCheck struct {
	ProviderID string       `json:"providerId"`
	Latency    int64        `json:"latency"` // ms, -1 = unknown
	Status     HealthStatus `json:"status"`
	LastCheck  string       `json:"lastCheck"`
	Protocol   Protocol     `json:"protocol"`
}
