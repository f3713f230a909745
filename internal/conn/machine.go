// Package conn keeps the user-visible connected flag in step with the tunnel.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/winspan/dnsguard/internal/latency"
	"github.com/winspan/dnsguard/internal/models"
	"github.com/winspan/dnsguard/internal/storage"
	"github.com/winspan/dnsguard/internal/tunnel"
	"github.com/winspan/dnsguard/pkg/logger"
)

var (
	ErrModuleUnavailable = errors.New("tunnel module unavailable")
	ErrStartFailed       = errors.New("tunnel failed to start")
	ErrPermissionDenied  = errors.New("tunnel permission denied")
)

// State is the persisted-facing connection state.
type State string

const (
	StateDisconnected       State = "disconnected"
	StateAwaitingPermission State = "awaiting-permission"
	StateConnected          State = "connected"
)

// Transient labels shown while an attempt is in flight.
const (
	PhaseIdle         = ""
	PhaseConnecting   = "connecting"
	PhaseReconnecting = "reconnecting"
)

var connectedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "dnsguard_connected",
	Help: "1 while the tunnel is reported connected",
})

func init() {
	prometheus.MustRegister(connectedGauge)
}

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State     State  `json:"state"`
	Phase     string `json:"phase,omitempty"`
	Connected bool   `json:"connected"`
	Latency   int64  `json:"latency,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Machine reconciles the remembered connection state with the tunnel. A nil
// tunnel behaves as a missing module.
type Machine struct {
	tun     tunnel.Tunnel
	store   storage.Store
	latency *latency.Signal
	log     *logger.Logger

	// op serializes Connect, Disconnect and OnAppForeground. It is never
	// held by tunnel callbacks.
	op sync.Mutex

	mu        sync.Mutex
	connected bool
	awaiting  bool
	phase     string
	lastSeen  *bool
	lastErr   string
	unsubs    []func()
}

func New(tun tunnel.Tunnel, store storage.Store, sig *latency.Signal, log *logger.Logger) *Machine {
	if sig == nil {
		sig = &latency.Signal{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Machine{tun: tun, store: store, latency: sig, log: log}
}

// Start loads the persisted flag and subscribes to tunnel status and
// permission events.
func (m *Machine) Start(ctx context.Context) error {
	var connected bool
	if _, err := storage.GetJSON(ctx, m.store, storage.KeyConnectionState, &connected); err != nil {
		return fmt.Errorf("load connection state: %w", err)
	}
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
	setGauge(connected)

	if m.tun == nil {
		return nil
	}
	m.unsubs = append(m.unsubs,
		m.tun.OnStatusChanged(func(up bool) { m.OnStatusChanged(context.Background(), up) }),
		m.tun.OnPermissionResult(func(res tunnel.PermissionResult) {
			if err := m.OnPermissionResult(context.Background(), res); err != nil {
				m.log.Warn("permission result: %v", err)
			}
		}),
	)
	return nil
}

// Close drops the tunnel subscriptions.
func (m *Machine) Close() {
	for _, fn := range m.unsubs {
		fn()
	}
	m.unsubs = nil
}

func setGauge(connected bool) {
	if connected {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
}

func (m *Machine) persist(ctx context.Context, connected bool) error {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
	setGauge(connected)
	return storage.SetJSON(ctx, m.store, storage.KeyConnectionState, connected)
}

func (m *Machine) setPhase(phase string) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
}

func (m *Machine) setError(err error) {
	m.mu.Lock()
	if err == nil {
		m.lastErr = ""
	} else {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
}

// State returns the current snapshot.
func (m *Machine) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{State: StateDisconnected, Phase: m.phase, Connected: m.connected, LastError: m.lastErr}
	switch {
	case m.connected:
		s.State = StateConnected
	case m.awaiting:
		s.State = StateAwaitingPermission
	}
	if v, ok := m.latency.Get(); ok {
		s.Latency = v
	}
	return s
}

// Connect starts the tunnel. When the tunnel asks for permission it returns
// nil with the state left disconnected; the outcome arrives through
// OnPermissionResult.
func (m *Machine) Connect(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.connect(ctx, PhaseConnecting)
}

func (m *Machine) connect(ctx context.Context, phase string) error {
	if m.tun == nil {
		m.setError(ErrModuleUnavailable)
		return ErrModuleUnavailable
	}

	m.setPhase(phase)
	res, err := m.tun.Start(ctx)
	m.setPhase(PhaseIdle)

	if err != nil {
		if errors.Is(err, tunnel.ErrUnavailable) {
			err = ErrModuleUnavailable
		} else {
			err = fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
		m.setError(err)
		return err
	}

	if res.RequiresPermission {
		m.mu.Lock()
		m.awaiting = true
		m.mu.Unlock()
		m.setError(nil)
		return m.persist(ctx, false)
	}
	if !res.Success {
		m.setError(ErrStartFailed)
		return ErrStartFailed
	}

	m.mu.Lock()
	m.awaiting = false
	m.mu.Unlock()
	m.setError(nil)
	return m.persist(ctx, true)
}

// OnPermissionResult completes a connect that was waiting for permission.
// A denial is returned as ErrPermissionDenied.
func (m *Machine) OnPermissionResult(ctx context.Context, res tunnel.PermissionResult) error {
	m.mu.Lock()
	m.awaiting = false
	m.mu.Unlock()

	if res.Success {
		m.setError(nil)
		return m.persist(ctx, true)
	}

	denied := fmt.Errorf("%w: %s", ErrPermissionDenied, res.Error)
	m.setError(denied)
	if err := m.persist(ctx, false); err != nil {
		return errors.Join(denied, err)
	}
	return denied
}

// Disconnect stops the tunnel and forgets the latency.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if m.tun == nil {
		return ErrModuleUnavailable
	}
	stopErr := m.tun.Stop(ctx)

	m.mu.Lock()
	m.awaiting = false
	m.mu.Unlock()

	err := m.persist(ctx, false)
	m.latency.Clear()
	if stopErr != nil {
		return fmt.Errorf("stop tunnel: %w", stopErr)
	}
	return err
}

// OnStatusChanged applies a status pushed by the tunnel. Repeats of the last
// seen value are ignored; otherwise the tunnel's value wins.
func (m *Machine) OnStatusChanged(ctx context.Context, connected bool) {
	m.mu.Lock()
	if m.lastSeen != nil && *m.lastSeen == connected {
		m.mu.Unlock()
		return
	}
	m.lastSeen = &connected
	drift := m.connected != connected
	m.mu.Unlock()

	if !drift {
		return
	}
	m.log.Info("tunnel reports connected=%v, correcting state", connected)
	if err := m.persist(ctx, connected); err != nil {
		m.log.Warn("persist connection state: %v", err)
	}
}

// OnAppForeground reconciles against the tunnel's real status. If the tunnel
// died while in the background exactly one reconnect is attempted.
func (m *Machine) OnAppForeground(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	if m.tun == nil {
		return ErrModuleUnavailable
	}
	actual, err := m.tun.Status(ctx)
	if err != nil {
		return fmt.Errorf("tunnel status: %w", err)
	}

	m.mu.Lock()
	prior := m.connected
	m.mu.Unlock()

	if actual != prior {
		m.log.Info("status drift: remembered=%v actual=%v", prior, actual)
		if err := m.persist(ctx, actual); err != nil {
			m.log.Warn("persist connection state: %v", err)
		}
		if prior && !actual {
			if err := m.connect(ctx, PhaseReconnecting); err != nil {
				m.log.Error("reconnect after foreground: %v", err)
			}
		}
	}

	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()

	if _, known := m.latency.Get(); connected && !known {
		m.recoverLatency(ctx)
	}
	return nil
}

// recoverLatency publishes the latency of the newest allowed log.
func (m *Machine) recoverLatency(ctx context.Context) {
	var logs []models.DnsLog
	if _, err := storage.GetJSON(ctx, m.store, storage.KeyLogs, &logs); err != nil {
		m.log.Warn("recover latency: %v", err)
		return
	}

	var (
		best  models.DnsLog
		found bool
	)
	for _, l := range logs {
		if l.Status != models.StatusAllowed || l.Latency <= 0 {
			continue
		}
		if !found || l.Time().After(best.Time()) {
			best, found = l, true
		}
	}
	if found {
		m.latency.Set(best.Latency)
	}
}
