package tunnel

import (
	"context"
	"sync"

	"github.com/winspan/dnsguard/internal/models"
)

type startReply struct {
	res StartResult
	err error
}

// Mock is a scriptable Tunnel. Start succeeds unless replies were queued
// with QueueStart.
type Mock struct {
	events

	mu         sync.Mutex
	replies    []startReply
	running    bool
	statusErr  error
	startCalls int
	stopCalls  int
}

func NewMock() *Mock { return &Mock{} }

// QueueStart makes the next Start call return res and err.
func (m *Mock) QueueStart(res StartResult, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, startReply{res, err})
}

func (m *Mock) Start(ctx context.Context) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls++

	reply := startReply{res: StartResult{Success: true}}
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	if reply.err == nil && reply.res.Success && !reply.res.RequiresPermission {
		m.running = true
	}
	return reply.res, reply.err
}

func (m *Mock) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
	m.running = false
	return nil
}

func (m *Mock) Status(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running, m.statusErr
}

// SetRunning changes the reported status without emitting an event, the
// way a tunnel killed in the background would.
func (m *Mock) SetRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

// FailStatus makes Status return err.
func (m *Mock) FailStatus(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

func (m *Mock) StartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

func (m *Mock) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

// EmitDNSRequest delivers ev to every OnDNSRequest subscriber.
func (m *Mock) EmitDNSRequest(ev models.DnsRequestEvent) { m.requests.publish(ev) }

// EmitStatus sets the running flag and notifies OnStatusChanged subscribers.
func (m *Mock) EmitStatus(connected bool) {
	m.SetRunning(connected)
	m.status.publish(connected)
}

// EmitPermission notifies OnPermissionResult subscribers. A granted
// permission marks the tunnel running.
func (m *Mock) EmitPermission(res PermissionResult) {
	if res.Success {
		m.SetRunning(true)
	}
	m.permissions.publish(res)
}

// Subscribers reports the number of live OnDNSRequest subscriptions.
func (m *Mock) Subscribers() int { return m.requests.len() }
