// Package netstate tracks whether the remote is reachable and announces
// transitions on the bus.
package netstate

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"go.uber.org/zap"
)

// Transition payload for net.online / net.offline events.
type Transition struct {
	Online bool
	Forced bool
}

// Monitor probes the remote with a TCP dial. A forced state from SetOnline
// wins over probing until Auto is called.
type Monitor struct {
	bus      *bus.Bus
	log      *zap.Logger
	addr     string
	interval time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	mu     sync.Mutex
	online bool
	forced bool
}

// New returns a monitor that starts online. An empty addr disables probing.
func New(b *bus.Bus, addr string, interval time.Duration, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	d := &net.Dialer{Timeout: 3 * time.Second}
	return &Monitor{bus: b, log: log, addr: addr, interval: interval, dial: d.DialContext, online: true}
}

// Online reports the current connectivity signal.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline forces the state, suspending probes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.forced = true
	m.mu.Unlock()
	m.set(online, true)
}

// Auto resumes probing.
func (m *Monitor) Auto() {
	m.mu.Lock()
	m.forced = false
	m.mu.Unlock()
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.addr == "" {
		<-ctx.Done()
		return
	}
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one reachability check unless the state is forced.
func (m *Monitor) Probe(ctx context.Context) {
	m.mu.Lock()
	forced := m.forced
	m.mu.Unlock()
	if forced || m.addr == "" {
		return
	}

	conn, err := m.dial(ctx, "tcp", m.addr)
	if err != nil {
		m.log.Debug("probe failed", zap.String("addr", m.addr), zap.Error(err))
		m.set(false, false)
		return
	}
	_ = conn.Close()
	m.set(true, false)
}

func (m *Monitor) set(online, forced bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if !changed {
		return
	}

	kind := bus.NetOffline
	if online {
		kind = bus.NetOnline
	}
	m.log.Info("connectivity changed", zap.Bool("online", online), zap.Bool("forced", forced))
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(kind, Transition{Online: online, Forced: forced}))
	}
}
