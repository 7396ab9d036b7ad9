// Package heartbeat declares a websocket peer silent once nothing has been
// heard from it for longer than a timeout.
package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrSilent is returned by Run when the peer stopped answering.
var ErrSilent = errors.New("peer went silent")

// Pinger is satisfied by *websocket.Conn.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks the last time the peer was heard from. Every inbound
// message and every answered ping counts.
type Monitor struct {
	lastSeen atomic.Int64
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

func New(interval, timeout time.Duration) *Monitor {
	m := &Monitor{interval: interval, timeout: timeout, now: time.Now}
	m.Touch()
	return m
}

// Touch records activity from the peer.
func (m *Monitor) Touch() {
	m.lastSeen.Store(m.now().UnixNano())
}

// LastSeen returns the time of the most recent Touch.
func (m *Monitor) LastSeen() time.Time {
	return time.Unix(0, m.lastSeen.Load())
}

// Silent reports whether the timeout has elapsed since the last Touch.
func (m *Monitor) Silent() bool {
	return m.now().Sub(m.LastSeen()) > m.timeout
}

// Run pings p every interval until ctx ends or the peer is silent. Each
// ping is bounded by the remaining silence budget.
func (m *Monitor) Run(ctx context.Context, p Pinger) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if m.Silent() {
			return ErrSilent
		}
		budget := m.timeout - m.now().Sub(m.LastSeen())
		if budget < m.interval {
			budget = m.interval
		}
		seen := m.lastSeen.Load()
		pctx, cancel := context.WithTimeout(ctx, budget)
		err := p.Ping(pctx)
		expired := ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded)
		cancel()
		if err == nil {
			m.Touch()
			continue
		}
		// An expired ping used up the whole silence budget.
		if (expired && m.lastSeen.Load() == seen) || m.Silent() {
			return ErrSilent
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
