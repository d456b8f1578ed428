// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor tracks whether the client should operate offline. Offline is
// true if either the live network signal reports unreachable or the
// persisted manual override is set. Subscribers are notified of changes
// after a debounce interval so rapid flips do not trigger duplicate
// replay passes.
type Monitor struct {
	replica  *Replica
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.Mutex
	reachable bool
	subs      map[int]func(offline bool)
	nextSub   int
	timer     *time.Timer
	lastSent  bool
	sentOnce  bool
}

// DefaultDebounce is the notification debounce used when none is given.
const DefaultDebounce = 500 * time.Millisecond

// NewMonitor creates a connectivity monitor persisting its manual
// override through the given replica. The network starts out assumed
// reachable until SetReachable or a probe says otherwise.
func NewMonitor(replica *Replica, debounce time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{
		replica:   replica,
		logger:    logger,
		debounce:  debounce,
		reachable: true,
		subs:      make(map[int]func(bool)),
	}
}

// IsOffline reports the current mode. A failure reading the persisted
// override fails closed: the monitor reports offline rather than risking
// false confidence in connectivity during a sync attempt.
func (m *Monitor) IsOffline() bool {
	manual, err := m.replica.ManualOffline()
	if err != nil {
		m.logger.Warn("failed to read manual offline flag, treating as offline", "error", err)
		return true
	}
	m.mu.Lock()
	reachable := m.reachable
	m.mu.Unlock()
	return manual || !reachable
}

// SetReachable feeds the live network signal, typically from the host
// platform or from a probe loop.
func (m *Monitor) SetReachable(ok bool) {
	m.mu.Lock()
	changed := m.reachable != ok
	m.reachable = ok
	m.mu.Unlock()
	if changed {
		m.scheduleNotify()
	}
}

// SetManualOffline persists the user-forced offline toggle and notifies
// subscribers.
func (m *Monitor) SetManualOffline(on bool) error {
	if err := m.replica.SetManualOffline(on); err != nil {
		return err
	}
	m.scheduleNotify()
	return nil
}

// Subscribe registers a callback invoked (debounced) whenever the offline
// mode changes. The returned function unsubscribes.
func (m *Monitor) Subscribe(fn func(offline bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) scheduleNotify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	if m.debounce == 0 {
		go m.notify()
		return
	}
	m.timer = time.AfterFunc(m.debounce, m.notify)
}

func (m *Monitor) notify() {
	offline := m.IsOffline()
	m.mu.Lock()
	if m.sentOnce && m.lastSent == offline {
		m.mu.Unlock()
		return
	}
	m.sentOnce = true
	m.lastSent = offline
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(offline)
	}
}

// Watch runs a reachability probe on a fixed interval until ctx is done,
// feeding the result into SetReachable.
func (m *Monitor) Watch(ctx context.Context, probe func(context.Context) bool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetReachable(probe(ctx))
		}
	}
}

// HTTPProbe returns a probe that issues a HEAD request against url and
// treats any response, regardless of status, as reachable.
func HTTPProbe(client *http.Client, url string) func(context.Context) bool {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}
