// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Presenter is the UI capability the notifier drives. It belongs to the
// host application; the notifier only decides when to call it.
type Presenter interface {
	ShowToast(message string)
	ShowBanner(message string)
	HideBanner()
}

// NotifierConfig configures the conflict notification service. The two
// callbacks are observability hooks for the host; they carry no
// control-flow responsibility here.
type NotifierConfig struct {
	EnableToasts           bool
	EnablePersistentBanner bool
	AutoDetectionInterval  time.Duration
	MaxToastsPerSession    int
	OnConflictDetected     func(conflicts []ConflictRecord)
	OnConflictResolved     func(conflictID string)
}

// DefaultNotifierConfig returns the defaulted configuration.
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		EnableToasts:           true,
		EnablePersistentBanner: true,
		AutoDetectionInterval:  30 * time.Second,
		MaxToastsPerSession:    5,
	}
}

// Notifier is the rate-limited, user-facing conflict presenter. Its
// lifecycle is explicit: Initialize starts a periodic detection sweep
// over the replica's unresolved conflicts, Shutdown stops it and clears
// session counters.
type Notifier struct {
	replica   *Replica
	presenter Presenter
	config    *NotifierConfig
	logger    *slog.Logger

	// events, when set, wakes the sweep as soon as the orchestrator
	// detects a conflict instead of waiting out the interval.
	events <-chan ConflictRecord

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	shown    map[string]bool
	resolved map[string]bool
	toasts   int
	banner   bool
}

// NewNotifier validates the configuration and creates the service.
// events may be nil; pass Client.Conflicts() to get immediate sweeps.
func NewNotifier(replica *Replica, presenter Presenter, config *NotifierConfig, events <-chan ConflictRecord, logger *slog.Logger) (*Notifier, error) {
	if replica == nil {
		return nil, fmt.Errorf("replica is required")
	}
	if presenter == nil {
		return nil, fmt.Errorf("presenter is required")
	}
	if config == nil {
		config = DefaultNotifierConfig()
	}
	if config.AutoDetectionInterval <= 0 {
		config.AutoDetectionInterval = DefaultNotifierConfig().AutoDetectionInterval
	}
	if config.MaxToastsPerSession < 0 {
		return nil, fmt.Errorf("MaxToastsPerSession must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		replica:   replica,
		presenter: presenter,
		config:    config,
		events:    events,
		logger:    logger,
	}, nil
}

// Initialize starts the detection sweep. Calling it twice without a
// Shutdown in between is an error.
func (n *Notifier) Initialize(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("notifier already initialized")
	}
	ctx, cancel := context.WithCancel(ctx)
	n.running = true
	n.cancel = cancel
	n.done = make(chan struct{})
	n.shown = make(map[string]bool)
	n.resolved = make(map[string]bool)
	n.toasts = 0
	n.banner = false
	go n.loop(ctx)
	return nil
}

// Shutdown stops the sweep and clears session counters.
func (n *Notifier) Shutdown() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	cancel := n.cancel
	done := n.done
	n.mu.Unlock()

	cancel()
	<-done
}

func (n *Notifier) loop(ctx context.Context) {
	defer close(n.done)
	ticker := time.NewTicker(n.config.AutoDetectionInterval)
	defer ticker.Stop()

	n.Sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Sweep()
		case _, ok := <-n.events:
			if !ok {
				n.events = nil
				continue
			}
			n.Sweep()
		}
	}
}

// Sweep runs one detection pass: unresolved conflicts not yet shown this
// session produce a toast (bounded by MaxToastsPerSession), the banner is
// raised while any unresolved conflict exists, and conflicts seen earlier
// that are no longer unresolved trigger the resolved hook.
func (n *Notifier) Sweep() {
	unresolved, err := n.replica.ListUnresolvedConflicts()
	if err != nil {
		n.logger.Warn("conflict sweep failed", "error", err)
		return
	}

	n.mu.Lock()
	open := make(map[string]bool, len(unresolved))
	var fresh []ConflictRecord
	for _, c := range unresolved {
		open[c.ID] = true
		if !n.shown[c.ID] {
			n.shown[c.ID] = true
			fresh = append(fresh, c)
		}
	}

	var toasts []string
	for _, c := range fresh {
		if !n.config.EnableToasts {
			break
		}
		if n.toasts >= n.config.MaxToastsPerSession {
			// Over budget: still recorded as unresolved, just not toasted.
			break
		}
		n.toasts++
		toasts = append(toasts, conflictMessage(c))
	}

	var resolvedIDs []string
	for id := range n.shown {
		if !open[id] && !n.resolved[id] {
			n.resolved[id] = true
			resolvedIDs = append(resolvedIDs, id)
		}
	}

	showBanner := n.config.EnablePersistentBanner && len(unresolved) > 0 && !n.banner
	hideBanner := n.banner && len(unresolved) == 0
	if showBanner {
		n.banner = true
	}
	if hideBanner {
		n.banner = false
	}
	n.mu.Unlock()

	for _, msg := range toasts {
		n.presenter.ShowToast(msg)
	}
	if showBanner {
		n.presenter.ShowBanner(fmt.Sprintf("%d sync conflict(s) need review", len(unresolved)))
	}
	if hideBanner {
		n.presenter.HideBanner()
	}
	if len(fresh) > 0 && n.config.OnConflictDetected != nil {
		n.config.OnConflictDetected(fresh)
	}
	if n.config.OnConflictResolved != nil {
		for _, id := range resolvedIDs {
			n.config.OnConflictResolved(id)
		}
	}
}

func conflictMessage(c ConflictRecord) string {
	if c.RemoteDeleted {
		return fmt.Sprintf("Sync conflict: %s was deleted on the server while you edited it", entityLabel(c.Type))
	}
	return fmt.Sprintf("Sync conflict: %s changed on the server while you edited it", entityLabel(c.Type))
}

func entityLabel(t EntityType) string {
	switch t {
	case TableItems:
		return "an item"
	case TableContainers:
		return "a container"
	case TableCategories:
		return "a category"
	case TableLocations:
		return "a location"
	case TableSources:
		return "a source"
	default:
		return "a record"
	}
}
