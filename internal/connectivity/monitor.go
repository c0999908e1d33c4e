// Package connectivity tracks reachability of the Odoo server and the
// kind of link the device is on. Sync policy gates on both: metered
// links can be excluded from heavy sync work.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"
)

// LinkType is a coarse hint about the current network link. The daemon
// has no radio access of its own; the hint is pushed in from outside
// (CLI, platform agent) and defaults to unknown.
type LinkType string

const (
	LinkUnknown LinkType = "unknown"
	LinkWifi    LinkType = "wifi"
	LinkCell    LinkType = "cellular"
)

// Monitor probes the server and fans out online/offline transitions.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client

	mu       sync.RWMutex
	online   bool
	link     LinkType
	onChange []func(online bool)

	stop chan struct{}
	done chan struct{}
}

// New builds a monitor probing probeURL every interval. The monitor
// starts pessimistic: offline until the first probe succeeds.
func New(probeURL string, interval time.Duration) *Monitor {
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		link:     LinkUnknown,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the probe loop. An immediate probe runs before the
// first tick so startup does not wait a full interval.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		m.probe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

// IsOnline reports the last probe verdict.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Link returns the current link type hint.
func (m *Monitor) Link() LinkType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.link
}

// SetLink updates the link hint.
func (m *Monitor) SetLink(link LinkType) {
	m.mu.Lock()
	m.link = link
	m.mu.Unlock()
	log.Printf("📶 Link type now %s", link)
}

// OnChange registers a callback fired on every online/offline
// transition. Callbacks run on the probe goroutine; keep them short.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// SetOnline forces the verdict, bypassing probes. Used by tests and by
// transports that learn about reachability before the next probe.
func (m *Monitor) SetOnline(online bool) {
	m.transition(online)
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.transition(false)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.transition(false)
		return
	}
	resp.Body.Close()
	// Any HTTP answer means the server is reachable, auth included.
	m.transition(true)
}

func (m *Monitor) transition(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	callbacks := make([]func(bool), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		log.Printf("✅ Server reachable")
	} else {
		log.Printf("⚠️ Server unreachable, entering offline mode")
	}
	for _, fn := range callbacks {
		fn(online)
	}
}
