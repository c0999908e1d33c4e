// Package entitycache composes the local cache store, the record
// gateway, and the offline queue into per-entity managers exposing
// cache-first reads and write-through (or queued) mutations.
package entitycache

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/fieldlink/odoofield/internal/cachestore"
	"github.com/fieldlink/odoofield/internal/metrics"
	"github.com/fieldlink/odoofield/internal/models"
	"github.com/fieldlink/odoofield/internal/odoo"
	"github.com/fieldlink/odoofield/internal/queue"
)

// RecordGateway is the slice of the Odoo gateway a manager consumes.
type RecordGateway interface {
	Count(ctx context.Context, model string, domain []any) (int, error)
	GetByID(ctx context.Context, model string, id int64, fields []string) (models.Record, error)
	Create(ctx context.Context, model string, values map[string]any) (int64, error)
	Update(ctx context.Context, model string, ids []int64, values map[string]any) error
	Delete(ctx context.Context, model string, ids []int64) error
	Invoke(ctx context.Context, model, method string, ids []int64, args []any, kwargs map[string]any) (any, error)
	FetchAll(ctx context.Context, req odoo.FetchAllRequest) ([]models.Record, error)
}

// State is the manager lifecycle. A Refreshing manager keeps serving
// stale reads; reads are never blocked by an in-flight refresh.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateLoading       State = "loading"
	StateReady         State = "ready"
	StateRefreshing    State = "refreshing"
)

// Manager serves one entity type.
type Manager struct {
	desc       Descriptor
	store      *cachestore.Store
	gw         RecordGateway
	q          *queue.Queue
	online     func() bool
	preferBulk func() bool

	mu    sync.Mutex // guards state and cached-set read-modify-write
	state State
}

// NewManager wires a manager for the given descriptor. online and
// preferBulk are live views onto connectivity state and sync settings.
func NewManager(desc Descriptor, store *cachestore.Store, gw RecordGateway, q *queue.Queue, online, preferBulk func() bool) *Manager {
	return &Manager{
		desc:       desc,
		store:      store,
		gw:         gw,
		q:          q,
		online:     online,
		preferBulk: preferBulk,
		state:      StateUninitialized,
	}
}

// Descriptor returns the entity descriptor.
func (m *Manager) Descriptor() Descriptor { return m.desc }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) allKey() string { return m.desc.Name + "/all" }
func (m *Manager) idsKey() string { return m.desc.Name + "/ids" }

// GetAll returns the full entity set, cache-first. forceRefresh bypasses
// the cache and refetches; stale reads keep flowing from cache while the
// refresh is in flight.
func (m *Manager) GetAll(ctx context.Context, forceRefresh bool) ([]models.Record, error) {
	if !forceRefresh {
		var recs []models.Record
		if m.store.GetJSON(m.allKey(), &recs) {
			m.setState(StateReady)
			return recs, nil
		}
	}

	m.beginFetch()
	recs, err := m.fetchAll(ctx)
	if err != nil {
		m.endFetch(false)
		// Gateway failed: last-known cache, even stale, beats nothing.
		var stale []models.Record
		if m.store.GetStaleJSON(m.allKey(), &stale) {
			log.Printf("⚠️ Serving stale %s after fetch failure: %v", m.desc.Name, err)
			return stale, nil
		}
		return nil, err
	}

	m.writeThrough(recs)
	m.endFetch(true)
	return recs, nil
}

func (m *Manager) fetchAll(ctx context.Context) ([]models.Record, error) {
	total, err := m.gw.Count(ctx, m.desc.Model, m.desc.Domain)
	if err != nil {
		return nil, err
	}
	return m.gw.FetchAll(ctx, odoo.FetchAllRequest{
		Model:      m.desc.Model,
		Domain:     m.desc.Domain,
		Fields:     m.desc.Fields,
		Expected:   total,
		PreferBulk: m.preferBulk(),
		BulkLimit:  m.desc.BulkLimit,
		PageSize:   m.desc.PageSize,
	})
}

// GetByID returns one record, preferring the cached full set and falling
// back to a single-record fetch.
func (m *Manager) GetByID(ctx context.Context, id int64, forceRefresh bool) (models.Record, error) {
	if !forceRefresh {
		var recs []models.Record
		if m.store.GetJSON(m.allKey(), &recs) {
			for _, r := range recs {
				if r.ID == id {
					return r, nil
				}
			}
			// A loaded, fresh full set that lacks the id is authoritative
			// for positive ids; placeholders never exist server-side.
			if id < 0 {
				return models.Record{}, odoo.ErrNotFound
			}
		}
	}
	if id < 0 {
		return models.Record{}, odoo.ErrNotFound
	}

	rec, err := m.gw.GetByID(ctx, m.desc.Model, id, m.desc.Fields)
	if err != nil {
		if err != odoo.ErrNotFound {
			var stale []models.Record
			if m.store.GetStaleJSON(m.allKey(), &stale) {
				for _, r := range stale {
					if r.ID == id {
						return r, nil
					}
				}
			}
		}
		return models.Record{}, err
	}

	m.upsertCached([]models.Record{rec})
	return rec, nil
}

// Create writes through when online; offline it queues the operation and
// synthesizes a placeholder record so the UI sees it immediately.
func (m *Manager) Create(ctx context.Context, payload map[string]any) (int64, error) {
	if !m.online() {
		tempID, err := m.q.EnqueueCreate(m.desc.Name, m.desc.Model, payload)
		if err != nil {
			return 0, err
		}
		m.addPending(models.Record{ID: tempID, Fields: payload, Pending: true})
		return tempID, nil
	}

	id, err := m.gw.Create(ctx, m.desc.Model, payload)
	if err != nil {
		return 0, err
	}

	rec, err := m.gw.GetByID(ctx, m.desc.Model, id, m.desc.Fields)
	if err != nil {
		// The create succeeded; echo fetch is best-effort.
		rec = models.Record{ID: id, Fields: payload}
	}
	m.upsertCached([]models.Record{rec})
	return id, nil
}

// Update writes through when online (then refetches the confirmed
// record); offline it queues and merges optimistically. A failed online
// write is surfaced, never silently queued.
func (m *Manager) Update(ctx context.Context, id int64, payload map[string]any) error {
	if !m.online() || id < 0 {
		if id < 0 && m.online() {
			// The record itself is still queued; the update must stay
			// behind it in the log.
			log.Printf("📥 Update for placeholder %d queued behind its create", id)
		}
		if err := m.q.EnqueueUpdate(m.desc.Name, m.desc.Model, id, payload); err != nil {
			return err
		}
		m.mergeCached(id, payload)
		return nil
	}

	if err := m.gw.Update(ctx, m.desc.Model, []int64{id}, payload); err != nil {
		return err
	}

	rec, err := m.gw.GetByID(ctx, m.desc.Model, id, m.desc.Fields)
	if err != nil {
		// Read-back failed; drop the cached copy so the next read refetches.
		m.removeCached(id)
		return nil
	}
	m.upsertCached([]models.Record{rec})
	return nil
}

// Delete removes the record remotely when online, or queues the delete.
// Either way the cached copy disappears immediately.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	if !m.online() || id < 0 {
		if id >= 0 {
			if err := m.q.EnqueueDelete(m.desc.Name, m.desc.Model, id); err != nil {
				return err
			}
		}
		// Deleting a placeholder cancels nothing remotely; its queued
		// create still replays, and the record resurfaces on the next
		// full pass.
		m.removeCached(id)
		return nil
	}

	if err := m.gw.Delete(ctx, m.desc.Model, []int64{id}); err != nil {
		return err
	}
	m.removeCached(id)
	return nil
}

// Count is cache-first, using the cached id list as the fast path.
func (m *Manager) Count(ctx context.Context, forceRefresh bool) (int, error) {
	if !forceRefresh {
		var ids []int64
		if m.store.GetJSON(m.idsKey(), &ids) {
			return len(ids), nil
		}
		var recs []models.Record
		if m.store.GetJSON(m.allKey(), &recs) {
			return len(recs), nil
		}
	}
	return m.gw.Count(ctx, m.desc.Model, m.desc.Domain)
}

// CachedCount reports the cached set size without touching the network,
// used by the scheduler's sufficient-cache fast path. Stale entries
// count: the heuristic deliberately favors responsiveness over
// freshness.
func (m *Manager) CachedCount() int {
	var ids []int64
	if m.store.GetStaleJSON(m.idsKey(), &ids) {
		return len(ids)
	}
	var recs []models.Record
	if m.store.GetStaleJSON(m.allKey(), &recs) {
		return len(recs)
	}
	return 0
}

// Invoke calls a server-side method on the record, queueing when offline.
func (m *Manager) Invoke(ctx context.Context, id int64, method string, args []any, kwargs map[string]any) (any, error) {
	if !m.online() {
		return nil, m.q.EnqueueInvoke(m.desc.Name, m.desc.Model, method, id, args, kwargs)
	}
	return m.gw.Invoke(ctx, m.desc.Model, method, []int64{id}, args, kwargs)
}

// MergeRecords upserts fetched records into the cached full set, used by
// the incremental sync pass.
func (m *Manager) MergeRecords(recs []models.Record) {
	if len(recs) == 0 {
		return
	}
	m.upsertCached(recs)
	metrics.RecordsSynced.WithLabelValues(m.desc.Name).Add(float64(len(recs)))
}

// ReplaceAll overwrites the cached full set, used by the full sync pass.
func (m *Manager) ReplaceAll(recs []models.Record) {
	m.writeThrough(recs)
	m.setState(StateReady)
	metrics.RecordsSynced.WithLabelValues(m.desc.Name).Add(float64(len(recs)))
}

// ApplyReconciliation swaps a placeholder id for the server id after the
// offline queue confirmed the create.
func (m *Manager) ApplyReconciliation(r queue.Reconciliation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []models.Record
	if !m.store.GetStaleJSON(m.allKey(), &recs) {
		return
	}
	for i := range recs {
		if recs[i].ID == r.TempID {
			recs[i].ID = r.ServerID
			recs[i].Pending = false
		}
	}
	m.saveSetLocked(recs)
	log.Printf("🔁 Reconciled %s placeholder %d -> %d", m.desc.Name, r.TempID, r.ServerID)
}

// Invalidate drops every cached entry for this entity type.
func (m *Manager) Invalidate() error {
	return m.store.InvalidatePrefix(m.desc.Name + "/")
}

// ── cached-set mutation helpers ─────────────────────────────

func (m *Manager) writeThrough(recs []models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveSetLocked(recs)
}

func (m *Manager) upsertCached(incoming []models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []models.Record
	if !m.store.GetStaleJSON(m.allKey(), &recs) {
		// No full set loaded yet; nothing to merge into.
		return
	}

	index := make(map[int64]int, len(recs))
	for i, r := range recs {
		index[r.ID] = i
	}
	for _, r := range incoming {
		if i, ok := index[r.ID]; ok {
			recs[i] = r
		} else {
			index[r.ID] = len(recs)
			recs = append(recs, r)
		}
	}
	m.saveSetLocked(recs)
}

// addPending appends an optimistic placeholder, seeding the cached set
// when nothing is loaded yet (a device offline since install still
// shows the record it just created).
func (m *Manager) addPending(rec models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []models.Record
	m.store.GetStaleJSON(m.allKey(), &recs)
	recs = append(recs, rec)
	m.saveSetLocked(recs)
}

func (m *Manager) mergeCached(id int64, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []models.Record
	if !m.store.GetStaleJSON(m.allKey(), &recs) {
		return
	}
	for i := range recs {
		if recs[i].ID == id {
			recs[i].Merge(payload)
			break
		}
	}
	m.saveSetLocked(recs)
}

func (m *Manager) removeCached(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var recs []models.Record
	if !m.store.GetStaleJSON(m.allKey(), &recs) {
		return
	}
	kept := recs[:0]
	for _, r := range recs {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	m.saveSetLocked(kept)
}

func (m *Manager) saveSetLocked(recs []models.Record) {
	if err := m.store.SetJSON(m.allKey(), recs); err != nil {
		log.Printf("⚠️ Failed to persist %s set: %v", m.desc.Name, err)
		return
	}
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	if err := m.store.SetJSON(m.idsKey(), ids); err != nil {
		log.Printf("⚠️ Failed to persist %s id list: %v", m.desc.Name, err)
	}
}

func (m *Manager) beginFetch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateReady || m.state == StateRefreshing {
		m.state = StateRefreshing
	} else {
		m.state = StateLoading
	}
}

func (m *Manager) endFetch(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.state = StateReady
		return
	}
	if m.state == StateRefreshing {
		m.state = StateReady
	} else {
		m.state = StateUninitialized
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) String() string {
	return fmt.Sprintf("entitycache.Manager(%s)", m.desc.Name)
}
