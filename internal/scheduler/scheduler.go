// Package scheduler drives background synchronization: periodic
// incremental passes, daily full passes, reconnect-triggered queue
// drains, and manual sync requests, with at most one sync running at
// any moment.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fieldlink/odoofield/internal/cachestore"
	"github.com/fieldlink/odoofield/internal/config"
	"github.com/fieldlink/odoofield/internal/connectivity"
	"github.com/fieldlink/odoofield/internal/entitycache"
	"github.com/fieldlink/odoofield/internal/metrics"
	"github.com/fieldlink/odoofield/internal/models"
	"github.com/fieldlink/odoofield/internal/odoo"
	"github.com/fieldlink/odoofield/internal/queue"
)

// bookkeeping cache keys; stored under a zero-TTL class so they never
// expire out from under the decision logic.
const (
	keyLastFullSync        = "sync/last_full_at"
	keyLastIncrementalSync = "sync/last_incremental_at"
	keyProgressPrefix      = "sync/progress/"
	keyWatermarkPrefix     = "sync/watermark/"
)

// Scheduler owns the sync loop. All public methods are safe for
// concurrent use.
type Scheduler struct {
	store    *cachestore.Store
	gw       *odoo.Gateway
	q        *queue.Queue
	monitor  *connectivity.Monitor
	managers map[string]*entitycache.Manager
	order    []string

	settingsMu sync.RWMutex
	settings   config.SyncSettings

	mu             sync.Mutex
	syncInProgress bool
	lastResult     string
	lastError      string

	now func() time.Time

	listeners *listenerSet

	rewire chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New wires a scheduler over the shared cache store, gateway, queue and
// connectivity monitor. managers are indexed by entity name; order
// preserves sync priority.
func New(store *cachestore.Store, gw *odoo.Gateway, q *queue.Queue, monitor *connectivity.Monitor, managers []*entitycache.Manager, settings config.SyncSettings) *Scheduler {
	s := &Scheduler{
		store:     store,
		gw:        gw,
		q:         q,
		monitor:   monitor,
		managers:  make(map[string]*entitycache.Manager, len(managers)),
		settings:  settings,
		now:       time.Now,
		listeners: newListenerSet(),
		rewire:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, m := range managers {
		name := m.Descriptor().Name
		s.managers[name] = m
		s.order = append(s.order, name)
	}
	return s
}

// Initialize starts the background loop and hooks the reconnect
// trigger. Call Cleanup to stop.
func (s *Scheduler) Initialize(ctx context.Context) {
	s.monitor.OnChange(func(online bool) {
		if !online {
			return
		}
		// Reconnect: drain queued writes first, then catch up.
		go func() {
			if _, err := s.DrainQueue(ctx); err != nil {
				log.Printf("⚠️ Reconnect drain failed: %v", err)
			}
			s.SyncIfNeeded(ctx)
		}()
	})

	go s.loop(ctx)
	log.Printf("🚀 Sync scheduler started")
}

// Cleanup stops the loop and waits for it to exit.
func (s *Scheduler) Cleanup() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	log.Printf("🛑 Sync scheduler stopped")
}

// Subscribe registers a sync event listener; the returned function
// removes it.
func (s *Scheduler) Subscribe(fn Listener) (remove func()) {
	return s.listeners.add(fn)
}

// Settings returns the active settings snapshot.
func (s *Scheduler) Settings() config.SyncSettings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// UpdateSettings swaps the settings and rewires the ticker so new
// intervals take effect without restart.
func (s *Scheduler) UpdateSettings(settings config.SyncSettings) {
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
	select {
	case s.rewire <- struct{}{}:
	default:
	}
	log.Printf("🔄 Sync settings updated (auto=%v interval=%ds)", settings.AutoSyncEnabled, settings.AutoSyncInterval)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		interval := time.Duration(s.Settings().AutoSyncInterval) * time.Second
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-s.rewire:
			timer.Stop()
			continue
		case <-timer.C:
			if s.Settings().AutoSyncEnabled {
				s.SyncIfNeeded(ctx)
			}
		}
	}
}

// SyncIfNeeded runs one sync pass if policy allows, returning whether a
// pass actually started. A pass already in flight, an offline server, a
// metered link when wifi-only is set, a sufficiently warm cache, or no
// elapsed interval all skip the pass.
func (s *Scheduler) SyncIfNeeded(ctx context.Context) bool {
	if !s.monitor.IsOnline() {
		return false
	}

	settings := s.Settings()

	// A cache already above its sufficient threshold skips the pass
	// outright, whatever the clock says. Freshness traded for
	// responsiveness; manual SyncNow bypasses this.
	if s.cacheSufficient(settings) {
		return false
	}

	mode := s.decideMode(settings)
	if mode == models.SyncModeIncremental && !s.incrementalDue(settings) {
		return false
	}
	if !s.linkAllows(settings, mode) {
		log.Printf("📶 Skipping %s sync on non-wifi link", mode)
		return false
	}

	return s.runSync(ctx, mode, false)
}

// SyncNow forces a pass of the given mode, bypassing the interval and
// sufficient-cache checks (not the single-flight check).
func (s *Scheduler) SyncNow(ctx context.Context, mode models.SyncMode) bool {
	return s.runSync(ctx, mode, true)
}

// DrainQueue replays the offline queue and applies placeholder
// reconciliations to the entity caches.
func (s *Scheduler) DrainQueue(ctx context.Context) (queue.DrainResult, error) {
	result, err := s.q.Drain(ctx, s.gw)
	for _, rec := range result.Reconciliations {
		if m, ok := s.managers[rec.EntityType]; ok {
			m.ApplyReconciliation(rec)
		}
	}
	if result.Succeeded > 0 || result.Failed > 0 {
		log.Printf("📤 Queue drain: %d applied, %d still queued", result.Succeeded, result.Failed)
	}
	return result, err
}

// runSync is the single-flight entry point for every sync pass.
func (s *Scheduler) runSync(ctx context.Context, mode models.SyncMode, forced bool) bool {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		log.Printf("⏭️ Sync already in progress, skipping %s request", mode)
		return false
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	if !forced {
		// Re-check under the flag: connectivity may have flapped while
		// we queued behind another caller.
		if !s.monitor.IsOnline() {
			return false
		}
	}

	start := s.now()
	log.Printf("🔄 Starting %s sync", mode)

	// Queued writes go out before reads so the refetch sees them.
	if _, err := s.DrainQueue(ctx); err != nil {
		log.Printf("⚠️ Pre-sync drain failed, continuing with fetch: %v", err)
	}

	var firstErr error
	for _, name := range s.order {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		if err := s.syncEntity(ctx, s.managers[name], mode); err != nil {
			log.Printf("❌ Sync of %s failed: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
			// Other entities still deserve their pass.
			continue
		}
	}

	s.recordOutcome(mode, start, firstErr)
	return true
}

func (s *Scheduler) recordOutcome(mode models.SyncMode, start time.Time, firstErr error) {
	s.mu.Lock()
	if firstErr != nil {
		s.lastResult = "error"
		s.lastError = firstErr.Error()
	} else {
		s.lastResult = "ok"
		s.lastError = ""
	}
	s.mu.Unlock()

	result := "ok"
	if firstErr != nil {
		result = "error"
	}
	metrics.SyncRuns.WithLabelValues(string(mode), result).Inc()

	if firstErr == nil {
		now := s.now()
		if mode == models.SyncModeFull {
			s.saveTime(keyLastFullSync, now)
			metrics.LastSyncTimestamp.WithLabelValues(string(models.SyncModeFull)).Set(float64(now.Unix()))
		}
		// A clean full pass counts as an incremental one too.
		s.saveTime(keyLastIncrementalSync, now)
		metrics.LastSyncTimestamp.WithLabelValues(string(models.SyncModeIncremental)).Set(float64(now.Unix()))
		log.Printf("✅ %s sync completed in %s", mode, s.now().Sub(start).Round(time.Millisecond))
	}
}

// syncEntity runs one entity's pass, persisting progress per batch so an
// interrupted full sync resumes instead of restarting.
func (s *Scheduler) syncEntity(ctx context.Context, m *entitycache.Manager, mode models.SyncMode) error {
	desc := m.Descriptor()
	if mode == models.SyncModeIncremental {
		return s.syncIncremental(ctx, m)
	}

	progress := s.loadProgress(desc.Name)
	startOffset := 0
	if progress.State == models.SyncRunning && progress.Mode == models.SyncModeFull {
		startOffset = progress.CurrentBatchIndex * desc.PageSize
		if startOffset > 0 && m.CachedCount() == 0 {
			// The earlier batches did not survive; resuming past them
			// would merge the tail into an empty set and lose it.
			startOffset = 0
		}
		if startOffset > 0 {
			log.Printf("▶️ Resuming full sync of %s at offset %d", desc.Name, startOffset)
		}
	}

	// Each new attempt starts from a clean Idle state before any batch
	// lands; a crash mid-pass leaves Running behind for the resume check
	// above, never a half-written Completed.
	idle := models.SyncProgress{Entity: desc.Name, Mode: mode, State: models.SyncIdle, UpdatedAt: s.now()}
	s.saveProgress(idle)
	s.emitProgress(idle)

	settings := s.Settings()
	total, err := s.gw.Count(ctx, desc.Model, desc.Domain)
	if err != nil {
		s.failEntity(desc.Name, mode, err)
		return err
	}

	s.emitProgress(models.SyncProgress{
		Entity: desc.Name, Mode: mode, State: models.SyncRunning,
		TotalExpected: total, UpdatedAt: s.now(),
	})

	recs, err := s.gw.FetchAll(ctx, odoo.FetchAllRequest{
		Model:       desc.Model,
		Domain:      desc.Domain,
		Fields:      desc.Fields,
		Expected:    total,
		PreferBulk:  settings.PreferBulkFetch && startOffset == 0,
		BulkLimit:   desc.BulkLimit,
		PageSize:    desc.PageSize,
		StartOffset: startOffset,
		OnBatch: func(batchIndex, loaded, total int, batch []models.Record) {
			p := models.SyncProgress{
				Entity:            desc.Name,
				Mode:              mode,
				State:             models.SyncRunning,
				TotalExpected:     total,
				LoadedSoFar:       loaded,
				CurrentBatchIndex: batchIndex,
				UpdatedAt:         s.now(),
			}
			s.saveProgress(p)
			s.emitProgress(p)
		},
	})
	if err != nil {
		s.failEntity(desc.Name, mode, err)
		return err
	}

	if startOffset > 0 {
		// Resumed pass: the cached set already holds earlier batches.
		m.MergeRecords(recs)
	} else {
		m.ReplaceAll(recs)
	}
	s.saveWatermark(desc.Name, s.now())

	done := models.SyncProgress{
		Entity: desc.Name, Mode: mode, State: models.SyncCompleted,
		TotalExpected: total, LoadedSoFar: len(recs), UpdatedAt: s.now(),
	}
	s.saveProgress(done)
	s.emitProgress(done)
	return nil
}

// syncIncremental fetches only records whose write_date moved past the
// entity's watermark and merges them into the cached set.
func (s *Scheduler) syncIncremental(ctx context.Context, m *entitycache.Manager) error {
	desc := m.Descriptor()
	watermark, ok := s.loadWatermark(desc.Name)
	if !ok || m.CachedCount() == 0 {
		// Nothing synced yet, or the cached set is gone while the
		// watermark survived; incremental degrades to full.
		return s.syncEntity(ctx, m, models.SyncModeFull)
	}

	idle := models.SyncProgress{Entity: desc.Name, Mode: models.SyncModeIncremental, State: models.SyncIdle, UpdatedAt: s.now()}
	s.saveProgress(idle)
	s.emitProgress(idle)

	domain := append([]any{}, desc.Domain...)
	domain = append(domain, []any{"write_date", ">", watermark.UTC().Format(models.OdooTimeLayout)})

	changed, err := s.gw.Count(ctx, desc.Model, domain)
	if err != nil {
		s.failEntity(desc.Name, models.SyncModeIncremental, err)
		return err
	}
	if changed == 0 {
		s.saveWatermark(desc.Name, s.now())
		s.saveTime(keyLastIncrementalSync, s.now())
		return nil
	}

	recs, err := s.gw.List(ctx, desc.Model, domain, desc.Fields, changed, 0)
	if err != nil {
		if pf, okPF := err.(*odoo.PartialFailure); okPF {
			// Partial incremental results still advance the cache; the
			// watermark stays put so missed records retry next pass.
			log.Printf("⚠️ Incremental sync of %s partial: %d failed", desc.Name, len(pf.Failed))
			m.MergeRecords(recs)
			s.failEntity(desc.Name, models.SyncModeIncremental, err)
			return err
		}
		s.failEntity(desc.Name, models.SyncModeIncremental, err)
		return err
	}

	if len(recs) > 0 {
		m.MergeRecords(recs)
		log.Printf("💾 Incremental sync merged %d %s", len(recs), desc.Name)
	}
	s.saveWatermark(desc.Name, s.now())

	done := models.SyncProgress{
		Entity: desc.Name, Mode: models.SyncModeIncremental, State: models.SyncCompleted,
		TotalExpected: len(recs), LoadedSoFar: len(recs), UpdatedAt: s.now(),
	}
	s.saveProgress(done)
	s.emitProgress(done)
	return nil
}

func (s *Scheduler) failEntity(entity string, mode models.SyncMode, err error) {
	p := models.SyncProgress{
		Entity: entity, Mode: mode, State: models.SyncError, UpdatedAt: s.now(),
	}
	s.saveProgress(p)
	ev := Event{Entity: entity, Mode: mode, State: models.SyncError, Progress: p, Err: err}
	s.listeners.emit(ev)
}

func (s *Scheduler) emitProgress(p models.SyncProgress) {
	s.listeners.emit(Event{Entity: p.Entity, Mode: p.Mode, State: p.State, Progress: p})
}

// ── policy ──────────────────────────────────────────────────

func (s *Scheduler) decideMode(settings config.SyncSettings) models.SyncMode {
	if !settings.FullSyncEnabled {
		return models.SyncModeIncremental
	}
	last, ok := s.loadTime(keyLastFullSync)
	if !ok {
		return models.SyncModeFull
	}
	if s.now().Sub(last) >= time.Duration(settings.FullSyncInterval)*time.Second {
		return models.SyncModeFull
	}
	return models.SyncModeIncremental
}

func (s *Scheduler) incrementalDue(settings config.SyncSettings) bool {
	last, ok := s.loadTime(keyLastIncrementalSync)
	if !ok {
		return true
	}
	return s.now().Sub(last) >= time.Duration(settings.IncrementalInterval)*time.Second
}

func (s *Scheduler) linkAllows(settings config.SyncSettings, mode models.SyncMode) bool {
	link := s.monitor.Link()
	if mode == models.SyncModeFull && settings.WifiOnlyForFullSync {
		return link == connectivity.LinkWifi || link == connectivity.LinkUnknown
	}
	if settings.WifiOnlyForAutoSync {
		return link == connectivity.LinkWifi || link == connectivity.LinkUnknown
	}
	return true
}

// cacheSufficient reports whether every entity already holds at least
// its sufficient-count of cached records.
func (s *Scheduler) cacheSufficient(settings config.SyncSettings) bool {
	for _, name := range s.order {
		m := s.managers[name]
		want := m.Descriptor().SufficientCount
		if want <= 0 {
			want = settings.SufficientCacheCount
		}
		if m.CachedCount() < want {
			return false
		}
	}
	return true
}

// ── bookkeeping persistence ─────────────────────────────────

func (s *Scheduler) saveTime(key string, t time.Time) {
	if err := s.store.SetJSON(key, t); err != nil {
		log.Printf("⚠️ Failed to persist %s: %v", key, err)
	}
}

func (s *Scheduler) loadTime(key string) (time.Time, bool) {
	var t time.Time
	if !s.store.GetStaleJSON(key, &t) || t.IsZero() {
		return time.Time{}, false
	}
	return t, true
}

func (s *Scheduler) saveWatermark(entity string, t time.Time) {
	s.saveTime(keyWatermarkPrefix+entity, t)
}

func (s *Scheduler) loadWatermark(entity string) (time.Time, bool) {
	return s.loadTime(keyWatermarkPrefix + entity)
}

func (s *Scheduler) saveProgress(p models.SyncProgress) {
	if err := s.store.SetJSON(keyProgressPrefix+p.Entity, p); err != nil {
		log.Printf("⚠️ Failed to persist sync progress for %s: %v", p.Entity, err)
	}
}

func (s *Scheduler) loadProgress(entity string) models.SyncProgress {
	var p models.SyncProgress
	s.store.GetStaleJSON(keyProgressPrefix+entity, &p)
	return p
}

// ── status surface ──────────────────────────────────────────

// Status is the scheduler snapshot served by the local API.
type Status struct {
	SyncInProgress    bool                           `json:"sync_in_progress"`
	Online            bool                           `json:"online"`
	Link              string                         `json:"link"`
	QueueDepth        int                            `json:"queue_depth"`
	LastFullSync      *time.Time                     `json:"last_full_sync,omitempty"`
	LastIncremental   *time.Time                     `json:"last_incremental_sync,omitempty"`
	LastResult        string                         `json:"last_result,omitempty"`
	LastError         string                         `json:"last_error,omitempty"`
	EntityProgress    map[string]models.SyncProgress `json:"entity_progress"`
	EntityCacheCounts map[string]int                 `json:"entity_cache_counts"`
}

// Status assembles the current snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
		LastError:      s.lastError,
	}
	s.mu.Unlock()

	st.Online = s.monitor.IsOnline()
	st.Link = string(s.monitor.Link())
	st.QueueDepth = s.q.Size()
	st.EntityProgress = make(map[string]models.SyncProgress, len(s.order))
	st.EntityCacheCounts = make(map[string]int, len(s.order))
	for _, name := range s.order {
		st.EntityProgress[name] = s.loadProgress(name)
		st.EntityCacheCounts[name] = s.managers[name].CachedCount()
	}
	if t, ok := s.loadTime(keyLastFullSync); ok {
		st.LastFullSync = &t
	}
	if t, ok := s.loadTime(keyLastIncrementalSync); ok {
		st.LastIncremental = &t
	}
	return st
}

// SyncInProgress reports whether a pass is running.
func (s *Scheduler) SyncInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncInProgress
}
