// Package cachestore implements the versioned, TTL-aware key-value cache
// layered over the local GORM store. Storage failures are never fatal:
// every read error degrades to a miss so callers fall through to the
// network, and corrupt entries are invalidated on sight.
package cachestore

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fieldlink/odoofield/internal/metrics"
	"github.com/fieldlink/odoofield/internal/models"
	"github.com/fieldlink/odoofield/internal/utils"
)

// SchemaVersion is the code-level cache schema generation. Bumping it
// invalidates every entry written by older builds.
const SchemaVersion = "3"

const versionMetaKey = "schema_version"

// DefaultMaxAge applies to key classes without an explicit TTL.
const DefaultMaxAge = 15 * time.Minute

// Store is the local cache store. All methods are safe for concurrent use.
type Store struct {
	db *gorm.DB

	mu      sync.RWMutex
	version string

	now           func() time.Time
	cipher        *utils.Cipher
	maxAges       map[string]time.Duration
	defaultMaxAge time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source, used by TTL tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCipher enables at-rest encryption of payloads.
func WithCipher(c *utils.Cipher) Option {
	return func(s *Store) { s.cipher = c }
}

// WithMaxAge sets the TTL for keys under the given prefix. A zero
// duration means the class never expires (scheduler bookkeeping,
// credentials).
func WithMaxAge(prefix string, d time.Duration) Option {
	return func(s *Store) { s.maxAges[prefix] = d }
}

// WithDefaultMaxAge overrides the fallback TTL.
func WithDefaultMaxAge(d time.Duration) Option {
	return func(s *Store) { s.defaultMaxAge = d }
}

// New opens the store, migrating its tables and loading (or seeding) the
// schema version marker.
func New(db *gorm.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:            db,
		now:           time.Now,
		maxAges:       make(map[string]time.Duration),
		defaultMaxAge: DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.AutoMigrate(&models.CacheEntry{}, &models.CacheMeta{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache tables: %w", err)
	}

	version, err := s.loadVersion()
	if err != nil {
		return nil, err
	}
	s.version = version
	return s, nil
}

// loadVersion reads the persisted version marker, resetting it when the
// code-level schema generation moved on.
func (s *Store) loadVersion() (string, error) {
	var meta models.CacheMeta
	err := s.db.Where("key = ?", versionMetaKey).First(&meta).Error
	if err == nil && strings.HasPrefix(meta.Value, SchemaVersion+".") {
		return meta.Value, nil
	}
	if err != nil && err != gorm.ErrRecordNotFound {
		return "", fmt.Errorf("failed to read cache version marker: %w", err)
	}

	version := SchemaVersion + ".0"
	if err := s.writeVersion(version); err != nil {
		return "", err
	}
	return version, nil
}

func (s *Store) writeVersion(version string) error {
	meta := models.CacheMeta{Key: versionMetaKey, Value: version}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&meta).Error
	if err != nil {
		return fmt.Errorf("failed to persist cache version marker: %w", err)
	}
	return nil
}

// Version returns the current effective schema version.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Get returns the cached payload for key, or a miss. An entry is valid
// only if it exists, its age is below the key class's max age, and its
// version equals the current schema version. bypass forces a miss
// without consulting storage, used by explicit refresh actions.
func (s *Store) Get(key string, bypass bool) ([]byte, bool) {
	if bypass {
		metrics.CacheMisses.Inc()
		return nil, false
	}

	var entry models.CacheEntry
	if err := s.db.Where("key = ?", key).First(&entry).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			log.Printf("⚠️ Cache read failed for %s, treating as miss: %v", key, err)
		}
		metrics.CacheMisses.Inc()
		return nil, false
	}

	if entry.Version != s.Version() {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	if maxAge := s.maxAgeFor(key); maxAge > 0 && s.now().Sub(entry.StoredAt) >= maxAge {
		metrics.CacheMisses.Inc()
		return nil, false
	}

	payload := entry.Payload
	if s.cipher != nil {
		decrypted, err := s.cipher.Open(payload)
		if err != nil {
			log.Printf("⚠️ Corrupt cache entry %s, invalidating: %v", key, err)
			s.Invalidate(key)
			metrics.CacheMisses.Inc()
			return nil, false
		}
		payload = decrypted
	}

	metrics.CacheHits.Inc()
	return payload, true
}

// GetStaleJSON decodes a cached JSON payload into out even when the
// entry's TTL has lapsed. Version mismatches still miss. Read paths use
// it as the last-known fallback after a gateway failure.
func (s *Store) GetStaleJSON(key string, out any) bool {
	var entry models.CacheEntry
	if err := s.db.Where("key = ?", key).First(&entry).Error; err != nil {
		return false
	}
	if entry.Version != s.Version() {
		return false
	}

	payload := entry.Payload
	if s.cipher != nil {
		decrypted, err := s.cipher.Open(payload)
		if err != nil {
			s.Invalidate(key)
			return false
		}
		payload = decrypted
	}
	return json.Unmarshal(payload, out) == nil
}

// GetJSON decodes a cached JSON payload into out. A payload that fails
// to decode counts as corrupt: it is invalidated and reported as a miss.
func (s *Store) GetJSON(key string, out any) bool {
	payload, ok := s.Get(key, false)
	if !ok {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		log.Printf("⚠️ Undecodable cache entry %s, invalidating: %v", key, err)
		s.Invalidate(key)
		metrics.CacheMisses.Inc()
		return false
	}
	return true
}

// Set overwrites the entry with the current timestamp and schema
// version. The underlying upsert is a single statement, so concurrent
// readers observe either the old or the new entry.
func (s *Store) Set(key string, payload []byte) error {
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(payload)
		if err != nil {
			return fmt.Errorf("failed to encrypt cache entry %s: %w", key, err)
		}
		payload = sealed
	}

	entry := models.CacheEntry{
		Key:      key,
		Payload:  payload,
		StoredAt: s.now(),
		Version:  s.Version(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	return s.Set(key, payload)
}

// Invalidate removes one entry.
func (s *Store) Invalidate(key string) error {
	return s.db.Where("key = ?", key).Delete(&models.CacheEntry{}).Error
}

// InvalidatePrefix removes all entries namespaced under an entity type.
func (s *Store) InvalidatePrefix(prefix string) error {
	return s.db.Where("key LIKE ?", prefix+"%").Delete(&models.CacheEntry{}).Error
}

// InvalidateAll bumps the schema version marker, then clears entries
// best-effort. Entries written under the old version can never be
// resurrected even if the delete fails mid-way.
func (s *Store) InvalidateAll() error {
	s.mu.Lock()
	next := bumpGeneration(s.version)
	if err := s.writeVersion(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.version = next
	s.mu.Unlock()

	if err := s.db.Where("1 = 1").Delete(&models.CacheEntry{}).Error; err != nil {
		log.Printf("⚠️ Cache clear left stale rows behind (harmless, version bumped): %v", err)
	}
	return nil
}

func bumpGeneration(version string) string {
	base, gen := SchemaVersion, 0
	if i := strings.LastIndex(version, "."); i > 0 {
		base = version[:i]
		fmt.Sscanf(version[i+1:], "%d", &gen)
	}
	return fmt.Sprintf("%s.%d", base, gen+1)
}

func (s *Store) maxAgeFor(key string) time.Duration {
	best, bestLen, found := time.Duration(0), -1, false
	for prefix, d := range s.maxAges {
		if strings.HasPrefix(key, prefix) && len(prefix) > bestLen {
			best, bestLen, found = d, len(prefix), true
		}
	}
	if !found {
		return s.defaultMaxAge
	}
	return best
}
