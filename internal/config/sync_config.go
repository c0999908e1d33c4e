package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// SyncSettings holds the runtime synchronization configuration. It is
// persisted as JSON in the local store and mutated only through the
// scheduler's settings-update entry point, which also rewires timers.
type SyncSettings struct {
	// ============ SCHEDULING ============
	AutoSyncEnabled     bool `json:"auto_sync_enabled"`
	WifiOnlyForAutoSync bool `json:"wifi_only_for_auto_sync"`
	FullSyncEnabled     bool `json:"full_sync_enabled"`
	WifiOnlyForFullSync bool `json:"wifi_only_for_full_sync"`

	// ============ INTERVALS ============
	AutoSyncInterval    int `json:"auto_sync_interval"`    // seconds, trigger timer
	FullSyncInterval    int `json:"full_sync_interval"`    // seconds between full syncs
	IncrementalInterval int `json:"incremental_interval"`  // seconds between incremental syncs

	// ============ FETCH STRATEGY ============
	PreferBulkFetch bool `json:"prefer_bulk_fetch"`
	PageSize        int  `json:"page_size"`
	BulkLimit       int  `json:"bulk_limit"` // max records for a single bulk attempt

	// ============ HEURISTICS ============
	// A cache already holding at least this many records per entity is
	// considered sufficient and the sync pass is skipped entirely. This
	// trades freshness for responsiveness; 0 disables the fast path.
	SufficientCacheCount int `json:"sufficient_cache_count"`
}

// DefaultSyncSettings returns the defaults used when nothing is persisted.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		AutoSyncEnabled:      true,
		WifiOnlyForAutoSync:  false,
		FullSyncEnabled:      true,
		WifiOnlyForFullSync:  true,
		AutoSyncInterval:     300,
		FullSyncInterval:     24 * 3600,
		IncrementalInterval:  4 * 3600,
		PreferBulkFetch:      true,
		PageSize:             80,
		BulkLimit:            5000,
		SufficientCacheCount: 100,
	}
}

// LoadSyncSettingsFile loads settings overrides from a JSON file when
// SYNC_SETTINGS_PATH is set, falling back to the defaults otherwise.
func LoadSyncSettingsFile() SyncSettings {
	if path := os.Getenv("SYNC_SETTINGS_PATH"); path != "" {
		if s, err := loadSyncSettingsFromFile(path); err == nil {
			return s
		}
	}
	return DefaultSyncSettings()
}

func loadSyncSettingsFromFile(path string) (SyncSettings, error) {
	s := DefaultSyncSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("invalid sync settings file %s: %w", path, err)
	}
	return s, nil
}
