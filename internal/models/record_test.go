package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRecordExtractsIDAndWriteDate(t *testing.T) {
	rec := NewRecord(map[string]any{
		"id":         float64(42),
		"name":       "Alice",
		"write_date": "2026-03-01 09:30:00",
	})

	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, "Alice", rec.Fields["name"])
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), rec.WriteDate)
	assert.False(t, rec.Pending)
}

func TestNewRecordNormalizesFalseFields(t *testing.T) {
	rec := NewRecord(map[string]any{
		"id":        int64(1),
		"email":     false,
		"parent_id": false,
		"active":    true,
	})

	assert.Nil(t, rec.Fields["email"], "Odoo false means unset")
	assert.Nil(t, rec.Fields["parent_id"])
	assert.Equal(t, true, rec.Fields["active"])
}

func TestMergeOverlaysFields(t *testing.T) {
	rec := NewRecord(map[string]any{"id": 1, "name": "old", "city": "Lyon"})
	rec.Merge(map[string]any{"name": "new"})

	assert.Equal(t, "new", rec.Fields["name"])
	assert.Equal(t, "Lyon", rec.Fields["city"])
}

func TestToInt64Conversions(t *testing.T) {
	assert.Equal(t, int64(7), ToInt64(int64(7)))
	assert.Equal(t, int64(7), ToInt64(7))
	assert.Equal(t, int64(7), ToInt64(float64(7)))
	assert.Equal(t, int64(0), ToInt64("7"), "non-numeric falls to zero")
}

func TestSyncProgressPercent(t *testing.T) {
	assert.Equal(t, 100, SyncProgress{}.Percent())
	assert.Equal(t, 40, SyncProgress{TotalExpected: 100, LoadedSoFar: 40}.Percent())
	assert.Equal(t, 100, SyncProgress{TotalExpected: 10, LoadedSoFar: 15}.Percent())
}
