package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fieldlink/odoofield/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue_test.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

// recordingApplier logs every call in order and fails the models listed
// in failModels.
type recordingApplier struct {
	calls      []string
	failModels map[string]error
	nextID     int64
}

func (a *recordingApplier) fail(model string) error {
	if a.failModels == nil {
		return nil
	}
	return a.failModels[model]
}

func (a *recordingApplier) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	a.calls = append(a.calls, "create:"+model)
	if err := a.fail(model); err != nil {
		return 0, err
	}
	a.nextID++
	return 1000 + a.nextID, nil
}

func (a *recordingApplier) Update(ctx context.Context, model string, ids []int64, values map[string]any) error {
	a.calls = append(a.calls, fmt.Sprintf("update:%s:%d", model, ids[0]))
	return a.fail(model)
}

func (a *recordingApplier) Delete(ctx context.Context, model string, ids []int64) error {
	a.calls = append(a.calls, fmt.Sprintf("delete:%s:%d", model, ids[0]))
	return a.fail(model)
}

func (a *recordingApplier) Invoke(ctx context.Context, model, method string, ids []int64, args []any, kwargs map[string]any) (any, error) {
	a.calls = append(a.calls, "invoke:"+model+":"+method)
	return nil, a.fail(model)
}

func TestDrainReplaysInEnqueueOrder(t *testing.T) {
	q, err := New(openTestDB(t))
	require.NoError(t, err)

	_, err = q.EnqueueCreate("tickets", "helpdesk.ticket", map[string]any{"name": "a"})
	require.NoError(t, err)
	require.NoError(t, q.EnqueueUpdate("tickets", "helpdesk.ticket", 5, map[string]any{"name": "b"}))
	require.NoError(t, q.EnqueueDelete("contacts", "res.partner", 9))
	require.NoError(t, q.EnqueueInvoke("channels", "discuss.channel", "message_post", 3, nil, map[string]any{"body": "hi"}))

	applier := &recordingApplier{}
	result, err := q.Drain(context.Background(), applier)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"create:helpdesk.ticket",
		"update:helpdesk.ticket:5",
		"delete:res.partner:9",
		"invoke:discuss.channel:message_post",
	}, applier.calls)
	assert.Equal(t, 4, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, q.Size())
}

func TestFailedOperationStaysQueued(t *testing.T) {
	q, err := New(openTestDB(t))
	require.NoError(t, err)

	require.NoError(t, q.EnqueueUpdate("tickets", "helpdesk.ticket", 1, map[string]any{"x": 1}))
	require.NoError(t, q.EnqueueDelete("contacts", "res.partner", 2))

	applier := &recordingApplier{failModels: map[string]error{
		"helpdesk.ticket": errors.New("server rejected"),
	}}
	result, err := q.Drain(context.Background(), applier)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, q.Size(), "failed op must stay queued")

	ops, err := q.List()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, models.OpUpdate, ops[0].Type)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Contains(t, ops[0].LastError, "server rejected")

	// Later ops were not reordered ahead of the failed one on disk; the
	// next drain retries it first.
	applier2 := &recordingApplier{}
	result2, err := q.Drain(context.Background(), applier2)
	require.NoError(t, err)
	assert.Equal(t, 1, result2.Succeeded)
	assert.Equal(t, 0, q.Size())
}

func TestEnqueueCreateAllocatesDistinctPlaceholders(t *testing.T) {
	q, err := New(openTestDB(t))
	require.NoError(t, err)

	id1, err := q.EnqueueCreate("tickets", "helpdesk.ticket", map[string]any{})
	require.NoError(t, err)
	id2, err := q.EnqueueCreate("tickets", "helpdesk.ticket", map[string]any{})
	require.NoError(t, err)

	assert.Negative(t, id1)
	assert.Negative(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestPlaceholdersNeverReusedAcrossReopen(t *testing.T) {
	db := openTestDB(t)
	q, err := New(db)
	require.NoError(t, err)

	id1, err := q.EnqueueCreate("tickets", "helpdesk.ticket", map[string]any{})
	require.NoError(t, err)

	// Drain empties the queue but must not reset the counter.
	_, err = q.Drain(context.Background(), &recordingApplier{})
	require.NoError(t, err)

	reopened, err := New(db)
	require.NoError(t, err)
	id2, err := reopened.EnqueueCreate("tickets", "helpdesk.ticket", map[string]any{})
	require.NoError(t, err)
	assert.Less(t, id2, id1, "counter only moves down, ids are never reused")
}

func TestDrainReportsReconciliations(t *testing.T) {
	q, err := New(openTestDB(t))
	require.NoError(t, err)

	tempID, err := q.EnqueueCreate("tickets", "helpdesk.ticket", map[string]any{"name": "new"})
	require.NoError(t, err)

	result, err := q.Drain(context.Background(), &recordingApplier{})
	require.NoError(t, err)

	require.Len(t, result.Reconciliations, 1)
	rec := result.Reconciliations[0]
	assert.Equal(t, "tickets", rec.EntityType)
	assert.Equal(t, tempID, rec.TempID)
	assert.Positive(t, rec.ServerID)
}

func TestEnqueueCreateStampsClientRef(t *testing.T) {
	q, err := New(openTestDB(t))
	require.NoError(t, err)

	payload := map[string]any{"name": "a"}
	_, err = q.EnqueueCreate("tickets", "helpdesk.ticket", payload)
	require.NoError(t, err)

	_, ok := payload[ClientRefField]
	assert.False(t, ok, "caller's payload must not be mutated")

	ops, err := q.List()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	stored, err := ops[0].DecodePayload()
	require.NoError(t, err)
	assert.NotEmpty(t, stored[ClientRefField])
	assert.Equal(t, ops[0].ClientRef, stored[ClientRefField])
}

func TestDrainQueueSurvivesReopen(t *testing.T) {
	db := openTestDB(t)
	q, err := New(db)
	require.NoError(t, err)
	require.NoError(t, q.EnqueueDelete("contacts", "res.partner", 4))

	// Simulated restart: the log is durable.
	reopened, err := New(db)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Size())

	applier := &recordingApplier{}
	result, err := reopened.Drain(context.Background(), applier)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"delete:res.partner:4"}, applier.calls)
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	q, err := New(openTestDB(t))
	require.NoError(t, err)
	require.NoError(t, q.EnqueueDelete("contacts", "res.partner", 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.Drain(ctx, &recordingApplier{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, q.Size())
}
