// Package queue implements the durable offline mutation log: a single
// ordered list of deferred writes replayed strictly FIFO against the
// record gateway. Operations are removed only after the gateway confirms
// them; failures keep the entry queued for the next drain.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fieldlink/odoofield/internal/metrics"
	"github.com/fieldlink/odoofield/internal/models"
)

// ClientRefField is injected into queued Create payloads so a server
// that indexes it can deduplicate replays whose first response was lost.
const ClientRefField = "x_client_ref"

// RemoteApplier is the slice of the record gateway the queue drains
// against.
type RemoteApplier interface {
	Create(ctx context.Context, model string, values map[string]any) (int64, error)
	Update(ctx context.Context, model string, ids []int64, values map[string]any) error
	Delete(ctx context.Context, model string, ids []int64) error
	Invoke(ctx context.Context, model, method string, ids []int64, args []any, kwargs map[string]any) (any, error)
}

// Reconciliation maps a local placeholder id to the server id a replayed
// Create produced.
type Reconciliation struct {
	EntityType string
	TempID     int64
	ServerID   int64
}

// DrainResult tallies one drain pass.
type DrainResult struct {
	Succeeded       int
	Failed          int
	Reconciliations []Reconciliation
}

// Queue is the durable FIFO log. Safe for concurrent use; drain holds an
// internal mutex so two drains never interleave.
type Queue struct {
	db  *gorm.DB
	mu  sync.Mutex
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New opens the queue, migrating its tables.
func New(db *gorm.DB, opts ...Option) (*Queue, error) {
	q := &Queue{db: db, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	if err := db.AutoMigrate(&models.QueuedOperation{}, &models.QueueState{}); err != nil {
		return nil, fmt.Errorf("failed to migrate queue tables: %w", err)
	}
	q.publishDepth()
	return q, nil
}

// EnqueueCreate appends a Create and returns the negative placeholder id
// the caller should use locally until the server confirms. The payload
// is stamped with a client ref as a duplicate-replay hint.
func (q *Queue) EnqueueCreate(entityType, model string, payload map[string]any) (int64, error) {
	tempID, err := q.nextPlaceholder()
	if err != nil {
		return 0, err
	}

	ref := uuid.NewString()
	stamped := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		stamped[k] = v
	}
	stamped[ClientRefField] = ref

	op := &models.QueuedOperation{
		Type:       models.OpCreate,
		EntityType: entityType,
		Model:      model,
		TargetID:   tempID,
		ClientRef:  ref,
	}
	if err := q.append(op, stamped, nil); err != nil {
		return 0, err
	}
	log.Printf("📥 Queued create for %s as placeholder %d (replay may duplicate if the server ignores %s)",
		entityType, tempID, ClientRefField)
	return tempID, nil
}

// EnqueueUpdate appends an Update for targetID.
func (q *Queue) EnqueueUpdate(entityType, model string, targetID int64, payload map[string]any) error {
	return q.append(&models.QueuedOperation{
		Type:       models.OpUpdate,
		EntityType: entityType,
		Model:      model,
		TargetID:   targetID,
	}, payload, nil)
}

// EnqueueDelete appends a Delete for targetID.
func (q *Queue) EnqueueDelete(entityType, model string, targetID int64) error {
	return q.append(&models.QueuedOperation{
		Type:       models.OpDelete,
		EntityType: entityType,
		Model:      model,
		TargetID:   targetID,
	}, nil, nil)
}

// EnqueueInvoke appends a generic server-side method call.
func (q *Queue) EnqueueInvoke(entityType, model, method string, targetID int64, args []any, kwargs map[string]any) error {
	return q.append(&models.QueuedOperation{
		Type:       models.OpInvoke,
		EntityType: entityType,
		Model:      model,
		Method:     method,
		TargetID:   targetID,
	}, kwargs, args)
}

func (q *Queue) append(op *models.QueuedOperation, payload map[string]any, args []any) error {
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode queued payload: %w", err)
		}
		op.Payload = data
	}
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to encode queued args: %w", err)
		}
		op.Args = data
	}
	op.EnqueuedAt = q.now()

	if err := q.db.Create(op).Error; err != nil {
		return fmt.Errorf("failed to append to offline queue: %w", err)
	}
	q.publishDepth()
	return nil
}

// Drain replays the whole log strictly in enqueue order. Failed
// operations stay queued for the next drain; nothing is ever dropped or
// reordered. Returns tallies plus placeholder reconciliations from
// confirmed Creates.
func (q *Queue) Drain(ctx context.Context, applier RemoteApplier) (DrainResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ops []models.QueuedOperation
	if err := q.db.Order("seq asc").Find(&ops).Error; err != nil {
		return DrainResult{}, fmt.Errorf("failed to load offline queue: %w", err)
	}

	var result DrainResult
	for i := range ops {
		op := &ops[i]
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rec, err := q.apply(ctx, applier, op)
		if err != nil {
			result.Failed++
			op.Attempts++
			op.LastError = err.Error()
			if dbErr := q.db.Model(op).Updates(map[string]any{
				"attempts":   op.Attempts,
				"last_error": op.LastError,
			}).Error; dbErr != nil {
				log.Printf("⚠️ Failed to record queue failure for op %d: %v", op.Seq, dbErr)
			}
			log.Printf("⚠️ Replay of op %d (%s %s) failed, keeping queued: %v", op.Seq, op.Type, op.EntityType, err)
			continue
		}

		if rec != nil {
			result.Reconciliations = append(result.Reconciliations, *rec)
		}
		if err := q.db.Delete(op).Error; err != nil {
			// The remote applied it; a removal failure must not replay
			// the op forever, so surface loudly and stop this drain.
			return result, fmt.Errorf("confirmed op %d could not be removed from queue: %w", op.Seq, err)
		}
		result.Succeeded++
	}

	q.publishDepth()
	return result, nil
}

func (q *Queue) apply(ctx context.Context, applier RemoteApplier, op *models.QueuedOperation) (*Reconciliation, error) {
	switch op.Type {
	case models.OpCreate:
		payload, err := op.DecodePayload()
		if err != nil {
			return nil, err
		}
		serverID, err := applier.Create(ctx, op.Model, payload)
		if err != nil {
			return nil, err
		}
		return &Reconciliation{EntityType: op.EntityType, TempID: op.TargetID, ServerID: serverID}, nil

	case models.OpUpdate:
		payload, err := op.DecodePayload()
		if err != nil {
			return nil, err
		}
		return nil, applier.Update(ctx, op.Model, []int64{op.TargetID}, payload)

	case models.OpDelete:
		return nil, applier.Delete(ctx, op.Model, []int64{op.TargetID})

	case models.OpInvoke:
		kwargs, err := op.DecodePayload()
		if err != nil {
			return nil, err
		}
		args, err := op.DecodeArgs()
		if err != nil {
			return nil, err
		}
		var ids []int64
		if op.TargetID != 0 {
			ids = []int64{op.TargetID}
		}
		_, err = applier.Invoke(ctx, op.Model, op.Method, ids, args, kwargs)
		return nil, err

	default:
		return nil, fmt.Errorf("unknown queued operation type %q", op.Type)
	}
}

// Size returns the number of pending operations.
func (q *Queue) Size() int {
	var count int64
	if err := q.db.Model(&models.QueuedOperation{}).Count(&count).Error; err != nil {
		log.Printf("⚠️ Failed to count offline queue: %v", err)
		return 0
	}
	return int(count)
}

// List returns the pending operations in replay order, for the status
// surface.
func (q *Queue) List() ([]models.QueuedOperation, error) {
	var ops []models.QueuedOperation
	err := q.db.Order("seq asc").Find(&ops).Error
	return ops, err
}

// nextPlaceholder allocates the next negative local id. The counter only
// moves down, so placeholder identities are never reused.
func (q *Queue) nextPlaceholder() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var state models.QueueState
	err := q.db.First(&state).Error
	if err == gorm.ErrRecordNotFound {
		state = models.QueueState{ID: 1, NextPlaceholder: -1}
		if err := q.db.Create(&state).Error; err != nil {
			return 0, fmt.Errorf("failed to seed placeholder counter: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("failed to load placeholder counter: %w", err)
	}

	id := state.NextPlaceholder
	if err := q.db.Model(&state).Update("next_placeholder", id-1).Error; err != nil {
		return 0, fmt.Errorf("failed to advance placeholder counter: %w", err)
	}
	return id, nil
}

func (q *Queue) publishDepth() {
	metrics.QueueDepth.Set(float64(q.Size()))
}
