// Package odoo implements the remote record gateway: typed access to an
// Odoo backend over a pluggable transport, with centralized retry,
// batch-splitting, and per-record degradation on persistent failures.
package odoo

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fieldlink/odoofield/internal/models"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultBulkTimeout = 90 * time.Second
	defaultIDBatch     = 100
)

// Gateway wraps a Transport with the retry/backoff policy and the
// batching rules shared by every remote operation.
type Gateway struct {
	transport   Transport
	retrier     *Retrier
	timeout     time.Duration
	bulkTimeout time.Duration
	batchFloor  int
	idBatch     int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetrier replaces the retry policy.
func WithRetrier(r *Retrier) Option {
	return func(g *Gateway) { g.retrier = r }
}

// WithTimeouts sets the tiered call deadlines: a short default and a
// longer one for bulk fetches.
func WithTimeouts(standard, bulk time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = standard
		g.bulkTimeout = bulk
	}
}

// WithIDBatch sets the id-batch size for mutations and multi-id reads.
func WithIDBatch(n int) Option {
	return func(g *Gateway) { g.idBatch = n }
}

// NewGateway builds a gateway over the given transport.
func NewGateway(t Transport, opts ...Option) *Gateway {
	g := &Gateway{
		transport:   t,
		retrier:     NewRetrier(),
		timeout:     defaultTimeout,
		bulkTimeout: defaultBulkTimeout,
		batchFloor:  defaultBatchFloor,
		idBatch:     defaultIDBatch,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) call(ctx context.Context, timeout time.Duration, model, method string, args []any, kwargs map[string]any) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.transport.ExecuteKw(callCtx, model, method, args, kwargs)
}

// Count returns the number of records matching domain.
func (g *Gateway) Count(ctx context.Context, model string, domain []any) (int, error) {
	var count int
	err := g.retrier.Do(ctx, func(int) error {
		res, err := g.call(ctx, g.timeout, model, "search_count", []any{normalizeDomain(domain)}, nil)
		if err != nil {
			return err
		}
		count = int(models.ToInt64(res))
		return nil
	})
	return count, err
}

// List fetches up to limit records starting at offset. Each chunk goes
// through the retry policy with the batch size halved per attempt; a
// chunk that exhausts retries degrades to per-record reads, and only
// when those also fail does the call surface a PartialFailure alongside
// whatever was fetched.
func (g *Gateway) List(ctx context.Context, model string, domain []any, fields []string, limit, offset int) ([]models.Record, error) {
	return g.list(ctx, model, domain, fields, limit, offset, g.timeout)
}

func (g *Gateway) list(ctx context.Context, model string, domain []any, fields []string, limit, offset int, timeout time.Duration) ([]models.Record, error) {
	var out []models.Record
	fetched := 0
	for fetched < limit {
		want := limit - fetched
		chunk, err := g.listChunk(ctx, model, domain, fields, want, offset+fetched, timeout)
		if err != nil {
			recs, perErr := g.listPerRecord(ctx, model, domain, fields, want, offset+fetched)
			out = append(out, recs...)
			return out, perErr
		}
		out = append(out, chunk...)
		fetched += len(chunk)
		if len(chunk) == 0 || len(chunk) < BatchSizeFor(want, g.retrier.MaxAttempts-1, g.batchFloor) {
			// Shorter than the smallest size we could have asked for:
			// the matching set is exhausted.
			break
		}
	}
	return out, nil
}

func (g *Gateway) listChunk(ctx context.Context, model string, domain []any, fields []string, size, offset int, timeout time.Duration) ([]models.Record, error) {
	var recs []models.Record
	err := g.retrier.Do(ctx, func(attempt int) error {
		limit := BatchSizeFor(size, attempt, g.batchFloor)
		res, err := g.call(ctx, timeout, model, "search_read", []any{normalizeDomain(domain)}, map[string]any{
			"fields": fields,
			"limit":  limit,
			"offset": offset,
		})
		if err != nil {
			return err
		}
		decoded, err := decodeRecords(res)
		if err != nil {
			return err
		}
		recs = decoded
		return nil
	})
	return recs, err
}

// listPerRecord is the batch-size-1 fallback: resolve ids for the failed
// window, then read one record at a time.
func (g *Gateway) listPerRecord(ctx context.Context, model string, domain []any, fields []string, limit, offset int) ([]models.Record, error) {
	ids, err := g.searchIDs(ctx, model, domain, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("per-record fallback failed to resolve ids: %w", err)
	}

	var out []models.Record
	failure := &PartialFailure{Failed: make(map[int64]error)}
	for _, id := range ids {
		rec, err := g.GetByID(ctx, model, id, fields)
		if err != nil {
			failure.Failed[id] = err
			continue
		}
		failure.Succeeded = append(failure.Succeeded, id)
		out = append(out, rec)
	}
	if len(failure.Failed) > 0 {
		return out, failure
	}
	return out, nil
}

func (g *Gateway) searchIDs(ctx context.Context, model string, domain []any, limit, offset int) ([]int64, error) {
	var ids []int64
	err := g.retrier.Do(ctx, func(int) error {
		res, err := g.call(ctx, g.timeout, model, "search", []any{normalizeDomain(domain)}, map[string]any{
			"limit":  limit,
			"offset": offset,
		})
		if err != nil {
			return err
		}
		raw, ok := res.([]any)
		if !ok {
			return &ServerError{Message: "malformed search result"}
		}
		ids = ids[:0]
		for _, v := range raw {
			ids = append(ids, models.ToInt64(v))
		}
		return nil
	})
	return ids, err
}

// GetByID fetches a single record or ErrNotFound.
func (g *Gateway) GetByID(ctx context.Context, model string, id int64, fields []string) (models.Record, error) {
	recs, err := g.listChunk(ctx, model, []any{[]any{"id", "=", id}}, fields, 1, 0, g.timeout)
	if err != nil {
		return models.Record{}, err
	}
	if len(recs) == 0 {
		return models.Record{}, ErrNotFound
	}
	return recs[0], nil
}

// GetByIDs fetches a set of records, returning whatever subset was
// resolvable. Partial success is not an error.
func (g *Gateway) GetByIDs(ctx context.Context, model string, ids []int64, fields []string) ([]models.Record, error) {
	var out []models.Record
	for _, batch := range chunkIDs(ids, g.idBatch) {
		recs, err := g.listChunk(ctx, model, []any{[]any{"id", "in", batch}}, fields, len(batch), 0, g.timeout)
		if err != nil {
			// Degrade to singles; unresolvable ids are simply omitted.
			for _, id := range batch {
				rec, err := g.GetByID(ctx, model, id, fields)
				if err != nil {
					continue
				}
				out = append(out, rec)
			}
			continue
		}
		out = append(out, recs...)
	}
	return out, nil
}

// Create inserts a record and returns its server id.
func (g *Gateway) Create(ctx context.Context, model string, values map[string]any) (int64, error) {
	var id int64
	err := g.retrier.Do(ctx, func(int) error {
		res, err := g.call(ctx, g.timeout, model, "create", []any{values}, nil)
		if err != nil {
			return err
		}
		id = models.ToInt64(res)
		return nil
	})
	return id, err
}

// Update writes values onto ids, split into batches; a batch that
// exhausts retries degrades to per-record writes.
func (g *Gateway) Update(ctx context.Context, model string, ids []int64, values map[string]any) error {
	return g.mutateBatched(ctx, model, "write", ids, func(batch []int64) []any {
		return []any{batch, values}
	})
}

// Delete unlinks ids with the same batching and degradation as Update.
func (g *Gateway) Delete(ctx context.Context, model string, ids []int64) error {
	return g.mutateBatched(ctx, model, "unlink", ids, func(batch []int64) []any {
		return []any{batch}
	})
}

func (g *Gateway) mutateBatched(ctx context.Context, model, method string, ids []int64, buildArgs func([]int64) []any) error {
	failure := &PartialFailure{Failed: make(map[int64]error)}
	for _, batch := range chunkIDs(ids, g.idBatch) {
		err := g.retrier.Do(ctx, func(int) error {
			_, err := g.call(ctx, g.timeout, model, method, buildArgs(batch), nil)
			return err
		})
		if err == nil {
			failure.Succeeded = append(failure.Succeeded, batch...)
			continue
		}
		for _, id := range batch {
			single := []int64{id}
			if _, err := g.call(ctx, g.timeout, model, method, buildArgs(single), nil); err != nil {
				failure.Failed[id] = err
			} else {
				failure.Succeeded = append(failure.Succeeded, id)
			}
		}
	}
	if len(failure.Failed) > 0 {
		return failure
	}
	return nil
}

// Invoke calls an arbitrary server-side method on ids, used for domain
// actions such as posting a chat message.
func (g *Gateway) Invoke(ctx context.Context, model, method string, ids []int64, args []any, kwargs map[string]any) (any, error) {
	callArgs := make([]any, 0, len(args)+1)
	if ids != nil {
		callArgs = append(callArgs, ids)
	}
	callArgs = append(callArgs, args...)

	var result any
	err := g.retrier.Do(ctx, func(int) error {
		res, err := g.call(ctx, g.timeout, model, method, callArgs, kwargs)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// FetchAllRequest describes a whole-entity-set fetch.
type FetchAllRequest struct {
	Model       string
	Domain      []any
	Fields      []string
	Expected    int // prior count; 0 triggers a fresh count
	PreferBulk  bool
	BulkLimit   int
	PageSize    int
	StartOffset int // resume point for an interrupted full sync
	// OnBatch is invoked after every merged batch so callers can
	// persist progress. May be nil.
	OnBatch func(batchIndex, loaded, total int, batch []models.Record)
}

// FetchAll retrieves an entire entity set: one bulk attempt first (when
// preferred), accepted as complete if it returned at least 90% of the
// expected total, then paged fetches from where bulk stopped. Batches
// that exhaust retries are logged and skipped; the fetch is best-effort,
// not all-or-nothing. Results are deduplicated by id.
func (g *Gateway) FetchAll(ctx context.Context, req FetchAllRequest) ([]models.Record, error) {
	total := req.Expected
	if total <= 0 {
		count, err := g.Count(ctx, req.Model, req.Domain)
		if err != nil {
			return nil, err
		}
		total = count
	}
	if req.PageSize <= 0 {
		req.PageSize = 80
	}

	seen := make(map[int64]bool)
	var out []models.Record
	merge := func(recs []models.Record) []models.Record {
		var fresh []models.Record
		for _, r := range recs {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			out = append(out, r)
			fresh = append(fresh, r)
		}
		return fresh
	}

	offset := req.StartOffset
	batchIndex := offset / req.PageSize

	if req.PreferBulk && offset == 0 && total > 0 {
		bulkLimit := req.BulkLimit
		if bulkLimit <= 0 || bulkLimit > total {
			bulkLimit = total
		}
		recs, err := g.list(ctx, req.Model, req.Domain, req.Fields, bulkLimit, 0, g.bulkTimeout)
		if err != nil {
			log.Printf("⚠️ Bulk fetch of %s failed, falling back to paging: %v", req.Model, err)
		}
		fresh := merge(recs)
		offset = len(recs)
		batchIndex = offset / req.PageSize
		if req.OnBatch != nil && len(fresh) > 0 {
			req.OnBatch(batchIndex, len(out), total, fresh)
		}
		// A bulk result covering >=90% of the expected total is
		// accepted as complete without further paging.
		if len(recs)*10 >= total*9 {
			return out, nil
		}
	}

	for offset < total {
		recs, err := g.list(ctx, req.Model, req.Domain, req.Fields, req.PageSize, offset, g.timeout)
		if err != nil {
			log.Printf("⚠️ Batch %d of %s failed after retries, skipping: %v", batchIndex, req.Model, err)
			merge(recs)
			offset += req.PageSize
			batchIndex++
			continue
		}
		if len(recs) == 0 {
			break
		}
		fresh := merge(recs)
		offset += len(recs)
		batchIndex++
		if req.OnBatch != nil {
			req.OnBatch(batchIndex, len(out), total, fresh)
		}
		if len(recs) < req.PageSize {
			break
		}
	}
	return out, nil
}

// decodeRecords converts a search_read result into Records.
func decodeRecords(res any) ([]models.Record, error) {
	if res == nil {
		return nil, nil
	}
	raw, ok := res.([]any)
	if !ok {
		return nil, &ServerError{Message: "malformed search_read result"}
	}
	recs := make([]models.Record, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, &ServerError{Message: "malformed record in search_read result"}
		}
		recs = append(recs, models.NewRecord(m))
	}
	return recs, nil
}

// normalizeDomain keeps a nil domain serializable as the empty Odoo
// domain rather than JSON null.
func normalizeDomain(domain []any) []any {
	if domain == nil {
		return []any{}
	}
	return domain
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = defaultIDBatch
	}
	var chunks [][]int64
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}
