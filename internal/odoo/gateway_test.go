package odoo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlink/odoofield/internal/models"
)

// fakeTransport serves a fixed record set through the execute_kw surface
// and lets tests inject failures per method via hook.
type fakeTransport struct {
	records []map[string]any
	calls   []string
	nextID  int64
	// hook runs before the default behavior; returning handled=true
	// short-circuits.
	hook func(method string, args []any, kwargs map[string]any) (result any, err error, handled bool)
}

func (f *fakeTransport) ExecuteKw(ctx context.Context, model, method string, args []any, kwargs map[string]any) (any, error) {
	f.calls = append(f.calls, method)
	if f.hook != nil {
		if res, err, handled := f.hook(method, args, kwargs); handled {
			return res, err
		}
	}
	switch method {
	case "search_count":
		return int64(len(f.records)), nil
	case "search_read":
		matched := f.match(args)
		offset, limit := intKwarg(kwargs, "offset", 0), intKwarg(kwargs, "limit", len(f.records))
		return window(matched, offset, limit), nil
	case "search":
		matched := f.match(args)
		offset, limit := intKwarg(kwargs, "offset", 0), intKwarg(kwargs, "limit", len(f.records))
		var ids []any
		for _, r := range window(matched, offset, limit) {
			ids = append(ids, r.(map[string]any)["id"])
		}
		return ids, nil
	case "create":
		f.nextID++
		id := int64(9000) + f.nextID
		rec := map[string]any{"id": id}
		for k, v := range args[0].(map[string]any) {
			rec[k] = v
		}
		f.records = append(f.records, rec)
		return id, nil
	case "write", "unlink":
		return true, nil
	default:
		return nil, fmt.Errorf("fake transport: unknown method %s", method)
	}
}

func (f *fakeTransport) match(args []any) []map[string]any {
	domain, _ := args[0].([]any)
	if len(domain) == 0 {
		return f.records
	}
	cond, ok := domain[0].([]any)
	if !ok || len(cond) != 3 || cond[0] != "id" {
		return f.records
	}
	var out []map[string]any
	switch cond[1] {
	case "=":
		want := models.ToInt64(cond[2])
		for _, r := range f.records {
			if models.ToInt64(r["id"]) == want {
				out = append(out, r)
			}
		}
	case "in":
		want := map[int64]bool{}
		if ids, ok := cond[2].([]int64); ok {
			for _, id := range ids {
				want[id] = true
			}
		}
		for _, r := range f.records {
			if want[models.ToInt64(r["id"])] {
				out = append(out, r)
			}
		}
	default:
		out = f.records
	}
	return out
}

func window(recs []map[string]any, offset, limit int) []any {
	if offset > len(recs) {
		offset = len(recs)
	}
	end := offset + limit
	if end > len(recs) {
		end = len(recs)
	}
	out := make([]any, 0, end-offset)
	for _, r := range recs[offset:end] {
		out = append(out, r)
	}
	return out
}

func intKwarg(kwargs map[string]any, key string, fallback int) int {
	if kwargs == nil {
		return fallback
	}
	if v, ok := kwargs[key]; ok {
		return int(models.ToInt64(v))
	}
	return fallback
}

func makeRecords(n int) []map[string]any {
	recs := make([]map[string]any, n)
	for i := range recs {
		recs[i] = map[string]any{"id": int64(i + 1), "name": fmt.Sprintf("rec-%d", i+1)}
	}
	return recs
}

func fastGateway(t *fakeTransport, opts ...Option) *Gateway {
	base := []Option{WithRetrier(&Retrier{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Sleep:       func(time.Duration) {},
	})}
	return NewGateway(t, append(base, opts...)...)
}

func TestFetchAllBulkAcceptedAtNinetyPercent(t *testing.T) {
	// 100 records expected, only 90 still present server-side.
	ft := &fakeTransport{records: makeRecords(90)}
	gw := fastGateway(ft)

	recs, err := gw.FetchAll(context.Background(), FetchAllRequest{
		Model:      "res.partner",
		Expected:   100,
		PreferBulk: true,
		BulkLimit:  5000,
		PageSize:   80,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 90, "90%% of expected is accepted as complete")

	for _, call := range ft.calls {
		assert.NotEqual(t, "search", call, "no paging fallback expected")
	}
}

func TestFetchAllPagesAfterShortBulk(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(100)}
	// The bulk attempt dries up at 50, below the acceptance threshold;
	// only small paged reads get past offset 50.
	ft.hook = func(method string, args []any, kwargs map[string]any) (any, error, bool) {
		if method != "search_read" {
			return nil, nil, false
		}
		limit, offset := intKwarg(kwargs, "limit", 0), intKwarg(kwargs, "offset", 0)
		if limit > 80 {
			return window(ft.records, 0, 50), nil, true
		}
		if offset >= 50 && limit > 20 {
			return []any{}, nil, true
		}
		return nil, nil, false
	}
	gw := fastGateway(ft)

	recs, err := gw.FetchAll(context.Background(), FetchAllRequest{
		Model:      "res.partner",
		Expected:   100,
		PreferBulk: true,
		BulkLimit:  5000,
		PageSize:   20,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 100, "paging resumes where bulk stopped")

	seen := map[int64]int{}
	for _, r := range recs {
		seen[r.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %d duplicated", id)
	}
}

func TestFetchAllFallsBackWhenBulkFails(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(30)}
	ft.hook = func(method string, args []any, kwargs map[string]any) (any, error, bool) {
		if intKwarg(kwargs, "limit", 0) > 20 {
			return nil, &NetworkError{Op: "bulk", Err: errors.New("timeout")}, true
		}
		return nil, nil, false
	}
	gw := fastGateway(ft)

	recs, err := gw.FetchAll(context.Background(), FetchAllRequest{
		Model:      "res.partner",
		Expected:   30,
		PreferBulk: true,
		BulkLimit:  5000,
		PageSize:   10,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 30)
}

func TestFetchAllSkipsDeadWindow(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(30)}
	// Offset 10 is poisoned for every method: retries, per-record
	// fallback, everything fails there.
	ft.hook = func(method string, args []any, kwargs map[string]any) (any, error, bool) {
		if intKwarg(kwargs, "offset", 0) == 10 {
			return nil, &ServerError{Status: 500, Message: "window broken"}, true
		}
		return nil, nil, false
	}
	gw := fastGateway(ft)

	recs, err := gw.FetchAll(context.Background(), FetchAllRequest{
		Model:    "res.partner",
		Expected: 30,
		PageSize: 10,
	})
	require.NoError(t, err, "best-effort fetch does not fail on one dead window")
	assert.Len(t, recs, 20, "the dead window is skipped, the rest arrives")
}

func TestFetchAllReportsProgress(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(25)}
	gw := fastGateway(ft)

	var loads []int
	recs, err := gw.FetchAll(context.Background(), FetchAllRequest{
		Model:    "res.partner",
		Expected: 25,
		PageSize: 10,
		OnBatch: func(batchIndex, loaded, total int, batch []models.Record) {
			assert.Equal(t, 25, total)
			loads = append(loads, loaded)
		},
	})
	require.NoError(t, err)
	assert.Len(t, recs, 25)
	assert.Equal(t, []int{10, 20, 25}, loads)
}

func TestFetchAllResumesFromOffset(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(30)}
	gw := fastGateway(ft)

	recs, err := gw.FetchAll(context.Background(), FetchAllRequest{
		Model:       "res.partner",
		Expected:    30,
		PageSize:    10,
		StartOffset: 20,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 10, "resume fetches only the remaining window")
	assert.Equal(t, int64(21), recs[0].ID)
}

func TestListChunkShrinksOnRetry(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(100)}
	var limits []int
	ft.hook = func(method string, args []any, kwargs map[string]any) (any, error, bool) {
		if method == "search_read" {
			limit := intKwarg(kwargs, "limit", 0)
			limits = append(limits, limit)
			if limit > 20 {
				return nil, &ServerError{Status: 504, Message: "too big"}, true
			}
		}
		return nil, nil, false
	}
	gw := fastGateway(ft)

	recs, err := gw.List(context.Background(), "res.partner", nil, nil, 80, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
	assert.Equal(t, 80, limits[0])
	assert.Equal(t, 40, limits[1])
	assert.Equal(t, 20, limits[2], "batch halves on each retry")
}

func TestGetByIDNotFound(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(3)}
	gw := fastGateway(ft)

	_, err := gw.GetByID(context.Background(), "res.partner", 99, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	rec, err := gw.GetByID(context.Background(), "res.partner", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.ID)
}

func TestUpdatePartialFailure(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(3)}
	ft.hook = func(method string, args []any, kwargs map[string]any) (any, error, bool) {
		if method != "write" {
			return nil, nil, false
		}
		ids := args[0].([]int64)
		// Batches always fail; singles fail only for id 2.
		if len(ids) > 1 || ids[0] == 2 {
			return nil, &ValidationError{Status: 422, Message: "locked"}, true
		}
		return true, nil, false
	}
	gw := fastGateway(ft)

	err := gw.Update(context.Background(), "res.partner", []int64{1, 2, 3}, map[string]any{"name": "x"})
	var pf *PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.ElementsMatch(t, []int64{1, 3}, pf.Succeeded)
	require.Len(t, pf.Failed, 1)
	assert.Contains(t, pf.Failed, int64(2))
}

func TestCreateReturnsServerID(t *testing.T) {
	ft := &fakeTransport{}
	gw := fastGateway(ft)

	id, err := gw.Create(context.Background(), "res.partner", map[string]any{"name": "new"})
	require.NoError(t, err)
	assert.Positive(t, id)
}

func TestCountRetriesNetworkErrors(t *testing.T) {
	ft := &fakeTransport{records: makeRecords(5)}
	failures := 2
	ft.hook = func(method string, args []any, kwargs map[string]any) (any, error, bool) {
		if method == "search_count" && failures > 0 {
			failures--
			return nil, &NetworkError{Op: "count", Err: errors.New("flaky")}, true
		}
		return nil, nil, false
	}
	gw := fastGateway(ft)

	n, err := gw.Count(context.Background(), "res.partner", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}
