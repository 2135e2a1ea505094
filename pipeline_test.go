package restpipe_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bjaus/restpipe"
)

// =============================================================================
// Test Helpers
// =============================================================================

// pagesHandler serves fixed pages in page-number style: records under "data",
// the page count under "total_pages". Requests beyond the last page get an
// empty data array.
func pagesHandler(pages [][]map[string]any, hits *atomic.Int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		data := []map[string]any{}
		if page <= len(pages) {
			data = pages[page-1]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":        data,
			"total_pages": len(pages),
		})
	}
}

func order(id int, ts string, total float64) map[string]any {
	return map[string]any{"id": float64(id), "ts": ts, "order_total": total}
}

// ids extracts the "id" field of every row, in order.
func ids(rows []restpipe.Record) []int {
	out := make([]int, len(rows))
	for i, r := range rows {
		out[i] = int(r["id"].(float64))
	}
	return out
}

func ordersResource() restpipe.Resource {
	return restpipe.Resource{
		Name:        "orders",
		Path:        "/orders",
		CursorField: "ts",
		CursorType:  restpipe.CursorString,
	}
}

// =============================================================================
// Extraction Semantics
// =============================================================================

func TestPipelineConcreteScenario(t *testing.T) {
	// Page size 2, pages [{1,T1},{2,T2}], [{3,T3}]: two pages fetched, three
	// records loaded, final cursor T3.
	pages := [][]map[string]any{
		{order(1, "T1", 10), order(2, "T2", 20)},
		{order(3, "T3", 30)},
	}
	var hits atomic.Int64
	srv := httptest.NewServer(pagesHandler(pages, &hits))
	defer srv.Close()

	sink := restpipe.NewMemorySink()
	res := ordersResource()
	res.PageSize = 2

	result, err := restpipe.New(srv.URL, sink, res).Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.OK())

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusCompleted, rr.Status)
	require.Equal(t, int64(2), rr.Stats.Pages())
	require.Equal(t, int64(3), rr.Stats.Extracted())
	require.Equal(t, int64(3), rr.Stats.Loaded())
	require.True(t, rr.CursorCommitted)
	require.Equal(t, "T3", rr.Cursor)
	require.Equal(t, int64(2), hits.Load())

	require.Equal(t, []int{1, 2, 3}, ids(sink.Table("orders")))
}

func TestPaginationTerminationAndBatchCount(t *testing.T) {
	// 3 full pages of 4 plus a partial page of 2 = 14 records. With a batch
	// size of 5 that is ceil(14/5) = 3 batches over exactly 4 fetches.
	var pages [][]map[string]any
	id := 0
	for p := 0; p < 3; p++ {
		var page []map[string]any
		for i := 0; i < 4; i++ {
			id++
			page = append(page, order(id, "T"+strconv.Itoa(id), 1))
		}
		pages = append(pages, page)
	}
	id++
	pages = append(pages, []map[string]any{order(id, "T13", 1), order(id+1, "T14", 1)})

	var hits atomic.Int64
	srv := httptest.NewServer(pagesHandler(pages, &hits))
	defer srv.Close()

	sink := restpipe.NewMemorySink()
	result, err := restpipe.New(srv.URL, sink, ordersResource()).
		WithBatchSize(5).
		Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusCompleted, rr.Status)
	require.Equal(t, int64(4), rr.Stats.Pages())
	require.Equal(t, int64(4), hits.Load(), "declared total must prevent an extra empty fetch")
	require.Equal(t, int64(14), rr.Stats.Extracted())
	require.Equal(t, int64(3), rr.Stats.Batches())
	require.Equal(t, int64(14), rr.Stats.Loaded())
	require.Len(t, sink.Table("orders"), 14)
}

func TestChunkIntegrity(t *testing.T) {
	// Concatenating everything the sink saw must reproduce the filtered
	// sequence with no duplicates, drops, or reordering.
	pages := [][]map[string]any{
		{order(1, "T1", 100), order(2, "T2", 600), order(3, "T3", 100)},
		{order(4, "T4", 100), order(5, "T5", 700), order(6, "T6", 100)},
		{order(7, "T7", 100)},
	}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	sink := restpipe.NewMemorySink()
	res := ordersResource()
	res.Filter = func(rec restpipe.Record) bool {
		return rec["order_total"].(float64) <= 500
	}

	result, err := restpipe.New(srv.URL, sink, res).
		WithBatchSize(2).
		Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, int64(7), rr.Stats.Extracted())
	require.Equal(t, int64(2), rr.Stats.Filtered())
	require.Equal(t, int64(5), rr.Stats.Loaded())
	require.Equal(t, int64(3), rr.Stats.Batches(), "2+2+1 with partial final flush")
	require.Equal(t, []int{1, 3, 4, 6, 7}, ids(sink.Table("orders")))
}

func TestFilterCursorConsistency(t *testing.T) {
	// The record with the largest cursor is filtered out; it must appear in
	// neither the sink nor the committed cursor.
	pages := [][]map[string]any{
		{order(1, "T1", 100), order(2, "T9", 999), order(3, "T3", 100)},
	}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	run := func(store restpipe.CursorStore, sink *restpipe.MemorySink) *restpipe.RunResult {
		res := ordersResource()
		res.Filter = func(rec restpipe.Record) bool {
			return rec["order_total"].(float64) <= 500
		}
		result, err := restpipe.New(srv.URL, sink, res).
			WithCursorStore(store).
			Run(context.Background())
		require.NoError(t, err)
		return result
	}

	store := restpipe.NewMemoryCursorStore()
	sink := restpipe.NewMemorySink()

	first := run(store, sink)
	rr := first.Resources["orders"]
	require.Equal(t, "T3", rr.Cursor, "filtered-out T9 must not pin the lower bound")
	require.Equal(t, []int{1, 3}, ids(sink.Table("orders")))

	// Re-running against unchanged data re-fetches and re-rejects the same
	// record deterministically.
	second := run(store, restpipe.NewMemorySink())
	require.Equal(t, "T3", second.Resources["orders"].Cursor)
	require.Equal(t, int64(1), second.Resources["orders"].Stats.Filtered())
}

func TestRecordsMissingCursorFieldStillLoad(t *testing.T) {
	pages := [][]map[string]any{
		{order(1, "T1", 1), {"id": float64(2), "order_total": float64(1)}, order(3, "T2", 1)},
	}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	sink := restpipe.NewMemorySink()
	result, err := restpipe.New(srv.URL, sink, ordersResource()).Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusCompleted, rr.Status)
	require.Equal(t, []int{1, 2, 3}, ids(sink.Table("orders")))
	require.Equal(t, "T2", rr.Cursor)
}

func TestIncrementalSecondRunSendsLowerBound(t *testing.T) {
	var lowerSeen atomic.Value
	pages := [][]map[string]any{{order(1, "T1", 1), order(2, "T2", 1)}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v := r.URL.Query().Get("ts_after"); v != "" {
			lowerSeen.Store(v)
		}
		pagesHandler(pages, nil)(w, r)
	}))
	defer srv.Close()

	res := ordersResource()
	res.CursorParam = "ts_after"
	res.InitialCursor = "T0"
	store := restpipe.NewMemoryCursorStore()

	_, err := restpipe.New(srv.URL, restpipe.NewMemorySink(), res).
		WithCursorStore(store).
		Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "T0", lowerSeen.Load(), "first run sends the initial value")

	_, err = restpipe.New(srv.URL, restpipe.NewMemorySink(), res).
		WithCursorStore(store).
		Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "T2", lowerSeen.Load(), "second run sends the committed high-water mark")
}

// =============================================================================
// Failure Handling
// =============================================================================

func TestFailureIsolation(t *testing.T) {
	mux := http.NewServeMux()
	mux.Handle("/orders", pagesHandler([][]map[string]any{{order(1, "T1", 1)}}, nil))
	mux.HandleFunc("/customers", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	customers := restpipe.Resource{
		Name:        "customers",
		Path:        "/customers",
		CursorField: "ts",
		CursorType:  restpipe.CursorString,
	}
	store := restpipe.NewMemoryCursorStore()
	sink := restpipe.NewMemorySink()

	result, err := restpipe.New(srv.URL, sink, ordersResource(), customers).
		WithCursorStore(store).
		Run(context.Background())
	require.NoError(t, err, "resource failures never surface as a run error")
	require.False(t, result.OK())
	require.Equal(t, []string{"customers"}, result.Failed())

	good := result.Resources["orders"]
	require.Equal(t, restpipe.StatusCompleted, good.Status)
	require.Equal(t, int64(1), good.Stats.Loaded())
	require.Equal(t, "T1", good.Cursor)

	bad := result.Resources["customers"]
	require.Equal(t, restpipe.StatusFailed, bad.Status)
	require.Error(t, bad.Err)
	require.False(t, bad.CursorCommitted)

	values, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotContains(t, values, "customers", "failed resource must not commit a cursor")
	require.Equal(t, "T1", values["orders"])
}

func TestTransientErrorsRetried(t *testing.T) {
	var calls atomic.Int64
	pages := [][]map[string]any{{order(1, "T1", 1)}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		pagesHandler(pages, nil)(w, r)
	}))
	defer srv.Close()

	result, err := restpipe.New(srv.URL, restpipe.NewMemorySink(), ordersResource()).
		WithRetry(3, time.Millisecond).
		Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusCompleted, rr.Status)
	require.Equal(t, int64(2), rr.Stats.Retries())
	require.Equal(t, int64(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	result, err := restpipe.New(srv.URL, restpipe.NewMemorySink(), ordersResource()).
		WithRetry(3, time.Millisecond).
		Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusFailed, rr.Status)
	require.True(t, restpipe.IsTransientFetch(rr.Err))
	require.Equal(t, int64(3), calls.Load(), "bounded at the configured attempt count")
	require.False(t, rr.CursorCommitted)
}

func TestFatalErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	result, err := restpipe.New(srv.URL, restpipe.NewMemorySink(), ordersResource()).
		WithRetry(5, time.Millisecond).
		Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusFailed, rr.Status)
	require.False(t, restpipe.IsTransientFetch(rr.Err))
	require.Equal(t, int64(1), calls.Load())
}

type rejectingSink struct {
	accepted atomic.Int64
	failFrom int64 // reject batches with Seq >= failFrom
}

func (s *rejectingSink) Write(_ context.Context, res restpipe.Resource, batch restpipe.Batch) error {
	if int64(batch.Seq) >= s.failFrom {
		return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: context.DeadlineExceeded}
	}
	s.accepted.Add(1)
	return nil
}

func TestSinkErrorFailsResourceWithoutCommit(t *testing.T) {
	pages := [][]map[string]any{
		{order(1, "T1", 1), order(2, "T2", 1)},
		{order(3, "T3", 1), order(4, "T4", 1)},
	}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	sink := &rejectingSink{failFrom: 1}
	store := restpipe.NewMemoryCursorStore()

	result, err := restpipe.New(srv.URL, sink, ordersResource()).
		WithBatchSize(2).
		WithCursorStore(store).
		Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusFailed, rr.Status)
	var se *restpipe.SinkError
	require.ErrorAs(t, rr.Err, &se)
	require.Equal(t, int64(1), sink.accepted.Load(), "earlier accepted batches are not rolled back")
	require.False(t, rr.CursorCommitted)

	values, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestCancellationStopsAtPageBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	firstPage := []map[string]any{order(1, "T1", 1), order(2, "T2", 1)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page > 1 {
			// Cancellation arrives while the extractor is between pages.
			cancel()
			<-r.Context().Done()
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": firstPage, "total_pages": 3})
	}))
	defer srv.Close()

	store := restpipe.NewMemoryCursorStore()
	sink := restpipe.NewMemorySink()
	res := ordersResource()
	res.PageSize = 2

	result, err := restpipe.New(srv.URL, sink, res).
		WithBatchSize(2).
		WithCursorStore(store).
		Run(ctx)
	require.NoError(t, err)

	rr := result.Resources["orders"]
	require.Equal(t, restpipe.StatusFailed, rr.Status)
	require.ErrorIs(t, rr.Err, context.Canceled)
	require.False(t, rr.CursorCommitted)
	require.Equal(t, []int{1, 2}, ids(sink.Table("orders")), "accepted batches stay in the sink")

	values, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, values, "cancelled resources never commit")
}

// =============================================================================
// Dispositions
// =============================================================================

func TestMergeIdempotentRerun(t *testing.T) {
	pages := [][]map[string]any{
		{order(1, "T1", 1), order(2, "T2", 1)},
		{order(3, "T3", 1)},
	}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	res := ordersResource()
	res.Disposition = restpipe.DispositionMerge
	res.PrimaryKey = []string{"id"}

	sink := restpipe.NewMemorySink()
	store := restpipe.NewMemoryCursorStore()

	for i := 0; i < 2; i++ {
		result, err := restpipe.New(srv.URL, sink, res).
			WithCursorStore(store).
			Run(context.Background())
		require.NoError(t, err)
		require.True(t, result.OK())
	}

	require.Len(t, sink.Table("orders"), 3, "merge absorbs the re-fetched overlap")
}

func TestReplaceDispositionTruncates(t *testing.T) {
	pages := [][]map[string]any{{order(1, "T1", 1), order(2, "T2", 1)}}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	res := restpipe.Resource{Name: "orders", Path: "/orders", Disposition: restpipe.DispositionReplace}
	sink := restpipe.NewMemorySink()

	for i := 0; i < 2; i++ {
		result, err := restpipe.New(srv.URL, sink, res).Run(context.Background())
		require.NoError(t, err)
		require.True(t, result.OK())
	}

	require.Len(t, sink.Table("orders"), 2, "second run replaces, not appends")
}

// =============================================================================
// Concurrency & Configuration
// =============================================================================

func TestParallelResources(t *testing.T) {
	var inFlight, maxInFlight atomic.Int64
	mux := http.NewServeMux()
	for _, name := range []string{"a", "b", "c"} {
		mux.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
			cur := inFlight.Add(1)
			for {
				prev := maxInFlight.Load()
				if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			pagesHandler([][]map[string]any{{order(1, "T1", 1)}}, nil)(w, r)
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resources := []restpipe.Resource{
		{Name: "a", Path: "/a"},
		{Name: "b", Path: "/b"},
		{Name: "c", Path: "/c"},
	}
	sink := restpipe.NewMemorySink()

	result, err := restpipe.New(srv.URL, sink, resources...).
		WithWorkers(3).
		Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.OK())
	require.Greater(t, maxInFlight.Load(), int64(1), "resources must overlap with 3 workers")

	for _, name := range []string{"a", "b", "c"} {
		require.Len(t, sink.Table(name), 1)
	}
}

func TestRateLimitThrottlesFetches(t *testing.T) {
	var pages [][]map[string]any
	for i := 1; i <= 4; i++ {
		pages = append(pages, []map[string]any{order(i, "T"+strconv.Itoa(i), 1)})
	}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	start := time.Now()
	result, err := restpipe.New(srv.URL, restpipe.NewMemorySink(), ordersResource()).
		WithRateLimit(50, 1).
		Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.OK())

	// 4 pages at 50 req/s with burst 1 means at least 3 waits of 20ms.
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestProgressHook(t *testing.T) {
	pages := [][]map[string]any{{order(1, "T1", 1), order(2, "T2", 1), order(3, "T3", 1), order(4, "T4", 1)}}
	srv := httptest.NewServer(pagesHandler(pages, nil))
	defer srv.Close()

	var reports atomic.Int64
	_, err := restpipe.New(srv.URL, restpipe.NewMemorySink(), ordersResource()).
		WithBatchSize(1).
		WithProgress(func(_ context.Context, resource string, stats *restpipe.Stats) {
			require.Equal(t, "orders", resource)
			reports.Add(1)
		}, 2).
		Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), reports.Load(), "fires at 2 and 4 loaded records")
}

func TestConfigurationErrors(t *testing.T) {
	srv := httptest.NewServer(pagesHandler(nil, nil))
	defer srv.Close()
	valid := restpipe.Resource{Name: "orders", Path: "/orders"}

	tests := []struct {
		name string
		run  func() (*restpipe.RunResult, error)
	}{
		{
			name: "merge without primary key",
			run: func() (*restpipe.RunResult, error) {
				res := valid
				res.Disposition = restpipe.DispositionMerge
				return restpipe.New(srv.URL, restpipe.NewMemorySink(), res).Run(context.Background())
			},
		},
		{
			name: "duplicate resource names",
			run: func() (*restpipe.RunResult, error) {
				return restpipe.New(srv.URL, restpipe.NewMemorySink(), valid, valid).Run(context.Background())
			},
		},
		{
			name: "empty base URL",
			run: func() (*restpipe.RunResult, error) {
				return restpipe.New("", restpipe.NewMemorySink(), valid).Run(context.Background())
			},
		},
		{
			name: "nil sink",
			run: func() (*restpipe.RunResult, error) {
				return restpipe.New(srv.URL, nil, valid).Run(context.Background())
			},
		},
		{
			name: "no resources",
			run: func() (*restpipe.RunResult, error) {
				return restpipe.New(srv.URL, restpipe.NewMemorySink()).Run(context.Background())
			},
		},
		{
			name: "unknown disposition",
			run: func() (*restpipe.RunResult, error) {
				res := valid
				res.Disposition = "upsert"
				return restpipe.New(srv.URL, restpipe.NewMemorySink(), res).Run(context.Background())
			},
		},
		{
			name: "invalid initial cursor",
			run: func() (*restpipe.RunResult, error) {
				res := valid
				res.CursorField = "ts"
				res.InitialCursor = "not-a-timestamp"
				return restpipe.New(srv.URL, restpipe.NewMemorySink(), res).Run(context.Background())
			},
		},
		{
			name: "nameless resource",
			run: func() (*restpipe.RunResult, error) {
				res := valid
				res.Name = ""
				return restpipe.New(srv.URL, restpipe.NewMemorySink(), res).Run(context.Background())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.run()
			require.Nil(t, result, "config errors abort before any extraction")
			var ce *restpipe.ConfigError
			require.ErrorAs(t, err, &ce)
		})
	}
}

func TestNextLinkStrategyEndToEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{order(1, "T1", 1)},
				"next": "/items?cursor=abc",
			})
		case "abc":
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{order(2, "T2", 1)},
				"next": nil,
			})
		default:
			http.Error(w, "bad cursor", http.StatusBadRequest)
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := restpipe.NewMemorySink()
	res := restpipe.Resource{
		Name:       "items",
		Path:       "/items",
		Pagination: restpipe.PaginateNextLink,
	}

	result, err := restpipe.New(srv.URL, sink, res).Run(context.Background())
	require.NoError(t, err)

	rr := result.Resources["items"]
	require.Equal(t, restpipe.StatusCompleted, rr.Status)
	require.Equal(t, int64(2), rr.Stats.Pages())
	require.Equal(t, []int{1, 2}, ids(sink.Table("items")))
}

func TestRunResultJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	result, err := restpipe.New(srv.URL, restpipe.NewMemorySink(), restpipe.Resource{Name: "orders", Path: "/orders"}).
		Run(context.Background())
	require.NoError(t, err)

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	resources := decoded["resources"].(map[string]any)
	orders := resources["orders"].(map[string]any)
	require.Equal(t, "failed", orders["status"])
	require.NotEmpty(t, orders["error"], "failure cause must survive JSON marshalling")
}
