// Package restpipe is an incremental extract-load pipeline for paginated
// HTTP data sources.
//
// A pipeline pulls one or more resources (tables) from a REST-style API page
// by page, optionally filters records, groups them into bounded batches, and
// writes the batches to a sink. Each resource can designate a cursor field
// (typically a timestamp); the pipeline tracks the maximum value seen across
// kept records and commits it once the sink has accepted everything, so the
// next run only fetches records past the high-water mark.
//
// # Quick Start
//
//	sink := restpipe.NewMemorySink()
//
//	orders := restpipe.Resource{
//	    Name:          "orders",
//	    Path:          "/orders",
//	    PageSize:      100,
//	    CursorField:   "ordered_at",
//	    CursorParam:   "ordered_at_after",
//	    InitialCursor: "2017-08-01T00:00:00Z",
//	    Disposition:   restpipe.DispositionMerge,
//	    PrimaryKey:    []string{"id"},
//	    Filter: func(rec restpipe.Record) bool {
//	        total, ok := rec["order_total"].(float64)
//	        return ok && total <= 500
//	    },
//	}
//
//	result, err := restpipe.New("https://jaffle-shop.example.com/api/v1", sink, orders).
//	    WithCursorStore(restpipe.NewFileCursorStore("cursors.json")).
//	    WithWorkers(4).
//	    Run(ctx)
//	if err != nil {
//	    // configuration defect; nothing was extracted
//	    log.Fatal(err)
//	}
//	for name, rr := range result.Resources {
//	    slog.Info("resource done", "name", name, "result", rr)
//	}
//
// # Pagination
//
// Two strategies are supported per resource. PaginatePageNumber walks page 1,
// 2, 3, ... and stops when the response's declared total-page count is
// exceeded or a page comes back empty. PaginateNextLink follows a next-page
// link field in each response until it is absent or null. Either way an empty
// page always terminates the resource, which defends against APIs that return
// an empty page while still claiming more pages exist.
//
// # Incremental cursors
//
// When CursorField is set, the pipeline maintains a running maximum of that
// field under the resource's declared comparison semantics (RFC 3339
// timestamp, integer, or lexicographic string). The maximum only advances
// after the sink durably accepts the batch that carried it, and it is only
// persisted once every batch of the resource landed. A failed or cancelled
// resource keeps its old lower bound, so the next run re-extracts the overlap
// and the idempotent dispositions (merge, replace) absorb the duplicates.
// Filtered-out records never advance the cursor: what the sink never saw can
// never pin the lower bound.
//
// # Concurrency
//
// Resources run on a bounded worker pool (WithWorkers; the default is fully
// sequential). Within a resource, pages are fetched strictly in order because
// pagination tokens are sequential, but fetching overlaps with sink writes
// through a bounded in-flight batch queue (WithMaxInFlight). Batches reach
// the sink in page order within a resource; no ordering is guaranteed across
// resources.
//
// # Failure model
//
// Transient fetch errors (network, 5xx, 429) are retried with bounded
// exponential backoff; fatal fetch errors (other 4xx, malformed bodies) and
// sink rejections fail the resource immediately. One resource's failure never
// halts its siblings. Run returns an error only for configuration defects;
// everything else surfaces in the per-resource RunResult.
package restpipe
