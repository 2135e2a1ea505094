package restpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// extractorState tracks where a resource is in its lifecycle. States advance
// NotStarted -> Paginating -> Draining -> Completed | Failed; the value is
// only read for log lines, never for control flow across goroutines.
type extractorState string

const (
	stateNotStarted extractorState = "not_started"
	statePaginating extractorState = "paginating"
	stateDraining   extractorState = "draining"
	stateCompleted  extractorState = "completed"
	stateFailed     extractorState = "failed"
)

// extractor drives one resource: Paginator -> PageFetcher -> Filter ->
// Chunker, with batches delivered to the sink in page order. The fetch side
// and the write side run on separate goroutines joined by a bounded channel,
// so the next page can be fetched while the previous batch is being written.
type extractor struct {
	res     Resource
	fetch   *fetcher
	sink    Sink
	tracker *cursorTracker
	stats   *Stats
	log     *slog.Logger

	batchSize        int
	maxInFlight      int
	retryAttempts    int
	retryInterval    time.Duration
	progress         ProgressFunc
	progressInterval int

	state extractorState
}

// run extracts and loads the resource to completion. It returns the failure
// cause for resource-level errors; the caller records it in the RunResult
// rather than aborting sibling resources.
func (e *extractor) run(ctx context.Context) error {
	e.state = statePaginating
	e.log.Info("extraction started", "resource", e.res.Name, "disposition", string(e.res.disposition()))

	batches := make(chan Batch, e.maxInFlight)
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(batches)
		return e.produce(groupCtx, batches)
	})
	group.Go(func() error {
		return e.load(groupCtx, batches)
	})

	if err := group.Wait(); err != nil {
		e.state = stateFailed
		e.log.Error("extraction failed", "resource", e.res.Name, "state", string(e.state), "error", err, "stats", e.stats)
		return err
	}

	e.state = stateCompleted
	e.log.Info("extraction completed", "resource", e.res.Name, "stats", e.stats)
	return nil
}

// produce walks the resource's pages, filters and chunks records, and sends
// completed batches downstream. Cancellation is honoured at page boundaries:
// the current page finishes, the next is never requested.
func (e *extractor) produce(ctx context.Context, out chan<- Batch) error {
	pager := newPaginator(e.res.pagination())
	chunks := newChunker(e.res, e.batchSize)

	tok := pager.first()
	seq := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, meta, err := e.fetchWithRetry(ctx, tok)
		if err != nil {
			return err
		}
		e.stats.incPages(1)
		e.stats.incExtracted(int64(len(records)))

		for _, rec := range records {
			if e.res.Filter != nil && !e.res.Filter(rec) {
				e.stats.incFiltered(1)
				continue
			}
			if full := chunks.add(rec); full != nil {
				if err := e.send(ctx, out, e.makeBatch(full, tok.page, seq)); err != nil {
					return err
				}
				seq++
			}
		}

		next, more := pager.next(tok, meta)
		if !more {
			break
		}
		tok = next
	}

	// Draining: the source is exhausted, flush the partial final chunk.
	e.state = stateDraining
	if rest := chunks.flush(); rest != nil {
		if err := e.send(ctx, out, e.makeBatch(rest, tok.page, seq)); err != nil {
			return err
		}
	}
	return nil
}

// fetchWithRetry fetches one page, retrying transient errors with bounded
// exponential backoff. Fatal errors and exhausted retries surface as the
// resource's failure cause.
func (e *extractor) fetchWithRetry(ctx context.Context, tok pageToken) ([]Record, pageMeta, error) {
	lower, hasLower := e.tracker.lowerBound()

	var records []Record
	var meta pageMeta
	op := func() error {
		var err error
		records, meta, err = e.fetch.fetchPage(ctx, e.res, tok, lower, hasLower)
		if err == nil {
			return nil
		}
		if IsTransientFetch(err) {
			e.stats.incRetries(1)
			e.log.Warn("transient fetch error, retrying", "resource", e.res.Name, "page", tok.page, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(e.retryAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		if IsTransientFetch(err) {
			return nil, pageMeta{}, fmt.Errorf("giving up after %d attempts: %w", e.retryAttempts, err)
		}
		return nil, pageMeta{}, err
	}
	return records, meta, nil
}

// makeBatch seals a chunk into a Batch, recording the largest cursor value it
// carries so the tracker can be advanced once the sink accepts it.
func (e *extractor) makeBatch(records []Record, page, seq int) Batch {
	b := Batch{Resource: e.res.Name, Page: page, Seq: seq, Records: records}
	if e.res.CursorField == "" {
		return b
	}
	var best cursorValue
	has := false
	for _, rec := range records {
		v, ok := rec.Lookup(e.res.CursorField)
		if !ok {
			// Records lacking the cursor field still load, they just never
			// advance the tracker.
			continue
		}
		cv, err := cursorFromField(e.res.cursorType(), v)
		if err != nil {
			e.log.Warn("unparsable cursor value, not advancing", "resource", e.res.Name, "error", err)
			continue
		}
		if !has || best.less(cv) {
			best = cv
			has = true
		}
	}
	if has {
		b.maxCursor = best.raw
		b.hasCursor = true
	}
	return b
}

func (e *extractor) send(ctx context.Context, out chan<- Batch, b Batch) error {
	select {
	case out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load writes batches to the sink in order and advances the cursor tracker
// after each durable accept.
func (e *extractor) load(ctx context.Context, in <-chan Batch) error {
	interval := int64(e.progressInterval)
	for batch := range in {
		if err := e.sink.Write(ctx, e.res, batch); err != nil {
			var se *SinkError
			if !errors.As(err, &se) {
				err = &SinkError{Resource: e.res.Name, Batch: batch.Seq, Err: err}
			}
			return err
		}

		// Durability before advance: the tracker only moves once the sink
		// has acked the batch that carried the value.
		if batch.hasCursor {
			if err := e.tracker.advance(batch.maxCursor); err != nil {
				return err
			}
		}

		e.stats.incBatches(1)
		newLoaded := e.stats.incLoaded(int64(len(batch.Records)))
		prevLoaded := newLoaded - int64(len(batch.Records))
		if e.progress != nil && newLoaded/interval > prevLoaded/interval {
			e.progress(ctx, e.res.Name, e.stats)
		}
	}
	return nil
}
