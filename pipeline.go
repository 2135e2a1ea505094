package restpipe

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Pipeline extracts one or more resources from a paginated HTTP source and
// loads them into a sink, tracking an incremental cursor per resource so
// repeated runs fetch only new or updated records.
//
// Construct with New, tune with the With* methods, then call Run. A Pipeline
// is not safe for concurrent Runs.
type Pipeline struct {
	baseURL   string
	sink      Sink
	resources []Resource

	store            CursorStore
	client           *http.Client
	headers          map[string]string
	workers          int
	batchSize        int
	maxInFlight      int
	retryAttempts    int
	retryInterval    time.Duration
	rateLimit        rate.Limit
	rateBurst        int
	progress         ProgressFunc
	progressInterval int
	log              *slog.Logger
}

// New creates a pipeline extracting the given resources from baseURL into
// sink. Defaults: sequential execution, in-memory cursor state, no rate
// limit, http.DefaultClient, and the Default* values from config.go.
func New(baseURL string, sink Sink, resources ...Resource) *Pipeline {
	return &Pipeline{
		baseURL:          baseURL,
		sink:             sink,
		resources:        resources,
		store:            NewMemoryCursorStore(),
		client:           http.DefaultClient,
		workers:          DefaultWorkers,
		batchSize:        DefaultBatchSize,
		maxInFlight:      DefaultMaxInFlight,
		retryAttempts:    DefaultRetryAttempts,
		retryInterval:    DefaultRetryInterval,
		progressInterval: DefaultProgressInterval,
		log:              slog.Default(),
	}
}

// WithWorkers bounds how many resources are extracted concurrently. 1 means
// fully sequential (one resource drained before the next starts). Values less
// than 1 are ignored.
func (p *Pipeline) WithWorkers(n int) *Pipeline {
	if n >= 1 {
		p.workers = n
	}
	return p
}

// WithBatchSize sets the chunk threshold: how many filtered records are
// grouped into one sink write. Values less than 1 are ignored.
func (p *Pipeline) WithBatchSize(n int) *Pipeline {
	if n >= 1 {
		p.batchSize = n
	}
	return p
}

// WithMaxInFlight bounds the batches buffered between fetch and sink write
// within one resource. Values less than 1 are ignored.
func (p *Pipeline) WithMaxInFlight(n int) *Pipeline {
	if n >= 1 {
		p.maxInFlight = n
	}
	return p
}

// WithRetry sets the total attempt count and the initial backoff interval for
// transient fetch errors. attempts less than 1 and non-positive intervals are
// ignored.
func (p *Pipeline) WithRetry(attempts int, initial time.Duration) *Pipeline {
	if attempts >= 1 {
		p.retryAttempts = attempts
	}
	if initial > 0 {
		p.retryInterval = initial
	}
	return p
}

// WithRateLimit throttles outbound page requests across all resources to
// perSecond requests per second, with the given burst.
func (p *Pipeline) WithRateLimit(perSecond float64, burst int) *Pipeline {
	if perSecond > 0 && burst >= 1 {
		p.rateLimit = rate.Limit(perSecond)
		p.rateBurst = burst
	}
	return p
}

// WithCursorStore sets where committed cursor values persist between runs.
func (p *Pipeline) WithCursorStore(store CursorStore) *Pipeline {
	if store != nil {
		p.store = store
	}
	return p
}

// WithHTTPClient replaces the HTTP client used for page fetches.
func (p *Pipeline) WithHTTPClient(client *http.Client) *Pipeline {
	if client != nil {
		p.client = client
	}
	return p
}

// WithHeaders sets headers sent with every page request (e.g. Authorization).
func (p *Pipeline) WithHeaders(headers map[string]string) *Pipeline {
	p.headers = headers
	return p
}

// WithProgress installs a progress hook fired every interval loaded records
// per resource. A non-positive interval keeps the default.
func (p *Pipeline) WithProgress(fn ProgressFunc, interval int) *Pipeline {
	p.progress = fn
	if interval >= 1 {
		p.progressInterval = interval
	}
	return p
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func (p *Pipeline) WithLogger(log *slog.Logger) *Pipeline {
	if log != nil {
		p.log = log
	}
	return p
}

// Run extracts and loads every resource and returns the aggregated result.
//
// Run returns a non-nil error only for configuration defects that prevent any
// extraction from starting; resource-level failures (fetch errors, sink
// rejections, cancellation) are isolated and reported per resource in the
// RunResult. Inspect RunResult.OK rather than the returned error to decide
// whether the run succeeded.
//
// Cancelling ctx stops each resource at its next page boundary. Batches the
// sink already accepted stay put; cursors of resources that did not fully
// drain are not committed, so the next run re-fetches the overlap and the
// idempotent write dispositions absorb it.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	persisted, err := p.store.Load(ctx)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("loading cursor state: %v", err)}
	}

	trackers := make(map[string]*cursorTracker, len(p.resources))
	for _, res := range p.resources {
		t, err := newCursorTracker(res, persisted[res.Name])
		if err != nil {
			return nil, &ConfigError{Resource: res.Name, Reason: fmt.Sprintf("cursor state: %v", err)}
		}
		trackers[res.Name] = t
	}

	fetch := &fetcher{
		client:  p.client,
		baseURL: p.baseURL,
		headers: p.headers,
	}
	if p.rateLimit > 0 {
		fetch.limiter = rate.NewLimiter(p.rateLimit, p.rateBurst)
	}

	result := &RunResult{
		Started:   time.Now().UTC(),
		Resources: make(map[string]*ResourceResult, len(p.resources)),
	}
	var mu sync.Mutex // guards result; the sole cross-worker shared state

	var group errgroup.Group
	group.SetLimit(p.workers)

	for _, res := range p.resources {
		res := res
		group.Go(func() error {
			rr := p.runResource(ctx, res, fetch, trackers[res.Name])
			mu.Lock()
			result.Resources[res.Name] = rr
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait() // per-resource errors live in the result

	result.Finished = time.Now().UTC()
	p.log.Info("run finished", "ok", result.OK(), "failed", result.Failed())
	return result, nil
}

// runResource extracts one resource and, on success, commits its cursor.
func (p *Pipeline) runResource(ctx context.Context, res Resource, fetch *fetcher, tracker *cursorTracker) *ResourceResult {
	rr := &ResourceResult{Resource: res.Name, Stats: &Stats{}}

	if res.PageSize == 0 {
		res.PageSize = DefaultPageSize
	}

	ext := &extractor{
		res:              res,
		fetch:            fetch,
		sink:             p.sink,
		tracker:          tracker,
		stats:            rr.Stats,
		log:              p.log,
		batchSize:        p.batchSize,
		maxInFlight:      p.maxInFlight,
		retryAttempts:    p.retryAttempts,
		retryInterval:    p.retryInterval,
		progress:         p.progress,
		progressInterval: p.progressInterval,
		state:            stateNotStarted,
	}

	if err := ext.run(ctx); err != nil {
		rr.Status = StatusFailed
		rr.Err = err
		rr.Error = err.Error()
		return rr
	}

	if res.CursorField != "" {
		if value, ok := tracker.committed(); ok {
			if err := p.store.Save(ctx, res.Name, value); err != nil {
				// The data is loaded but the high-water mark is not durable;
				// the next run re-extracts from the old bound.
				rr.Status = StatusFailed
				rr.Err = fmt.Errorf("committing cursor: %w", err)
				rr.Error = rr.Err.Error()
				return rr
			}
			rr.Cursor = value
			rr.CursorCommitted = true
		}
	}

	rr.Status = StatusCompleted
	return rr
}

// validate rejects configurations that indicate a programming defect rather
// than a runtime condition, before any extraction starts.
func (p *Pipeline) validate() error {
	if p.baseURL == "" {
		return &ConfigError{Reason: "base URL must not be empty"}
	}
	if p.sink == nil {
		return &ConfigError{Reason: "sink must not be nil"}
	}
	if len(p.resources) == 0 {
		return &ConfigError{Reason: "at least one resource is required"}
	}
	seen := make(map[string]bool, len(p.resources))
	for _, res := range p.resources {
		if err := res.validate(); err != nil {
			return err
		}
		if seen[res.Name] {
			return &ConfigError{Resource: res.Name, Reason: "duplicate resource name"}
		}
		seen[res.Name] = true
	}
	return nil
}
