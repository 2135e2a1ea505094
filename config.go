package restpipe

import "time"

// Default configuration values.
const (
	// DefaultPageSize is the per-page record count requested from the source
	// when a resource does not set its own.
	DefaultPageSize = 100

	// DefaultBatchSize is the chunk threshold: filtered records are grouped
	// into batches of at most this many records before being written.
	DefaultBatchSize = 100

	// DefaultWorkers runs resources sequentially. Raise via WithWorkers to
	// extract resources concurrently.
	DefaultWorkers = 1

	// DefaultMaxInFlight bounds the batches buffered between the fetch side
	// and the sink-write side of one resource, so page k+1 can be fetched
	// while page k's batch is being written without unbounded memory growth.
	DefaultMaxInFlight = 2

	// DefaultRetryAttempts is the total number of tries for a page fetch that
	// keeps failing transiently.
	DefaultRetryAttempts = 3

	// DefaultRetryInterval is the initial backoff delay between retries; the
	// delay grows exponentially from here.
	DefaultRetryInterval = 500 * time.Millisecond

	// DefaultProgressInterval is how often (in loaded records) the progress
	// hook fires.
	DefaultProgressInterval = 10000
)
