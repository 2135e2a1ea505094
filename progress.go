package restpipe

import "context"

// ProgressFunc receives periodic progress updates while a resource is being
// extracted. It is called each time the resource's cumulative loaded count
// crosses a multiple of the configured report interval, from the goroutine
// that writes batches to the sink — avoid blocking I/O inside it.
//
// The Stats snapshot is safe to read concurrently.
type ProgressFunc func(ctx context.Context, resource string, stats *Stats)
