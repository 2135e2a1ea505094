package restpipe

import (
	"errors"
	"fmt"
)

// FetchError reports a failed page fetch. Transient errors (network failures,
// HTTP 5xx, 429) are retried with bounded exponential backoff; fatal errors
// (other 4xx, malformed response bodies) fail the resource immediately.
type FetchError struct {
	Resource   string
	URL        string
	StatusCode int  // zero when the request never produced a response
	Transient  bool // retryable
	Err        error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s error: status %d: %v", e.URL, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error: %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsTransientFetch reports whether err is a retryable fetch error.
func IsTransientFetch(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// SinkError reports a batch the sink rejected. The resource fails and its
// cursor is not committed; batches the sink already accepted are not rolled
// back.
type SinkError struct {
	Resource string
	Batch    int // Seq of the rejected batch
	Err      error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink rejected batch %d of %s: %v", e.Batch, e.Resource, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// ConfigError reports an invalid pipeline or resource configuration. It is the
// only error class that aborts a run before extraction starts; everything else
// is isolated per resource and surfaced in the RunResult.
type ConfigError struct {
	Resource string // empty for pipeline-level defects
	Reason   string
}

func (e *ConfigError) Error() string {
	if e.Resource == "" {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration for resource %s: %s", e.Resource, e.Reason)
}
