package restpipe

import (
	"log/slog"
	"time"
)

// Status is the terminal state of one resource's extraction.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ResourceResult summarizes one resource's extraction within a run.
type ResourceResult struct {
	Resource string `json:"resource"`
	Status   Status `json:"status"`
	Stats    *Stats `json:"stats"`

	// Cursor is the committed high-water mark, empty when nothing was
	// committed. CursorCommitted distinguishes "committed an empty-ish value"
	// from "commit skipped because the resource failed or was cancelled".
	Cursor          string `json:"cursor,omitempty"`
	CursorCommitted bool   `json:"cursor_committed"`

	// Err is the failure cause, nil for completed resources. The JSON form
	// carries its message in Error.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// LogValue implements slog.LogValuer.
func (r *ResourceResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("resource", r.Resource),
		slog.String("status", string(r.Status)),
		slog.Any("stats", r.Stats),
	}
	if r.CursorCommitted {
		attrs = append(attrs, slog.String("cursor", r.Cursor))
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

// RunResult is the machine-readable summary of one pipeline invocation. It is
// immutable once Run returns. A run "succeeds" when every resource completed;
// Run itself only returns an error for configuration defects that prevent any
// extraction from starting.
type RunResult struct {
	Started   time.Time                  `json:"started"`
	Finished  time.Time                  `json:"finished"`
	Resources map[string]*ResourceResult `json:"resources"`
}

// OK reports whether every resource completed.
func (r *RunResult) OK() bool {
	for _, res := range r.Resources {
		if res.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// Failed returns the names of resources that did not complete.
func (r *RunResult) Failed() []string {
	var names []string
	for name, res := range r.Resources {
		if res.Status != StatusCompleted {
			names = append(names, name)
		}
	}
	return names
}
