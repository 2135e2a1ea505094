package restpipe

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Stats tracks one resource's extraction counters with thread-safe access.
// Counter fields use atomic operations because the fetch and sink-write sides
// of an extractor run on separate goroutines.
type Stats struct {
	pages     atomic.Int64
	extracted atomic.Int64
	filtered  atomic.Int64
	batches   atomic.Int64
	loaded    atomic.Int64
	retries   atomic.Int64
}

// Pages returns the number of pages fetched.
func (s *Stats) Pages() int64 { return s.pages.Load() }

// Extracted returns the number of records extracted from the source.
func (s *Stats) Extracted() int64 { return s.extracted.Load() }

// Filtered returns the number of records rejected by the resource filter.
func (s *Stats) Filtered() int64 { return s.filtered.Load() }

// Batches returns the number of batches the sink accepted.
func (s *Stats) Batches() int64 { return s.batches.Load() }

// Loaded returns the number of records the sink accepted.
func (s *Stats) Loaded() int64 { return s.loaded.Load() }

// Retries returns the number of transient fetch errors that were retried.
func (s *Stats) Retries() int64 { return s.retries.Load() }

// LogValue implements slog.LogValuer for structured logging.
func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("pages", s.Pages()),
		slog.Int64("extracted", s.Extracted()),
		slog.Int64("filtered", s.Filtered()),
		slog.Int64("batches", s.Batches()),
		slog.Int64("loaded", s.Loaded()),
		slog.Int64("retries", s.Retries()),
	)
}

// statsJSON is the JSON representation for marshaling Stats.
type statsJSON struct {
	Pages     int64 `json:"pages"`
	Extracted int64 `json:"extracted"`
	Filtered  int64 `json:"filtered"`
	Batches   int64 `json:"batches"`
	Loaded    int64 `json:"loaded"`
	Retries   int64 `json:"retries"`
}

// MarshalJSON implements json.Marshaler.
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		Pages:     s.pages.Load(),
		Extracted: s.extracted.Load(),
		Filtered:  s.filtered.Load(),
		Batches:   s.batches.Load(),
		Loaded:    s.loaded.Load(),
		Retries:   s.retries.Load(),
	})
}

// Internal increment methods. incLoaded returns the new total, which is what
// the progress hook's threshold-crossing check needs to stay race-free across
// goroutines.
func (s *Stats) incPages(n int64)        { s.pages.Add(n) }
func (s *Stats) incExtracted(n int64)    { s.extracted.Add(n) }
func (s *Stats) incFiltered(n int64)     { s.filtered.Add(n) }
func (s *Stats) incBatches(n int64)      { s.batches.Add(n) }
func (s *Stats) incLoaded(n int64) int64 { return s.loaded.Add(n) }
func (s *Stats) incRetries(n int64)      { s.retries.Add(n) }
