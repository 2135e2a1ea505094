package restpipe

import "strings"

// Record is one raw record extracted from the data source. The pipeline treats
// it as opaque except for the fields it must read: the cursor field and the
// primary key fields. Records are never mutated after extraction.
type Record map[string]any

// Lookup resolves a dot-separated field path against the record, descending
// into nested objects. It returns false if any segment is missing or a
// non-object value is encountered before the final segment.
func (r Record) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(r)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Batch is an ordered group of filtered records handed to the sink as one
// write. Batches for a resource are emitted in page order and are not mutated
// after chunking.
type Batch struct {
	// Resource is the name of the resource the batch belongs to.
	Resource string

	// Page is the 1-based page the last record in the batch was extracted
	// from.
	Page int

	// Seq is the 0-based emission index of the batch within its resource.
	// Sinks use Seq == 0 to detect the first batch of a replace disposition.
	Seq int

	// Records are the batch contents, in extraction order.
	Records []Record

	// maxCursor is the largest cursor value among the batch's records, used
	// to advance the tracker once the sink has accepted the batch.
	maxCursor string
	hasCursor bool
}

// lookupPath resolves a dot path against an arbitrary decoded JSON value.
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return Record(m).Lookup(path)
}
