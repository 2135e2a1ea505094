package restpipe

import "fmt"

// Disposition tells the sink how a resource's batches are applied to the
// destination table.
type Disposition string

const (
	// DispositionReplace truncates the destination table before the
	// resource's first batch and appends thereafter.
	DispositionReplace Disposition = "replace"
	// DispositionAppend always appends.
	DispositionAppend Disposition = "append"
	// DispositionMerge upserts by primary key. Requires PrimaryKey on the
	// resource.
	DispositionMerge Disposition = "merge"
)

// CursorType selects the comparison semantics for a resource's cursor field.
// The comparison must be consistent for a given resource: timestamps compare
// as RFC 3339 instants, integers numerically, strings lexicographically.
type CursorType string

const (
	CursorTimestamp CursorType = "timestamp"
	CursorInt       CursorType = "integer"
	CursorString    CursorType = "string"
)

// Pagination selects how the extractor walks a resource's pages.
type Pagination string

const (
	// PaginatePageNumber starts at page 1 and increments until the response's
	// declared total-page count is exceeded or an empty page is returned.
	PaginatePageNumber Pagination = "page_number"
	// PaginateNextLink follows a next-page link embedded in each response
	// until it is absent or null.
	PaginateNextLink Pagination = "next_link"
)

// Resource describes one endpoint to extract and load. It is treated as
// immutable once a run starts; the pipeline never mutates it.
//
// Zero values get sensible defaults: Pagination defaults to PaginatePageNumber,
// DataField to "data", PageParam to "page", PageSizeParam to "page_size",
// TotalPagesField to "total_pages", NextLinkField to "next", CursorType to
// CursorTimestamp, Disposition to DispositionAppend, and PageSize/BatchSize to
// the pipeline-level settings.
type Resource struct {
	// Name uniquely identifies the resource within a run and names the
	// destination table.
	Name string

	// Path is the endpoint path appended to the pipeline's base URL.
	Path string

	// PageSize is the number of records requested per page. Zero means the
	// pipeline default.
	PageSize int

	// Params are static query parameters sent with every page request.
	Params map[string]string

	// Pagination selects the page-walking strategy.
	Pagination Pagination

	// DataField is the dot path to the records array in the response body.
	// Set it to "-" for APIs that return the records array at the top level.
	DataField string

	// PageParam and PageSizeParam name the query parameters used by the
	// page-number strategy.
	PageParam     string
	PageSizeParam string

	// TotalPagesField is the dot path to the declared total-page count
	// (page-number strategy). NextLinkField is the dot path to the next-page
	// link (next-link strategy).
	TotalPagesField string
	NextLinkField   string

	// CursorField is the dot path to the incremental cursor field. When set,
	// the extractor tracks the maximum observed value across kept records and
	// commits it as the next run's lower bound after the sink has accepted
	// every batch.
	//
	// The lower bound is inclusive: records whose cursor equals the committed
	// high-water mark are re-fetched on the next run. Idempotent dispositions
	// (merge, replace) absorb the overlap.
	CursorField string

	// CursorType selects the comparison semantics for CursorField.
	CursorType CursorType

	// CursorParam, when set, names the query parameter carrying the current
	// lower bound on every page request (e.g. "since" or "updated_after").
	CursorParam string

	// InitialCursor seeds the lower bound when no prior run has committed one.
	InitialCursor string

	// Disposition tells the sink how to apply this resource's batches.
	Disposition Disposition

	// PrimaryKey lists the field(s) the sink merges by. Required when
	// Disposition is DispositionMerge.
	PrimaryKey []string

	// Filter, when set, is applied to every extracted record before chunking.
	// Rejected records reach neither the sink nor the cursor tracker.
	Filter FilterFunc

	// BatchSize overrides the pipeline-level chunk threshold for this
	// resource. Zero means the pipeline default.
	BatchSize int

	// Weigher and MaxBatchWeight enable weight-bounded chunking in addition
	// to the size bound, for sinks with parameter or payload limits. A chunk
	// is flushed when either bound is reached.
	Weigher        func(Record) int
	MaxBatchWeight int
}

// validate reports configuration defects that must abort the run before any
// extraction starts.
func (r Resource) validate() error {
	if r.Name == "" {
		return &ConfigError{Reason: "resource name must not be empty"}
	}
	if r.Path == "" {
		return &ConfigError{Resource: r.Name, Reason: "endpoint path must not be empty"}
	}
	switch r.Pagination {
	case "", PaginatePageNumber, PaginateNextLink:
	default:
		return &ConfigError{Resource: r.Name, Reason: fmt.Sprintf("unknown pagination strategy %q", r.Pagination)}
	}
	switch r.Disposition {
	case "", DispositionReplace, DispositionAppend:
	case DispositionMerge:
		if len(r.PrimaryKey) == 0 {
			return &ConfigError{Resource: r.Name, Reason: "merge disposition requires a primary key"}
		}
	default:
		return &ConfigError{Resource: r.Name, Reason: fmt.Sprintf("unknown write disposition %q", r.Disposition)}
	}
	switch r.CursorType {
	case "", CursorTimestamp, CursorInt, CursorString:
	default:
		return &ConfigError{Resource: r.Name, Reason: fmt.Sprintf("unknown cursor type %q", r.CursorType)}
	}
	if r.CursorField != "" && r.InitialCursor != "" {
		if _, err := parseCursor(r.cursorType(), r.InitialCursor); err != nil {
			return &ConfigError{Resource: r.Name, Reason: fmt.Sprintf("initial cursor: %v", err)}
		}
	}
	if r.PageSize < 0 || r.BatchSize < 0 {
		return &ConfigError{Resource: r.Name, Reason: "page size and batch size must not be negative"}
	}
	return nil
}

func (r Resource) pagination() Pagination {
	if r.Pagination == "" {
		return PaginatePageNumber
	}
	return r.Pagination
}

func (r Resource) disposition() Disposition {
	if r.Disposition == "" {
		return DispositionAppend
	}
	return r.Disposition
}

func (r Resource) cursorType() CursorType {
	if r.CursorType == "" {
		return CursorTimestamp
	}
	return r.CursorType
}

func (r Resource) dataField() string {
	switch r.DataField {
	case "":
		return "data"
	case "-":
		return ""
	default:
		return r.DataField
	}
}

func (r Resource) pageParam() string {
	if r.PageParam == "" {
		return "page"
	}
	return r.PageParam
}

func (r Resource) pageSizeParam() string {
	if r.PageSizeParam == "" {
		return "page_size"
	}
	return r.PageSizeParam
}

func (r Resource) totalPagesField() string {
	if r.TotalPagesField == "" {
		return "total_pages"
	}
	return r.TotalPagesField
}

func (r Resource) nextLinkField() string {
	if r.NextLinkField == "" {
		return "next"
	}
	return r.NextLinkField
}
