package restpipe

// FilterFunc is a pure per-record predicate evaluated exactly once per
// extracted record, before chunking. Returning false drops the record: it
// reaches neither the sink nor the cursor tracker, so a filtered-out record
// can never pin the next run's lower bound on a value that was never loaded.
//
// Filters must not mutate the record or depend on external state that changes
// between runs; re-running against unchanged source data must re-reject the
// same records deterministically.
//
// Example:
//
//	orders := restpipe.Resource{
//	    Name: "orders",
//	    Path: "/orders",
//	    Filter: func(rec restpipe.Record) bool {
//	        total, ok := rec["order_total"].(float64)
//	        return ok && total <= 500
//	    },
//	}
type FilterFunc func(Record) bool
