package restpipe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// cursorValue is a parsed cursor in its declared comparison domain. The raw
// string form is what gets persisted and sent as the lower-bound query
// parameter, so it is kept alongside the parsed form.
type cursorValue struct {
	raw string
	typ CursorType
	ts  time.Time
	num int64
}

// parseCursor parses raw under the given comparison semantics.
func parseCursor(typ CursorType, raw string) (cursorValue, error) {
	cv := cursorValue{raw: raw, typ: typ}
	switch typ {
	case CursorTimestamp:
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return cursorValue{}, fmt.Errorf("cursor %q is not an RFC 3339 timestamp: %w", raw, err)
		}
		cv.ts = ts
	case CursorInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return cursorValue{}, fmt.Errorf("cursor %q is not an integer: %w", raw, err)
		}
		cv.num = n
	case CursorString:
		// lexicographic; nothing to parse
	default:
		return cursorValue{}, fmt.Errorf("unknown cursor type %q", typ)
	}
	return cv, nil
}

// cursorFromField converts a record field value to a cursorValue. JSON numbers
// decode as float64, so integer cursors accept both forms.
func cursorFromField(typ CursorType, v any) (cursorValue, error) {
	switch val := v.(type) {
	case string:
		return parseCursor(typ, val)
	case float64:
		if typ != CursorInt {
			return cursorValue{}, fmt.Errorf("cursor value %v is numeric but cursor type is %s", val, typ)
		}
		n := int64(val)
		return cursorValue{raw: strconv.FormatInt(n, 10), typ: typ, num: n}, nil
	case json.Number:
		return parseCursor(typ, val.String())
	default:
		return cursorValue{}, fmt.Errorf("cursor value %v (%T) is not comparable as %s", v, v, typ)
	}
}

// less reports whether a orders strictly before b. Both values must share the
// same type; parseCursor guarantees that within one tracker.
func (a cursorValue) less(b cursorValue) bool {
	switch a.typ {
	case CursorTimestamp:
		return a.ts.Before(b.ts)
	case CursorInt:
		return a.num < b.num
	default:
		return a.raw < b.raw
	}
}

// cursorTracker maintains a resource's incremental cursor state for one run:
// the lower bound the run started from, and the running maximum over kept
// records. The maximum is monotonically non-decreasing and is advanced only
// after the sink has durably accepted the batch that produced it.
type cursorTracker struct {
	typ CursorType

	mu       sync.Mutex
	lower    cursorValue
	hasLower bool
	max      cursorValue
	hasMax   bool
}

// newCursorTracker seeds the tracker with the persisted value from the last
// run, falling back to the resource's configured initial value.
func newCursorTracker(res Resource, persisted string) (*cursorTracker, error) {
	t := &cursorTracker{typ: res.cursorType()}
	seed := persisted
	if seed == "" {
		seed = res.InitialCursor
	}
	if seed != "" {
		cv, err := parseCursor(t.typ, seed)
		if err != nil {
			return nil, err
		}
		t.lower = cv
		t.hasLower = true
	}
	return t, nil
}

// lowerBound returns the value used to build the first page request's filter
// parameter. The bound is inclusive.
func (t *cursorTracker) lowerBound() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasLower {
		return "", false
	}
	return t.lower.raw, true
}

// advance folds a batch's maximum observed cursor into the running maximum.
// Called once per batch, after the sink ack.
func (t *cursorTracker) advance(raw string) error {
	cv, err := parseCursor(t.typ, raw)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.hasMax || t.max.less(cv) {
		t.max = cv
		t.hasMax = true
	}
	return nil
}

// committed returns the value to persist as the next run's lower bound: the
// running maximum, never regressing below the bound the run started from.
// ok is false when the run observed nothing and had no prior bound.
func (t *cursorTracker) committed() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.hasMax && t.hasLower:
		if t.max.less(t.lower) {
			return t.lower.raw, true
		}
		return t.max.raw, true
	case t.hasMax:
		return t.max.raw, true
	case t.hasLower:
		return t.lower.raw, true
	default:
		return "", false
	}
}
