package restpipe

import (
	"context"
	"fmt"
	"sync"
)

// Sink is the destination store. A nil error from Write is a durable accept:
// the pipeline is then free to advance the resource's cursor past the batch.
// An error marks the resource failed and skips the cursor commit; batches the
// sink already accepted are never rolled back.
//
// Within a resource, Write is called sequentially in batch order (Seq 0, 1,
// 2, ...). Across resources, Write may be called concurrently from different
// extractor goroutines; implementations must be safe for that.
//
// Dispositions the sink must honour, read from the resource spec:
//   - DispositionReplace: truncate the destination table when Seq == 0, then
//     append.
//   - DispositionAppend: always append.
//   - DispositionMerge: upsert by the resource's primary key.
type Sink interface {
	Write(ctx context.Context, res Resource, batch Batch) error
}

// MemorySink stores batches in memory, honouring all three write
// dispositions. It backs the test suite and is handy for dry runs.
type MemorySink struct {
	mu     sync.Mutex
	tables map[string][]Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{tables: make(map[string][]Record)}
}

func (s *MemorySink) Write(_ context.Context, res Resource, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch res.disposition() {
	case DispositionReplace:
		if batch.Seq == 0 {
			s.tables[res.Name] = nil
		}
		s.tables[res.Name] = append(s.tables[res.Name], batch.Records...)

	case DispositionAppend:
		s.tables[res.Name] = append(s.tables[res.Name], batch.Records...)

	case DispositionMerge:
		for _, rec := range batch.Records {
			key, err := mergeKey(res, rec)
			if err != nil {
				return &SinkError{Resource: res.Name, Batch: batch.Seq, Err: err}
			}
			replaced := false
			for i, existing := range s.tables[res.Name] {
				k, err := mergeKey(res, existing)
				if err != nil {
					continue
				}
				if k == key {
					s.tables[res.Name][i] = rec
					replaced = true
					break
				}
			}
			if !replaced {
				s.tables[res.Name] = append(s.tables[res.Name], rec)
			}
		}
	}
	return nil
}

// Table returns a copy of the rows currently stored for a table.
func (s *MemorySink) Table(name string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.tables[name]))
	copy(out, s.tables[name])
	return out
}

// mergeKey builds a composite key string from the resource's primary key
// fields. Every key field must be present on the record.
func mergeKey(res Resource, rec Record) (string, error) {
	key := ""
	for _, field := range res.PrimaryKey {
		v, ok := rec.Lookup(field)
		if !ok {
			return "", fmt.Errorf("record is missing primary key field %q", field)
		}
		key += fmt.Sprintf("%v\x00", v)
	}
	return key, nil
}
