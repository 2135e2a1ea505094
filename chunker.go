package restpipe

// chunker accumulates filtered records into bounded batches, decoupling the
// network page size from the sink write size. Order is preserved and a partial
// final chunk is always flushed; no record is ever dropped.
//
// A chunk is emitted when the size bound is reached or, when a weigher is
// configured, when the cumulative weight bound would be exceeded. A single
// record heavier than the weight bound is emitted in its own chunk rather
// than dropped.
type chunker struct {
	maxSize   int
	weigher   func(Record) int
	maxWeight int

	buf    []Record
	weight int
}

func newChunker(res Resource, defaultSize int) *chunker {
	size := res.BatchSize
	if size <= 0 {
		size = defaultSize
	}
	c := &chunker{maxSize: size}
	if res.Weigher != nil && res.MaxBatchWeight > 0 {
		c.weigher = res.Weigher
		c.maxWeight = res.MaxBatchWeight
	}
	return c
}

// add appends a record to the pending chunk and returns a completed chunk when
// a bound is reached, nil otherwise.
func (c *chunker) add(rec Record) []Record {
	var full []Record

	if c.weigher != nil {
		w := c.weigher(rec)
		if len(c.buf) > 0 && c.weight+w > c.maxWeight {
			full = c.take()
		}
		c.buf = append(c.buf, rec)
		c.weight += w
	} else {
		c.buf = append(c.buf, rec)
	}

	if full == nil && len(c.buf) >= c.maxSize {
		return c.take()
	}
	return full
}

// flush returns the pending partial chunk, or nil when nothing is buffered.
func (c *chunker) flush() []Record {
	if len(c.buf) == 0 {
		return nil
	}
	return c.take()
}

func (c *chunker) take() []Record {
	out := c.buf
	c.buf = nil
	c.weight = 0
	return out
}
