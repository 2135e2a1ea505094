// Package mongosink implements a restpipe.Sink backed by MongoDB. Each
// resource maps to a collection named after the resource; the merge
// disposition is implemented as a bulk upsert keyed on the resource's primary
// key fields.
package mongosink

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/bjaus/restpipe"
)

// Sink writes batches to a MongoDB database. Safe for concurrent use by
// multiple resource extractors; the driver's client is itself concurrency-safe
// and the sink holds no per-resource state beyond what arrives in the batch.
type Sink struct {
	client *mongo.Client
	db     string
}

var _ restpipe.Sink = (*Sink)(nil)

// New creates a sink writing into the named database.
func New(client *mongo.Client, database string) *Sink {
	return &Sink{client: client, db: database}
}

// Write applies one batch under the resource's write disposition. A nil
// return means the batch is durably accepted.
func (s *Sink) Write(ctx context.Context, res restpipe.Resource, batch restpipe.Batch) error {
	coll := s.client.Database(s.db).Collection(res.Name)

	switch res.Disposition {
	case restpipe.DispositionMerge:
		models, err := upsertModels(res, batch)
		if err != nil {
			return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: err}
		}
		if len(models) == 0 {
			return nil
		}
		if _, err := coll.BulkWrite(ctx, models); err != nil {
			return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: err}
		}
		return nil

	case restpipe.DispositionReplace:
		if batch.Seq == 0 {
			if err := coll.Drop(ctx); err != nil {
				return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: fmt.Errorf("truncate: %w", err)}
			}
		}
		fallthrough

	default: // append
		docs := make([]any, len(batch.Records))
		for i, rec := range batch.Records {
			docs[i] = map[string]any(rec)
		}
		if len(docs) == 0 {
			return nil
		}
		if _, err := coll.InsertMany(ctx, docs); err != nil {
			return &restpipe.SinkError{Resource: res.Name, Batch: batch.Seq, Err: err}
		}
		return nil
	}
}

// upsertModels builds one upsert per record, filtered on the resource's
// primary key fields. A record missing a key field rejects the whole batch so
// the cursor never advances past unmerged data.
func upsertModels(res restpipe.Resource, batch restpipe.Batch) ([]mongo.WriteModel, error) {
	models := make([]mongo.WriteModel, 0, len(batch.Records))
	for i, rec := range batch.Records {
		filter := bson.M{}
		for _, field := range res.PrimaryKey {
			v, ok := rec.Lookup(field)
			if !ok {
				return nil, fmt.Errorf("record %d is missing primary key field %q", i, field)
			}
			filter[field] = v
		}
		update := bson.M{"$set": map[string]any(rec)}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(update).
			SetUpsert(true))
	}
	return models, nil
}
