package sync

import (
	"context"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

// StoreReplica keeps records as JSON documents in a store.Store. It serves
// both as the RemoteSource (typically over Postgres) and as the LocalSink
// (typically over the device's SQLite database).
type StoreReplica struct {
	store store.Store
}

// NewStoreReplica creates a replica over s.
func NewStoreReplica(s store.Store) *StoreReplica {
	return &StoreReplica{store: s}
}

var (
	_ RemoteSource = (*StoreReplica)(nil)
	_ LocalSink    = (*StoreReplica)(nil)
)

// Fetch implements RemoteSource.
func (r *StoreReplica) Fetch(ctx context.Context, collection, id string) (models.Record, error) {
	data, err := r.store.Get(ctx, collection, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var record models.Record
	if err := store.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Push implements RemoteSource. Deletions are stored as tombstones so other
// replicas can still see that the record was removed.
func (r *StoreReplica) Push(ctx context.Context, collection string, action models.Action, record models.Record) error {
	if action == models.ActionDelete && !record.IsDeleted() {
		record = record.Clone()
		record["deleted"] = true
	}
	return r.write(ctx, collection, record)
}

// Apply implements LocalSink.
func (r *StoreReplica) Apply(ctx context.Context, collection string, record models.Record) error {
	return r.write(ctx, collection, record)
}

func (r *StoreReplica) write(ctx context.Context, collection string, record models.Record) error {
	id := record.ID()
	if id == "" {
		return apperrors.Validation("record in %s has no id", collection)
	}
	data, err := store.Marshal(record)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, collection, id, data)
}
