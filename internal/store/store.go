// Package store defines the keyed record storage the conflict engine and the
// mutation queue persist into, plus an in-memory implementation.
package store

import (
	"context"

	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
)

// Collection names.
const (
	CollectionConflicts = "conflicts"
	CollectionMutations = "mutations"
)

// Entry is one stored record as returned by Page.
type Entry struct {
	ID   string
	Data []byte
}

// Store is durable keyed storage partitioned by collection name.
//
// Get reports a NOT_FOUND AppError when the id is absent. Delete of a missing
// id is not an error. CompareAndSwap replaces the stored bytes only when they
// still equal old, and reports whether the swap happened. Page returns up to
// limit entries with id greater than afterID, ordered by id.
type Store interface {
	Get(ctx context.Context, collection, id string) ([]byte, error)
	GetAll(ctx context.Context, collection string) ([][]byte, error)
	Put(ctx context.Context, collection, id string, data []byte) error
	Delete(ctx context.Context, collection, id string) error
	CompareAndSwap(ctx context.Context, collection, id string, old, new []byte) (bool, error)
	Page(ctx context.Context, collection, afterID string, limit int) ([]Entry, error)
}

// Marshal encodes v for storage.
func Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode record", err)
	}
	return data, nil
}

// Unmarshal decodes stored bytes into v.
func Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "decode record", err)
	}
	return nil
}

// NotFound builds the error stores return for a missing key.
func NotFound(collection, id string) error {
	return apperrors.NotFound("%s/%s not found", collection, id)
}
