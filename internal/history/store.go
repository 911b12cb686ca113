// Package history keeps a bounded record of finished workflow runs and
// dispatched operations so callers can inspect them after the fact.
//
// Two backends implement Store: Memory, a capacity-bounded in-process map,
// and Redis, which keeps JSON documents with a TTL plus a sorted-set index
// ordered by finish time. Neither is meant as durable storage.
package history

import (
	"context"
	"time"
)

// Store records finished items of type T by id.
type Store[T any] interface {
	// Put stores v under id, stamped with the time it finished.
	Put(ctx context.Context, id string, finished time.Time, v T) error
	// Get returns the item stored under id. ok is false when nothing is
	// stored or the item was pruned.
	Get(ctx context.Context, id string) (v T, ok bool, err error)
	// List returns up to limit items, most recently finished first. A limit
	// of zero or less returns everything.
	List(ctx context.Context, limit int) ([]T, error)
	// Prune drops items that finished before the given time and reports how
	// many it removed.
	Prune(ctx context.Context, before time.Time) (int, error)
}
