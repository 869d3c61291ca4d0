/*
store.go - Persistence contract for the engine

PURPOSE:
  Defines the interface between the settlement modules and whatever
  transactional document store backs them. The engine needs exactly one
  capability from storage: atomic read-modify-write over a set of documents
  with optimistic concurrency.

KEY INTERFACES:
  Reader: point reads and partition listings
  Tx:     Reader + staged writes, read-your-writes
  Store:  Reader + RunTx (single attempt, ErrConflict on version mismatch)

OPTIMISTIC CONCURRENCY:
  A Tx remembers the version of every document it reads. At commit the store
  compares those versions (and the versions of every written document) with
  the current ones. Any mismatch aborts the whole Tx with ErrConflict and
  nothing is applied. A Put for a document that was never read, or was read
  as missing, is a create and conflicts if somebody created it first.

  The store never retries. Retrying is the Runner's job (runner.go), so the
  retry count and backoff are injected and test-controllable.

IMPLEMENTATIONS:
  - generic/store/memory.go: in-process map store (tests, dev)
  - store/sqlite/sqlite.go: SQLite with version columns

EXAMPLE:
  err := store.RunTx(ctx, func(ctx context.Context, tx generic.Tx) error {
      var ev catalog.Event
      if err := generic.GetJSON(ctx, tx, catalog.CollectionEvents, id, &ev); err != nil {
          return err
      }
      ev.Tiers[0].Remaining--
      return generic.PutJSON(tx, catalog.CollectionEvents, ev.ID, "", ev)
  })

SEE ALSO:
  - runner.go: Conflict-retry wrapper around RunTx
*/
package generic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// DOCUMENTS
// =============================================================================

// Collection names a family of documents (events, orders, refunds...).
type Collection string

// Document is the unit of atomic mutation.
type Document struct {
	Collection Collection
	ID         string
	// Partition groups documents for listing (e.g. reservations by event).
	Partition string
	// Version is 0 for a document that does not exist yet.
	Version   int64
	Body      []byte
	UpdatedAt time.Time
}

// =============================================================================
// STORE - Interfaces
// =============================================================================

type Reader interface {
	// Get returns ErrNotFound if the document does not exist.
	Get(ctx context.Context, coll Collection, id string) (Document, error)

	// List returns every document in the partition ordered by ID.
	// An empty partition lists the whole collection.
	List(ctx context.Context, coll Collection, partition string) ([]Document, error)
}

// Tx is a unit of work. Writes are staged until the enclosing RunTx commits.
type Tx interface {
	Reader

	// Put stages a write. The version check uses whatever this Tx read.
	Put(coll Collection, id, partition string, body []byte)
}

type TxFunc func(ctx context.Context, tx Tx) error

type Store interface {
	Reader

	// RunTx executes fn once. If fn returns an error nothing is written.
	// If any document read or written by fn changed concurrently the
	// commit fails with ErrConflict.
	RunTx(ctx context.Context, fn TxFunc) error
}

// =============================================================================
// JSON HELPERS
// =============================================================================

// GetJSON loads a document and decodes its body into out.
func GetJSON(ctx context.Context, r Reader, coll Collection, id string, out any) error {
	doc, err := r.Get(ctx, coll, id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(doc.Body, out); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", coll, id, err)
	}
	return nil
}

// Exists reports whether a document exists. Inside a Tx the read is recorded.
func Exists(ctx context.Context, r Reader, coll Collection, id string) (bool, error) {
	_, err := r.Get(ctx, coll, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListJSON decodes every document of a partition.
func ListJSON[T any](ctx context.Context, r Reader, coll Collection, partition string) ([]T, error) {
	docs, err := r.List(ctx, coll, partition)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc.Body, &v); err != nil {
			return nil, fmt.Errorf("decoding %s/%s: %w", coll, doc.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// PutJSON encodes v and stages it on the transaction.
func PutJSON(tx Tx, coll Collection, id, partition string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", coll, id, err)
	}
	tx.Put(coll, id, partition, body)
	return nil
}
