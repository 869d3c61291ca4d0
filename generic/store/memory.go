// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/ticket-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu   sync.RWMutex
	docs map[key]generic.Document
	now  func() time.Time
}

type key struct {
	Collection generic.Collection
	ID         string
}

func NewMemory() *Memory {
	return &Memory{
		docs: make(map[key]generic.Document),
		now:  time.Now,
	}
}

func (m *Memory) Get(_ context.Context, coll generic.Collection, id string) (generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(coll, id)
}

func (m *Memory) getLocked(coll generic.Collection, id string) (generic.Document, error) {
	doc, ok := m.docs[key{Collection: coll, ID: id}]
	if !ok {
		return generic.Document{}, generic.ErrNotFound
	}
	doc.Body = append([]byte(nil), doc.Body...)
	return doc, nil
}

func (m *Memory) List(_ context.Context, coll generic.Collection, partition string) ([]generic.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []generic.Document
	for k, doc := range m.docs {
		if k.Collection != coll {
			continue
		}
		if partition != "" && doc.Partition != partition {
			continue
		}
		doc.Body = append([]byte(nil), doc.Body...)
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunTx runs fn against a view that reads committed state and stages writes.
// Commit validates every recorded version under the write lock.
func (m *Memory) RunTx(ctx context.Context, fn generic.TxFunc) error {
	view := &txView{parent: m, reads: make(map[key]int64), writes: make(map[key]generic.Document)}

	if err := fn(ctx, view); err != nil {
		// Rollback is free: nothing was applied.
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, version := range view.reads {
		if m.versionLocked(k) != version {
			return generic.ErrConflict
		}
	}
	for k := range view.writes {
		if _, read := view.reads[k]; read {
			continue
		}
		// Blind write: only legal as a create.
		if m.versionLocked(k) != 0 {
			return generic.ErrConflict
		}
	}

	now := m.now().UTC()
	for _, k := range view.order {
		doc := view.writes[k]
		doc.Version = m.versionLocked(k) + 1
		doc.UpdatedAt = now
		m.docs[k] = doc
	}
	return nil
}

func (m *Memory) versionLocked(k key) int64 {
	if doc, ok := m.docs[k]; ok {
		return doc.Version
	}
	return 0
}

type txView struct {
	parent *Memory
	reads  map[key]int64
	writes map[key]generic.Document
	order  []key
}

func (tv *txView) Get(ctx context.Context, coll generic.Collection, id string) (generic.Document, error) {
	k := key{Collection: coll, ID: id}
	if doc, ok := tv.writes[k]; ok {
		doc.Body = append([]byte(nil), doc.Body...)
		return doc, nil
	}

	doc, err := tv.parent.Get(ctx, coll, id)
	switch {
	case err == nil:
		tv.record(k, doc.Version)
	case err == generic.ErrNotFound:
		tv.record(k, 0)
	}
	return doc, err
}

// record keeps the first version seen so a re-read cannot mask a conflict.
func (tv *txView) record(k key, version int64) {
	if _, seen := tv.reads[k]; !seen {
		tv.reads[k] = version
	}
}

func (tv *txView) List(ctx context.Context, coll generic.Collection, partition string) ([]generic.Document, error) {
	docs, err := tv.parent.List(ctx, coll, partition)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]generic.Document, len(docs))
	for _, doc := range docs {
		merged[doc.ID] = doc
	}
	for k, doc := range tv.writes {
		if k.Collection != coll || (partition != "" && doc.Partition != partition) {
			continue
		}
		merged[doc.ID] = doc
	}

	result := make([]generic.Document, 0, len(merged))
	for _, doc := range merged {
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tv *txView) Put(coll generic.Collection, id, partition string, body []byte) {
	k := key{Collection: coll, ID: id}
	if _, staged := tv.writes[k]; !staged {
		tv.order = append(tv.order, k)
	}
	tv.writes[k] = generic.Document{
		Collection: coll,
		ID:         id,
		Partition:  partition,
		Body:       append([]byte(nil), body...),
	}
}
