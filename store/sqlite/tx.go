package sqlite

import (
	"context"
	"errors"
	"sort"

	"github.com/warp/ticket-engine/generic"
)

type docKey struct {
	Collection generic.Collection
	ID         string
}

// txView reads committed rows and stages writes in memory until RunTx
// commits them.
type txView struct {
	store  *Store
	reads  map[docKey]int64
	writes map[docKey]generic.Document
	order  []docKey
}

func newTxView(s *Store) *txView {
	return &txView{
		store:  s,
		reads:  make(map[docKey]int64),
		writes: make(map[docKey]generic.Document),
	}
}

func (tv *txView) Get(ctx context.Context, coll generic.Collection, id string) (generic.Document, error) {
	k := docKey{Collection: coll, ID: id}
	if doc, ok := tv.writes[k]; ok {
		return doc, nil
	}

	doc, err := tv.store.Get(ctx, coll, id)
	switch {
	case err == nil:
		tv.record(k, doc.Version)
	case errors.Is(err, generic.ErrNotFound):
		tv.record(k, 0)
	}
	return doc, err
}

func (tv *txView) record(k docKey, version int64) {
	if _, seen := tv.reads[k]; !seen {
		tv.reads[k] = version
	}
}

func (tv *txView) List(ctx context.Context, coll generic.Collection, partition string) ([]generic.Document, error) {
	docs, err := tv.store.List(ctx, coll, partition)
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
	k := docKey{Collection: coll, ID: id}
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
