package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryIndex keeps collections in process memory. It backs development
// setups without a vector store and the package tests.
type MemoryIndex struct {
	mu          sync.RWMutex
	dimension   int
	collections map[string]map[string]*storedRecord
	seq         int64
}

type storedRecord struct {
	record Record
	seq    int64
}

// NewMemoryIndex creates an empty in-process index with vectors of size dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{
		dimension:   dimension,
		collections: make(map[string]map[string]*storedRecord),
	}
}

func (m *MemoryIndex) Ensure(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = make(map[string]*storedRecord)
	}
	return nil
}

func (m *MemoryIndex) Upsert(ctx context.Context, collection string, records []Record) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := assignIDs(records)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if err := checkDimension(m.dimension, r.Vector); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}

	ids := make([]string, len(records))
	for i, r := range records {
		payload := copyPayload(r.Payload)
		seq := m.seq + 1
		if existing, ok := coll[r.ID]; ok {
			// Overwrites keep their original position.
			seq = existing.seq
			if created, ok := existing.record.Payload[PayloadCreatedAt]; ok {
				payload[PayloadCreatedAt] = created
			}
		} else {
			m.seq = seq
		}
		if _, ok := payload[PayloadCreatedAt]; !ok {
			payload[PayloadCreatedAt] = time.Now().UTC().UnixNano()
		}
		coll[r.ID] = &storedRecord{
			record: Record{ID: r.ID, Vector: append([]float32(nil), r.Vector...), Payload: payload},
			seq:    seq,
		}
		ids[i] = r.ID
	}
	return ids, nil
}

func (m *MemoryIndex) Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkDimension(m.dimension, vector); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}

	var hits []Hit
	for _, s := range ordered(coll) {
		if !matches(s.record.Payload, opts.Filters) {
			continue
		}
		hits = append(hits, Hit{
			ID:      s.record.ID,
			Score:   dot(vector, s.record.Vector),
			Payload: copyPayload(s.record.Payload),
		})
	}
	return sortHits(hits, opts.K, opts.ScoreFloor), nil
}

func (m *MemoryIndex) Scroll(ctx context.Context, collection string, filters Filters, limit int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", collection)
	}

	var hits []Hit
	for _, s := range ordered(coll) {
		if limit > 0 && len(hits) >= limit {
			break
		}
		if matches(s.record.Payload, filters) {
			hits = append(hits, Hit{ID: s.record.ID, Payload: copyPayload(s.record.Payload)})
		}
	}
	return hits, nil
}

func (m *MemoryIndex) DeleteRecords(ctx context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("collection %q does not exist", collection)
	}
	for _, id := range ids {
		delete(coll, id)
	}
	return nil
}

func (m *MemoryIndex) Delete(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = make(map[string]*storedRecord)
	return nil
}

func ordered(coll map[string]*storedRecord) []*storedRecord {
	out := make([]*storedRecord, 0, len(coll))
	for _, s := range coll {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func matches(payload map[string]interface{}, filters Filters) bool {
	for k, want := range filters {
		got, ok := payload[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func copyPayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
