// Package index provides namespaced dense-vector collections with payload
// storage, exact-match filters and dot-product search.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"biochat/backend/internal/constants"
)

// Record is a vector with its payload. An empty ID is assigned on upsert.
type Record struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// Hit is a search or scroll result. Score is zero for scroll results.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
}

// Filters are exact-match constraints on string payload values.
type Filters map[string]string

// SearchOptions bound a nearest-neighbour query.
type SearchOptions struct {
	K          int
	ScoreFloor float64
	Filters    Filters
}

// DefaultSearch returns the standard limits with the given filters.
func DefaultSearch(filters Filters) SearchOptions {
	return SearchOptions{
		K:          constants.SearchLimit,
		ScoreFloor: constants.SearchScoreFloor,
		Filters:    filters,
	}
}

// Index is a vector store. Implementations are safe for concurrent use and
// resolve concurrent writes to the same id as last-writer-wins.
type Index interface {
	// Ensure creates the collection if it does not exist.
	Ensure(ctx context.Context, collection string) error
	// Upsert writes records and returns their ids in input order.
	Upsert(ctx context.Context, collection string, records []Record) ([]string, error)
	// Search returns hits by descending score, at most K and none below ScoreFloor.
	Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]Hit, error)
	// Scroll returns payloads matching filters in insertion order. A limit
	// <= 0 returns every match.
	Scroll(ctx context.Context, collection string, filters Filters, limit int) ([]Hit, error)
	// DeleteRecords removes individual records.
	DeleteRecords(ctx context.Context, collection string, ids []string) error
	// Delete drops the collection and re-creates it empty.
	Delete(ctx context.Context, collection string) error
}

// Payload keys maintained by every implementation.
const (
	PayloadCreatedAt = "created_at"
)

// CreatedAt returns a payload's insertion time in Unix nanoseconds, or 0.
func CreatedAt(payload map[string]interface{}) int64 {
	switch v := payload[PayloadCreatedAt].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func assignIDs(records []Record) ([]Record, error) {
	out := make([]Record, len(records))
	for i, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		} else if _, err := uuid.Parse(r.ID); err != nil {
			return nil, fmt.Errorf("record id %q is not a UUID", r.ID)
		}
		out[i] = r
	}
	return out, nil
}

func checkDimension(dimension int, vector []float32) error {
	if dimension > 0 && len(vector) != dimension {
		return fmt.Errorf("vector has dimension %d, collection expects %d", len(vector), dimension)
	}
	return nil
}

func sortHits(hits []Hit, k int, floor float64) []Hit {
	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= floor {
			kept = append(kept, h)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	if k <= 0 {
		k = constants.SearchLimit
	}
	if len(kept) > k {
		kept = kept[:k]
	}
	return kept
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
