package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	"biochat/backend/pkg/logger"
)

const (
	service         = "weaviate"
	propPayloadJSON = "payload_json"
)

// scrollBatch is the page size of a full-collection scan.
var scrollBatch = 500

// FilterableKeys are payload keys stored as first-class Weaviate properties
// so they can be used in filters.
var FilterableKeys = []string{"user_id", "document_id"}

// WeaviateIndex stores collections as Weaviate classes with externally
// supplied vectors and dot-product distance.
type WeaviateIndex struct {
	client    *weaviate.Client
	dimension int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewWeaviateClient builds a client for host ("weaviate:8080").
func NewWeaviateClient(host, scheme, apiKey string) (*weaviate.Client, error) {
	cfg := weaviate.Config{
		Host:   host,
		Scheme: scheme,
	}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}
	return weaviate.NewClient(cfg)
}

// NewWeaviateIndex wraps a shared client.
func NewWeaviateIndex(client *weaviate.Client, dimension int, timeout time.Duration) *WeaviateIndex {
	return &WeaviateIndex{
		client:    client,
		dimension: dimension,
		timeout:   timeout,
		logger:    logger.Named("index"),
	}
}

func classDefinition(collection string) *models.Class {
	filterable := true
	searchable := false
	props := []*models.Property{
		{
			Name:            propPayloadJSON,
			DataType:        []string{"text"},
			IndexFilterable: &searchable,
			IndexSearchable: &searchable,
		},
		{
			Name:     PayloadCreatedAt,
			DataType: []string{"int"},
		},
	}
	for _, key := range FilterableKeys {
		props = append(props, &models.Property{
			Name:            key,
			DataType:        []string{"text"},
			Tokenization:    "field",
			IndexFilterable: &filterable,
		})
	}
	return &models.Class{
		Class:             collection,
		Description:       "biochat vector collection",
		Vectorizer:        "none",
		VectorIndexConfig: map[string]interface{}{"distance": "dot"},
		Properties:        props,
	}
}

func (w *WeaviateIndex) Ensure(ctx context.Context, collection string) error {
	return adapter.Call(ctx, service, w.timeout, func(ctx context.Context) error {
		if _, err := w.client.Schema().ClassGetter().WithClassName(collection).Do(ctx); err == nil {
			return nil
		}
		w.logger.Info("Creating collection", zap.String("collection", collection))
		return w.client.Schema().ClassCreator().WithClass(classDefinition(collection)).Do(ctx)
	})
}

func (w *WeaviateIndex) Upsert(ctx context.Context, collection string, records []Record) ([]string, error) {
	records, err := assignIDs(records)
	if err != nil {
		return nil, err
	}

	objects := make([]*models.Object, 0, len(records))
	ids := make([]string, len(records))
	now := time.Now().UTC().UnixNano()
	for i, r := range records {
		if err := checkDimension(w.dimension, r.Vector); err != nil {
			return nil, err
		}
		payload := copyPayload(r.Payload)
		if _, ok := payload[PayloadCreatedAt]; !ok {
			payload[PayloadCreatedAt] = now + int64(i)
		}
		props, err := toProperties(payload)
		if err != nil {
			return nil, err
		}
		objects = append(objects, &models.Object{
			Class:      collection,
			ID:         strfmt.UUID(r.ID),
			Vector:     r.Vector,
			Properties: props,
		})
		ids[i] = r.ID
	}

	err = adapter.Call(ctx, service, w.timeout, func(ctx context.Context) error {
		result, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return err
		}
		for _, obj := range result {
			if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
				return fmt.Errorf("object %s rejected: %s", obj.ID, obj.Result.Errors.Error[0].Message)
			}
		}
		return nil
	})
	if err != nil {
		w.logger.Error("Batch upsert failed", zap.String("collection", collection), zap.Error(err))
		return nil, err
	}
	return ids, nil
}

func (w *WeaviateIndex) Search(ctx context.Context, collection string, vector []float32, opts SearchOptions) ([]Hit, error) {
	if err := checkDimension(w.dimension, vector); err != nil {
		return nil, err
	}
	where, err := buildWhere(opts.Filters)
	if err != nil {
		return nil, err
	}
	k := opts.K
	if k <= 0 {
		k = DefaultSearch(nil).K
	}

	var hits []Hit
	err = adapter.Call(ctx, service, w.timeout, func(ctx context.Context) error {
		nearVector := w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
		query := w.client.GraphQL().Get().
			WithClassName(collection).
			WithFields(queryFields()...).
			WithNearVector(nearVector).
			WithLimit(k)
		if where != nil {
			query = query.WithWhere(where)
		}
		resp, err := query.Do(ctx)
		if err != nil {
			return err
		}
		hits, err = decodeHits(resp, collection)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sortHits(hits, k, opts.ScoreFloor), nil
}

// Scroll with limit <= 0 walks the whole collection.
func (w *WeaviateIndex) Scroll(ctx context.Context, collection string, filters Filters, limit int) ([]Hit, error) {
	if limit <= 0 {
		return w.scan(ctx, collection, filters)
	}
	where, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	err = adapter.Call(ctx, service, w.timeout, func(ctx context.Context) error {
		query := w.client.GraphQL().Get().
			WithClassName(collection).
			WithFields(queryFields()...).
			WithSort(graphql.Sort{Path: []string{PayloadCreatedAt}, Order: graphql.Asc}).
			WithLimit(limit)
		if where != nil {
			query = query.WithWhere(where)
		}
		resp, err := query.Do(ctx)
		if err != nil {
			return err
		}
		hits, err = decodeHits(resp, collection)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Score = 0
	}
	return hits, nil
}

// scan pages through a collection with the cursor API. Weaviate rejects a
// cursor combined with where or sort, so both are applied client-side.
func (w *WeaviateIndex) scan(ctx context.Context, collection string, filters Filters) ([]Hit, error) {
	for k := range filters {
		if !isFilterable(k) {
			return nil, fmt.Errorf("payload key %q is not filterable", k)
		}
	}

	var (
		hits  []Hit
		after string
		pages int
	)
	for {
		var page []Hit
		err := adapter.Call(ctx, service, w.timeout, func(ctx context.Context) error {
			query := w.client.GraphQL().Get().
				WithClassName(collection).
				WithFields(queryFields()...).
				WithLimit(scrollBatch)
			if after != "" {
				query = query.WithAfter(after)
			}
			resp, err := query.Do(ctx)
			if err != nil {
				return err
			}
			page, err = decodeHits(resp, collection)
			return err
		})
		if err != nil {
			return nil, err
		}
		pages++

		for _, h := range page {
			if matches(h.Payload, filters) {
				h.Score = 0
				hits = append(hits, h)
			}
		}
		if len(page) < scrollBatch {
			break
		}
		after = page[len(page)-1].ID
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return CreatedAt(hits[i].Payload) < CreatedAt(hits[j].Payload)
	})
	w.logger.Debug("Collection scanned",
		zap.String("collection", collection),
		zap.Int("pages", pages),
		zap.Int("hits", len(hits)),
	)
	return hits, nil
}

func (w *WeaviateIndex) DeleteRecords(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		id := id
		err := adapter.Call(ctx, service, w.timeout, func(ctx context.Context) error {
			return w.client.Data().Deleter().WithClassName(collection).WithID(id).Do(ctx)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *WeaviateIndex) Delete(ctx context.Context, collection string) error {
	err := adapter.Call(ctx, service, w.timeout, func(ctx context.Context) error {
		return w.client.Schema().ClassDeleter().WithClassName(collection).Do(ctx)
	})
	if err != nil {
		w.logger.Warn("Collection delete failed, recreating anyway", zap.String("collection", collection), zap.Error(err))
	}
	return w.Ensure(ctx, collection)
}

func queryFields() []graphql.Field {
	return []graphql.Field{
		{Name: propPayloadJSON},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}
}

func toProperties(payload map[string]interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not serialisable: %w", err)
	}
	props := map[string]interface{}{
		propPayloadJSON:  string(raw),
		PayloadCreatedAt: payload[PayloadCreatedAt],
	}
	for _, key := range FilterableKeys {
		if v, ok := payload[key].(string); ok {
			props[key] = v
		}
	}
	return props, nil
}

func buildWhere(f Filters) (*filters.WhereBuilder, error) {
	if len(f) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		if !isFilterable(k) {
			return nil, fmt.Errorf("payload key %q is not filterable", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	operands := make([]*filters.WhereBuilder, 0, len(keys))
	for _, k := range keys {
		operands = append(operands, filters.Where().
			WithPath([]string{k}).
			WithOperator(filters.Equal).
			WithValueString(f[k]))
	}
	if len(operands) == 1 {
		return operands[0], nil
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands), nil
}

func isFilterable(key string) bool {
	for _, k := range FilterableKeys {
		if k == key {
			return true
		}
	}
	return false
}

type weaviateObject struct {
	PayloadJSON string `json:"payload_json"`
	Additional  struct {
		ID       string   `json:"id"`
		Distance *float64 `json:"distance"`
	} `json:"_additional"`
}

// decodeHits reads Get.<collection> from a GraphQL response. Dot-product
// distance is the negated dot product, so score = -distance.
func decodeHits(resp *models.GraphQLResponse, collection string) ([]Hit, error) {
	if resp == nil {
		return nil, fmt.Errorf("empty GraphQL response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, err
	}
	var body struct {
		Get map[string][]weaviateObject `json:"Get"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("failed to decode GraphQL data: %w", err)
	}

	objects := body.Get[collection]
	hits := make([]Hit, 0, len(objects))
	for _, obj := range objects {
		payload := map[string]interface{}{}
		if obj.PayloadJSON != "" {
			decoded, err := decodePayload(obj.PayloadJSON)
			if err != nil {
				return nil, fmt.Errorf("object %s has a corrupt payload: %w", obj.Additional.ID, err)
			}
			payload = decoded
		}
		hit := Hit{ID: obj.Additional.ID, Payload: payload}
		if obj.Additional.Distance != nil {
			hit.Score = -*obj.Additional.Distance
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// decodePayload keeps created_at an exact int64; nanosecond timestamps do not
// survive a round trip through float64.
func decodePayload(raw string) (map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	payload := map[string]interface{}{}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	for k, v := range payload {
		if n, ok := v.(json.Number); ok && k == PayloadCreatedAt {
			if i, err := n.Int64(); err == nil {
				payload[k] = i
				continue
			}
		}
		payload[k] = plainNumbers(v)
	}
	return payload, nil
}

func plainNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, e := range t {
			t[k] = plainNumbers(e)
		}
	case []interface{}:
		for i, e := range t {
			t[i] = plainNumbers(e)
		}
	}
	return v
}
