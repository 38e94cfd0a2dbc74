package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/index"
	"biochat/backend/internal/observability"
	apperrors "biochat/backend/pkg/errors"
	"biochat/backend/pkg/logger"
)

// Model is the chat model used for extraction and update planning.
type Model interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, opts ...adapter.Option) (*adapter.Response, error)
}

// Embedder turns facts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Record is a stored memory. CreatedAt is in Unix nanoseconds.
type Record struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

// Result is one executed memory operation.
type Result struct {
	ID             string `json:"id"`
	Memory         string `json:"memory"`
	Event          Event  `json:"event"`
	PreviousMemory string `json:"previous_memory,omitempty"`
}

// Layer extracts facts from turns and merges them into per-user memory.
type Layer struct {
	model       Model
	embedder    Embedder
	index       index.Index
	collection  string
	threshold   float64
	perFactHits int
	locks       *userLocks
	logger      *zap.Logger
}

// New creates a memory layer over a collection of idx.
func New(model Model, embedder Embedder, idx index.Index, collection string, threshold float64) *Layer {
	return &Layer{
		model:       model,
		embedder:    embedder,
		index:       idx,
		collection:  collection,
		threshold:   threshold,
		perFactHits: 5,
		locks:       newUserLocks(),
		logger:      logger.Named("memory"),
	}
}

// Ensure creates the backing collection.
func (l *Layer) Ensure(ctx context.Context) error {
	return l.index.Ensure(ctx, l.collection)
}

var smallTalkPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|thanks|thank you|thx|ok|okay|bye|goodbye|good (morning|afternoon|evening))\b[\s!.,]*(there|all|everyone)?[\s!.]*$`)

// Add extracts facts from turnText and applies the model's update plan for
// userID. Adds for one user never overlap. Operations already written stay
// written when ctx is cancelled; the rest of the plan is abandoned.
func (l *Layer) Add(ctx context.Context, userID, turnText string) ([]Result, error) {
	if smallTalkPattern.MatchString(turnText) || strings.TrimSpace(turnText) == "" {
		return []Result{}, nil
	}

	release, err := l.locks.acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	defer observability.Get().ObserveStage("memory_add", start)

	facts, err := l.extract(ctx, userID, turnText)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return []Result{}, nil
	}

	vectors, err := l.embedder.Embed(ctx, facts)
	if err != nil {
		return nil, err
	}
	embeddings := make(map[string][]float32, len(facts))
	for i, f := range facts {
		embeddings[f] = vectors[i]
	}

	existing, err := l.similar(ctx, userID, vectors)
	if err != nil {
		return nil, err
	}

	plan, err := l.plan(ctx, userID, existing, facts)
	if err != nil {
		return nil, err
	}

	return l.execute(ctx, userID, plan, existing, embeddings)
}

func (l *Layer) extract(ctx context.Context, userID, turnText string) ([]string, error) {
	resp, err := l.model.Generate(ctx, factExtractionPrompt, turnText, adapter.JSONMode(), adapter.Temperature(0))
	if err != nil {
		return nil, err
	}

	var out extraction
	if err := adapter.DecodeJSON(resp.Content, &out); err != nil {
		l.logger.Warn("Fact extraction reply malformed", zap.String("user_id", userID), zap.Error(err))
		return nil, apperrors.NewMemoryError(userID, "fact extraction reply malformed", err)
	}

	seen := make(map[string]bool, len(out.Facts))
	facts := make([]string, 0, len(out.Facts))
	for _, f := range out.Facts {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		facts = append(facts, f)
	}
	return facts, nil
}

// similar returns the user's memories near any of the vectors, deduplicated
// and in first-seen order.
func (l *Layer) similar(ctx context.Context, userID string, vectors [][]float32) ([]Record, error) {
	results := make([][]index.Hit, len(vectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range vectors {
		i, v := i, v
		g.Go(func() error {
			hits, err := l.index.Search(gctx, l.collection, v, index.SearchOptions{
				K:          l.perFactHits,
				ScoreFloor: l.threshold,
				Filters:    index.Filters{"user_id": userID},
			})
			results[i] = hits
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Record
	for _, hits := range results {
		for _, h := range hits {
			if seen[h.ID] {
				continue
			}
			seen[h.ID] = true
			out = append(out, recordFromHit(h))
		}
	}
	return out, nil
}

func (l *Layer) plan(ctx context.Context, userID string, existing []Record, facts []string) ([]operation, error) {
	type listed struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	old := make([]listed, len(existing))
	for i, r := range existing {
		old[i] = listed{ID: fmt.Sprint(i), Text: r.Content}
	}
	oldJSON, _ := json.Marshal(old)
	newJSON, _ := json.Marshal(facts)

	resp, err := l.model.Generate(ctx,
		fmt.Sprintf(updatePlanPrompt, oldJSON, newJSON),
		"Return the update plan as JSON now.",
		adapter.JSONMode(), adapter.Temperature(0),
	)
	if err != nil {
		return nil, err
	}

	var plan updatePlan
	if err := adapter.DecodeJSON(resp.Content, &plan); err != nil {
		l.logger.Warn("Memory update plan malformed", zap.String("user_id", userID), zap.Error(err))
		return nil, apperrors.NewMemoryError(userID, "memory update plan malformed", err)
	}
	return plan.Memory, nil
}

func (l *Layer) execute(ctx context.Context, userID string, plan []operation, existing []Record, embeddings map[string][]float32) ([]Result, error) {
	byTemp := tempIDs(existing)
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[strings.ToLower(r.Content)] = true
	}
	touched := make(map[string]bool)

	results := []Result{}
	for _, op := range plan {
		if err := ctx.Err(); err != nil {
			l.logger.Warn("Memory plan abandoned",
				zap.String("user_id", userID),
				zap.Int("executed", len(results)),
				zap.Error(err),
			)
			return results, err
		}

		text := strings.TrimSpace(op.Text)
		var (
			res Result
			err error
		)
		switch normaliseEvent(op.Event) {
		case EventAdd:
			vector, ok := embeddings[text]
			if !ok || known[strings.ToLower(text)] {
				continue
			}
			res, err = l.insert(ctx, userID, text, vector)
			if err == nil {
				known[strings.ToLower(text)] = true
			}
		case EventUpdate:
			target, ok := byTemp[op.ID]
			vector, embedded := embeddings[text]
			if !ok || !embedded || touched[target.ID] || target.Content == text {
				continue
			}
			touched[target.ID] = true
			res, err = l.update(ctx, userID, target, text, vector)
		case EventDelete:
			target, ok := byTemp[op.ID]
			if !ok || touched[target.ID] {
				continue
			}
			touched[target.ID] = true
			err = l.index.DeleteRecords(ctx, l.collection, []string{target.ID})
			res = Result{ID: target.ID, Memory: target.Content, Event: EventDelete}
		default:
			// NONE and hallucinated events change nothing.
			continue
		}
		if err != nil {
			l.logger.Error("Memory operation failed",
				zap.String("user_id", userID),
				zap.String("event", string(op.Event)),
				zap.Error(err),
			)
			return results, err
		}
		observability.Get().RecordMemoryEvent(string(res.Event))
		results = append(results, res)
	}

	l.logger.Debug("Memory updated",
		zap.String("user_id", userID),
		zap.Int("operations", len(results)),
	)
	return results, nil
}

func (l *Layer) insert(ctx context.Context, userID, text string, vector []float32) (Result, error) {
	ids, err := l.index.Upsert(ctx, l.collection, []index.Record{{
		Vector: vector,
		Payload: map[string]interface{}{
			"user_id": userID,
			"content": text,
		},
	}})
	if err != nil {
		return Result{}, err
	}
	return Result{ID: ids[0], Memory: text, Event: EventAdd}, nil
}

func (l *Layer) update(ctx context.Context, userID string, target Record, text string, vector []float32) (Result, error) {
	payload := map[string]interface{}{
		"user_id": userID,
		"content": text,
	}
	if target.CreatedAt != 0 {
		payload[index.PayloadCreatedAt] = target.CreatedAt
	}
	_, err := l.index.Upsert(ctx, l.collection, []index.Record{{ID: target.ID, Vector: vector, Payload: payload}})
	if err != nil {
		return Result{}, err
	}
	return Result{ID: target.ID, Memory: text, Event: EventUpdate, PreviousMemory: target.Content}, nil
}

// Retrieve returns the user's memories similar to query, or the most recent
// ones in insertion order when query is empty.
func (l *Layer) Retrieve(ctx context.Context, userID, query string) ([]Record, error) {
	filters := index.Filters{"user_id": userID}

	if strings.TrimSpace(query) == "" {
		hits, err := l.index.Scroll(ctx, l.collection, filters, 0)
		if err != nil {
			return nil, err
		}
		if len(hits) > constants.MemoryRecentLimit {
			hits = hits[len(hits)-constants.MemoryRecentLimit:]
		}
		return recordsFromHits(hits), nil
	}

	vectors, err := l.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	hits, err := l.index.Search(ctx, l.collection, vectors[0], index.SearchOptions{
		K:          constants.SearchLimit,
		ScoreFloor: l.threshold,
		Filters:    filters,
	})
	if err != nil {
		return nil, err
	}
	return recordsFromHits(hits), nil
}

// Snapshot renders memories as a bullet list for prompts.
func Snapshot(records []Record) string {
	var b strings.Builder
	for _, r := range records {
		b.WriteString("- ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func recordFromHit(h index.Hit) Record {
	content, _ := h.Payload["content"].(string)
	return Record{ID: h.ID, Content: content, CreatedAt: index.CreatedAt(h.Payload)}
}

func recordsFromHits(hits []index.Hit) []Record {
	out := make([]Record, len(hits))
	for i, h := range hits {
		out[i] = recordFromHit(h)
	}
	return out
}
