package specialists

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/events"
	"biochat/backend/internal/index"
	"biochat/backend/internal/observability"
	"biochat/backend/internal/state"
	"biochat/backend/pkg/logger"
)

const ragPrompt = `You answer questions from a biomedical researcher using the numbered excerpts below.

Excerpts:
%s

Rules:
- Use only the excerpts. Cite them inline as [1], [2], ...
- If the excerpts do not answer the question, say that you could not find an answer.
- Be concise.`

const noPassagesText = "I could not find anything relevant in the documents available to you."

// passagesPerAnswer caps the excerpts handed to the model.
const passagesPerAnswer = 8

// RAGConfig wires a retriever to its collections.
type RAGConfig struct {
	SharedCollection string
	PDFCollection    string
	ScoreFloor       float64
}

// RAG answers from the shared document collection and the user's PDFs.
type RAG struct {
	embedder Embedder
	index    index.Index
	model    Model
	cfg      RAGConfig
	events   events.Publisher
	logger   *zap.Logger
}

// NewRAG creates a retriever. pub may be nil.
func NewRAG(embedder Embedder, idx index.Index, model Model, cfg RAGConfig, pub events.Publisher) *RAG {
	if pub == nil {
		pub = events.Nop{}
	}
	return &RAG{
		embedder: embedder,
		index:    idx,
		model:    model,
		cfg:      cfg,
		events:   pub,
		logger:   logger.Named("rag"),
	}
}

// Answer searches both collections in parallel and answers from the best
// passages.
func (r *RAG) Answer(ctx context.Context, userID, question string) (state.Envelope, error) {
	start := time.Now()
	defer observability.Get().ObserveStage("rag", start)
	events.Emit(ctx, r.events, constants.EventRAG, "search", constants.StatusStarted, nil)

	vectors, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return state.Envelope{}, err
	}

	var shared, personal []index.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		shared, err = r.index.Search(gctx, r.cfg.SharedCollection, vectors[0], r.searchOptions(nil))
		return err
	})
	g.Go(func() error {
		var err error
		personal, err = r.index.Search(gctx, r.cfg.PDFCollection, vectors[0], r.searchOptions(index.Filters{"user_id": userID}))
		return err
	})
	if err := g.Wait(); err != nil {
		return state.Envelope{}, err
	}

	hits := mergeHits(shared, personal)
	r.logger.Debug("Passages retrieved",
		zap.String("user_id", userID),
		zap.Int("shared", len(shared)),
		zap.Int("personal", len(personal)),
	)
	events.Emit(ctx, r.events, constants.EventRAG, "search", constants.StatusInProgress, map[string]int{"passages": len(hits)})

	env, err := answerFromPassages(ctx, r.model, question, hits)
	if err != nil {
		return state.Envelope{}, err
	}
	events.Emit(ctx, r.events, constants.EventRAG, "answer", constants.StatusCompleted, nil)
	return env, nil
}

func (r *RAG) searchOptions(filters index.Filters) index.SearchOptions {
	opts := index.DefaultSearch(filters)
	opts.K = passagesPerAnswer
	if r.cfg.ScoreFloor > 0 {
		opts.ScoreFloor = r.cfg.ScoreFloor
	}
	return opts
}

// mergeHits interleaves result lists by score and keeps the best passages.
func mergeHits(lists ...[]index.Hit) []index.Hit {
	var all []index.Hit
	for _, l := range lists {
		all = append(all, l...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Score > all[j].Score })
	if len(all) > passagesPerAnswer {
		all = all[:passagesPerAnswer]
	}
	return all
}

func answerFromPassages(ctx context.Context, model Model, question string, hits []index.Hit) (state.Envelope, error) {
	if len(hits) == 0 {
		return state.Envelope{Text: noPassagesText}, nil
	}

	var b strings.Builder
	for i, h := range hits {
		content, _ := h.Payload["content"].(string)
		source, _ := h.Payload["source"].(string)
		if source != "" {
			fmt.Fprintf(&b, "[%d] (%s) %s\n\n", i+1, source, content)
		} else {
			fmt.Fprintf(&b, "[%d] %s\n\n", i+1, content)
		}
	}

	resp, err := model.Generate(ctx, fmt.Sprintf(ragPrompt, b.String()), question, adapter.Temperature(0.2))
	if err != nil {
		return state.Envelope{}, err
	}
	return state.Envelope{Text: resp.Content}, nil
}
