package specialists

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"biochat/backend/internal/constants"
	"biochat/backend/internal/index"
	"biochat/backend/internal/state"
	apperrors "biochat/backend/pkg/errors"
	"biochat/backend/pkg/logger"
)

// embedBatchSize bounds the texts sent per embedding request.
const embedBatchSize = 64

// Document is an uploaded PDF as listed to its owner.
type Document struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
}

// PDF stores extracted PDF text per user and answers questions about it.
type PDF struct {
	embedder   Embedder
	index      index.Index
	model      Model
	collection string
	quota      int
	splitter   textsplitter.TextSplitter
	locks      sync.Map
	logger     *zap.Logger
}

// NewPDF creates the PDF specialist over collection.
func NewPDF(embedder Embedder, idx index.Index, model Model, collection string, quota int) *PDF {
	if quota <= 0 {
		quota = constants.PDFQuota
	}
	return &PDF{
		embedder:   embedder,
		index:      idx,
		model:      model,
		collection: collection,
		quota:      quota,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(constants.PDFChunkSize),
			textsplitter.WithChunkOverlap(constants.PDFChunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
		),
		logger: logger.Named("pdf"),
	}
}

// Ensure creates the backing collection.
func (p *PDF) Ensure(ctx context.Context) error {
	return p.index.Ensure(ctx, p.collection)
}

func (p *PDF) userLock(userID string) *sync.Mutex {
	mu, _ := p.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// List returns the user's documents in upload order.
func (p *PDF) List(ctx context.Context, userID string) ([]Document, error) {
	hits, err := p.index.Scroll(ctx, p.collection, index.Filters{"user_id": userID}, 0)
	if err != nil {
		return nil, err
	}

	var docs []Document
	pos := make(map[string]int)
	for _, h := range hits {
		id, _ := h.Payload["document_id"].(string)
		if id == "" {
			continue
		}
		if i, ok := pos[id]; ok {
			docs[i].Chunks++
			continue
		}
		name, _ := h.Payload["source"].(string)
		pos[id] = len(docs)
		docs = append(docs, Document{ID: id, Name: name, Chunks: 1})
	}
	return docs, nil
}

// Ingest chunks, embeds and stores text extracted from a PDF. A user at
// quota gets a QuotaError and nothing is written.
func (p *PDF) Ingest(ctx context.Context, userID, name, text string) (Document, error) {
	mu := p.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := p.List(ctx, userID)
	if err != nil {
		return Document{}, err
	}
	if len(existing) >= p.quota {
		p.logger.Info("PDF quota reached", zap.String("user_id", userID), zap.Int("quota", p.quota))
		return Document{}, apperrors.NewQuotaError(userID, p.quota)
	}

	if strings.TrimSpace(text) == "" {
		return Document{}, fmt.Errorf("document %q has no extractable text", name)
	}
	chunks, err := p.splitter.SplitText(text)
	if err != nil {
		return Document{}, fmt.Errorf("failed to split document %q: %w", name, err)
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch, err := p.embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return Document{}, err
		}
		vectors = append(vectors, batch...)
	}

	doc := Document{ID: uuid.NewString(), Name: name, Chunks: len(chunks)}
	records := make([]index.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = index.Record{
			Vector: vectors[i],
			Payload: map[string]interface{}{
				"user_id":     userID,
				"document_id": doc.ID,
				"source":      name,
				"chunk":       i,
				"content":     chunk,
			},
		}
	}
	if _, err := p.index.Upsert(ctx, p.collection, records); err != nil {
		return Document{}, err
	}

	p.logger.Info("PDF ingested",
		zap.String("user_id", userID),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", doc.Chunks),
	)
	return doc, nil
}

// Delete removes one of the user's documents. It reports false when the
// document does not exist.
func (p *PDF) Delete(ctx context.Context, userID, documentID string) (bool, error) {
	mu := p.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	hits, err := p.index.Scroll(ctx, p.collection, index.Filters{"user_id": userID, "document_id": documentID}, 0)
	if err != nil {
		return false, err
	}
	if len(hits) == 0 {
		return false, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return true, p.index.DeleteRecords(ctx, p.collection, ids)
}

// Answer answers question from one of the user's documents.
func (p *PDF) Answer(ctx context.Context, userID, documentID, question string) (state.Envelope, error) {
	vectors, err := p.embedder.Embed(ctx, []string{question})
	if err != nil {
		return state.Envelope{}, err
	}

	opts := index.DefaultSearch(index.Filters{"user_id": userID, "document_id": documentID})
	opts.K = passagesPerAnswer
	hits, err := p.index.Search(ctx, p.collection, vectors[0], opts)
	if err != nil {
		return state.Envelope{}, err
	}

	env, err := answerFromPassages(ctx, p.model, question, hits)
	if err != nil {
		return state.Envelope{}, err
	}
	env.Resource = &state.Resource{ID: documentID, Type: constants.ResourcePDF}
	return env, nil
}
