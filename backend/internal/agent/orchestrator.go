package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/events"
	"biochat/backend/internal/memory"
	"biochat/backend/internal/observability"
	"biochat/backend/internal/planner"
	"biochat/backend/internal/state"
	apperrors "biochat/backend/pkg/errors"
	"biochat/backend/pkg/logger"
)

// Model is the basic chat model used for classification and routing.
type Model interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, opts ...adapter.Option) (*adapter.Response, error)
}

// QueryPlanner turns a question into a validated query document.
type QueryPlanner interface {
	Plan(ctx context.Context, question string) (*planner.QueryDocument, error)
}

// AnnotationBackend executes a query document against the knowledge graph.
type AnnotationBackend interface {
	Query(ctx context.Context, doc *planner.QueryDocument) (*state.Graph, error)
}

// Summariser describes a sub-graph in prose.
type Summariser interface {
	Summarise(ctx context.Context, question string, graph *state.Graph) (state.Envelope, error)
}

// Retriever answers from the shared documents and the user's PDFs.
type Retriever interface {
	Answer(ctx context.Context, userID, question string) (state.Envelope, error)
}

// HypothesisAnswerer answers questions about one hypothesis.
type HypothesisAnswerer interface {
	Answer(ctx context.Context, id, question, token string) (state.Envelope, error)
}

// PlatformAnswerer answers questions about platform tools, workflows and datasets.
type PlatformAnswerer interface {
	Handles(resourceType string) bool
	Answer(ctx context.Context, resource state.Resource, question, token string) (state.Envelope, error)
}

// DocumentAnswerer answers questions about one uploaded PDF.
type DocumentAnswerer interface {
	Answer(ctx context.Context, userID, documentID, question string) (state.Envelope, error)
}

// Memory is the per-user fact store.
type Memory interface {
	Add(ctx context.Context, userID, turnText string) ([]memory.Result, error)
	Retrieve(ctx context.Context, userID, query string) ([]memory.Record, error)
}

// TurnStore persists the last turns of each user.
type TurnStore interface {
	Append(ctx context.Context, turn state.Turn, keep int) error
	Recent(ctx context.Context, userID string, n int) ([]state.Turn, error)
}

// Specialists groups the collaborators a turn can be dispatched to. Nil
// members are treated as unavailable, except RAG which is required.
type Specialists struct {
	Planner    QueryPlanner
	Annotation AnnotationBackend
	Summariser Summariser
	RAG        Retriever
	Hypothesis HypothesisAnswerer
	Platform   PlatformAnswerer
	PDF        DocumentAnswerer
}

// Options tunes the orchestrator.
type Options struct {
	// HistoryTurns is how many turns are kept per user and fed to the classifier.
	HistoryTurns int
	// PersistTimeout bounds the background memory and turn-store writes.
	PersistTimeout time.Duration
}

// Orchestrator classifies each turn, rewrites it in context and dispatches it
// to exactly one specialist.
type Orchestrator struct {
	model       Model
	specialists Specialists
	memory      Memory
	turns       TurnStore
	events      events.Publisher
	opts        Options
	logger      *zap.Logger

	pending sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator. pub may be nil.
func NewOrchestrator(model Model, specialists Specialists, mem Memory, turns TurnStore, pub events.Publisher, opts Options) *Orchestrator {
	if pub == nil {
		pub = events.Nop{}
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = constants.HistoryTurns
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 60 * time.Second
	}
	return &Orchestrator{
		model:       model,
		specialists: specialists,
		memory:      mem,
		turns:       turns,
		events:      pub,
		opts:        opts,
		logger:      logger.Get(),
	}
}

// Handle runs one turn. It always returns an envelope with non-empty text;
// failures are rendered as user-facing messages.
func (o *Orchestrator) Handle(ctx context.Context, req state.TurnRequest) state.Envelope {
	start := time.Now()
	ctx = events.WithUser(ctx, req.UserID)

	o.logger.Debug("Starting turn",
		zap.String("user_id", req.UserID),
		zap.String("context", contextSnapshot(req.Context)),
	)

	// 1. Load history and memory
	history, memorySnapshot := o.loadState(ctx, req.UserID)

	// 2. Classify and rewrite, then dispatch
	route, env, err := o.runTurn(ctx, req, history, memorySnapshot)
	observability.Get().ObserveStage("turn", start)

	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		observability.Get().RecordTurn(route, outcome)

		o.logger.Warn("Turn failed",
			zap.String("user_id", req.UserID),
			zap.String("route", route),
			zap.Error(err),
		)
		events.Emit(ctx, o.events, constants.EventError, route, constants.StatusCompleted, apperrors.UserMessage(err))
		env = state.Envelope{Text: apperrors.UserMessage(err)}
	} else {
		observability.Get().RecordTurn(route, "success")
	}

	if strings.TrimSpace(env.Text) == "" {
		env = state.Envelope{Text: noAnswerText}
	}

	// 3. Persist the original question (async, non-blocking). A turn the
	// caller abandoned is not recorded.
	if ctx.Err() == nil {
		o.persist(req, memorySnapshot)
	}

	return env
}

// runTurn returns the route taken along with the specialist's envelope.
func (o *Orchestrator) runTurn(ctx context.Context, req state.TurnRequest, history []state.Turn, memorySnapshot string) (string, state.Envelope, error) {
	kind, text, err := o.classify(ctx, req, history, memorySnapshot)
	if err != nil {
		return routeClassify, state.Envelope{}, err
	}
	if kind == constants.ResponsePrefix {
		return routeReply, state.Envelope{Text: text}, nil
	}

	o.logger.Debug("Question rewritten",
		zap.String("user_id", req.UserID),
		zap.String("question", text),
	)

	route, err := o.selectRoute(ctx, req, text)
	if err != nil {
		return routeClassify, state.Envelope{}, err
	}
	env, err := o.dispatch(ctx, route, req, text)
	return route, env, err
}

func (o *Orchestrator) loadState(ctx context.Context, userID string) ([]state.Turn, string) {
	var history []state.Turn
	if o.turns != nil {
		turns, err := o.turns.Recent(ctx, userID, o.opts.HistoryTurns)
		if err != nil {
			o.logger.Warn("Failed to load conversation history", zap.String("user_id", userID), zap.Error(err))
		} else {
			history = turns
		}
	}

	var snapshot string
	if o.memory != nil {
		records, err := o.memory.Retrieve(ctx, userID, "")
		if err != nil {
			o.logger.Warn("Failed to load memory", zap.String("user_id", userID), zap.Error(err))
		} else {
			snapshot = memory.Snapshot(records)
		}
	}
	return history, snapshot
}

// persist writes the turn's memory facts and conversation record in the
// background, detached from the request context.
func (o *Orchestrator) persist(req state.TurnRequest, memorySnapshot string) {
	turn := state.Turn{
		UserID:          req.UserID,
		QuestionID:      uuid.New().String(),
		Time:            time.Now().UTC(),
		UserQuestion:    req.Query,
		MemorySnapshot:  memorySnapshot,
		ContextSnapshot: contextSnapshot(req.Context),
	}

	o.pending.Add(1)
	go func() {
		defer o.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), o.opts.PersistTimeout)
		defer cancel()

		var g errgroup.Group
		if o.memory != nil {
			g.Go(func() error {
				results, err := o.memory.Add(ctx, turn.UserID, turn.UserQuestion)
				if err != nil {
					if apperrors.IsErrorType(err, apperrors.ErrorTypeMemory) {
						o.logger.Debug("Memory plan rejected (non-critical)",
							zap.String("user_id", turn.UserID),
							zap.Error(err),
						)
						return nil
					}
					return fmt.Errorf("failed to update memory: %w", err)
				}
				o.logger.Debug("Memory updated",
					zap.String("user_id", turn.UserID),
					zap.Int("operations", len(results)),
				)
				return nil
			})
		}
		if o.turns != nil {
			g.Go(func() error {
				if err := o.turns.Append(ctx, turn, o.opts.HistoryTurns); err != nil {
					return fmt.Errorf("failed to append turn: %w", err)
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			o.logger.Warn("Turn persistence incomplete",
				zap.String("user_id", turn.UserID),
				zap.String("question_id", turn.QuestionID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until background persistence has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
