package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/events"
	"biochat/backend/internal/observability"
	"biochat/backend/internal/state"
	apperrors "biochat/backend/pkg/errors"
)

// Routes, also used as metric labels.
const (
	routeReply      = "reply"
	routeClassify   = "classify"
	routeGraph      = "graph"
	routeResource   = "resource"
	routeAnnotation = "annotation"
	routeRAG        = "rag"
)

const noAnswerText = "I could not find an answer to that question."

var errNoRetriever = errors.New("no document retriever configured")

// classify asks the basic model whether the turn needs a direct reply or an
// information lookup. The returned kind is constants.ResponsePrefix or
// constants.QuestionPrefix; text is the reply or the rewritten question.
func (o *Orchestrator) classify(ctx context.Context, req state.TurnRequest, history []state.Turn, memorySnapshot string) (string, string, error) {
	start := time.Now()
	defer observability.Get().ObserveStage("classify", start)

	msg := buildClassifyMessage(history, memorySnapshot, req.Context, req.Query)

	var lastErr error
	for attempt := 1; attempt <= constants.ClassifyAttempts; attempt++ {
		resp, err := o.model.Generate(ctx, classifyPrompt, msg, adapter.Temperature(0))
		if err != nil {
			if ctx.Err() != nil {
				return "", "", ctx.Err()
			}
			return "", "", err
		}

		if kind, text, ok := parseClassification(resp.Content); ok {
			return kind, text, nil
		}

		lastErr = apperrors.NewClassifyError(resp.Content, nil)
		o.logger.Warn("Unrecognised classifier reply",
			zap.String("user_id", req.UserID),
			zap.Int("attempt", attempt),
			zap.String("reply", resp.Content),
		)
	}
	return "", "", lastErr
}

func parseClassification(content string) (string, string, bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(content), "\"'`* ")
	lower := strings.ToLower(trimmed)

	for _, prefix := range []string{constants.ResponsePrefix, constants.QuestionPrefix} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		text := strings.TrimSpace(trimmed[len(prefix):])
		text = strings.TrimRight(text, "\"'`*")
		if text == "" {
			return "", "", false
		}
		return prefix, text, true
	}
	return "", "", false
}

// availableRoutes lists the routes this turn can take, most specific first.
// rag is always last.
func (o *Orchestrator) availableRoutes(req state.TurnRequest) []string {
	var routes []string
	if !req.Graph.Empty() && o.specialists.Summariser != nil {
		routes = append(routes, routeGraph)
	}
	if o.canAnswerResource(req.Context) {
		routes = append(routes, routeResource)
	}
	if o.specialists.Planner != nil && o.specialists.Annotation != nil && o.specialists.Summariser != nil {
		routes = append(routes, routeAnnotation)
	}
	return append(routes, routeRAG)
}

func (o *Orchestrator) canAnswerResource(ref state.ContextRef) bool {
	if ref.IDValue() == "" {
		return false
	}
	switch t := ref.TypeValue(); t {
	case constants.ResourceHypothesis:
		return o.specialists.Hypothesis != nil
	case constants.ResourcePDF:
		return o.specialists.PDF != nil
	default:
		return o.specialists.Platform != nil && o.specialists.Platform.Handles(t)
	}
}

// selectRoute picks one specialist for the rewritten question. A model
// failure or an unusable answer falls back to the most specific route other
// than annotation.
func (o *Orchestrator) selectRoute(ctx context.Context, req state.TurnRequest, question string) (string, error) {
	routes := o.availableRoutes(req)
	if len(routes) == 1 {
		return routes[0], nil
	}

	fallback := routes[0]
	if fallback == routeAnnotation {
		fallback = routeRAG
	}

	resp, err := o.model.Generate(ctx, routePrompt, buildRouteMessage(routes, req.Context, question),
		adapter.JSONMode(), adapter.Temperature(0))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		o.logger.Warn("Routing failed, using fallback",
			zap.String("user_id", req.UserID),
			zap.String("fallback", fallback),
			zap.Error(err),
		)
		return fallback, nil
	}

	var decision struct {
		Route string `json:"route"`
	}
	if err := adapter.DecodeJSON(resp.Content, &decision); err != nil {
		o.logger.Warn("Unreadable routing decision, using fallback",
			zap.String("user_id", req.UserID),
			zap.String("reply", resp.Content),
		)
		return fallback, nil
	}

	choice := strings.ToLower(strings.TrimSpace(decision.Route))
	for _, r := range routes {
		if r == choice {
			return r, nil
		}
	}
	o.logger.Warn("Routing chose an unavailable route, using fallback",
		zap.String("user_id", req.UserID),
		zap.String("route", choice),
		zap.String("fallback", fallback),
	)
	return fallback, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, route string, req state.TurnRequest, question string) (state.Envelope, error) {
	switch route {
	case routeGraph:
		return o.specialists.Summariser.Summarise(ctx, question, req.Graph)
	case routeResource:
		return o.answerResource(ctx, req, question)
	case routeAnnotation:
		return o.annotate(ctx, question)
	default:
		if o.specialists.RAG == nil {
			return state.Envelope{}, errNoRetriever
		}
		return o.specialists.RAG.Answer(ctx, req.UserID, question)
	}
}

func (o *Orchestrator) answerResource(ctx context.Context, req state.TurnRequest, question string) (state.Envelope, error) {
	id, t := req.Context.IDValue(), req.Context.TypeValue()
	switch t {
	case constants.ResourceHypothesis:
		return o.specialists.Hypothesis.Answer(ctx, id, question, req.Token)
	case constants.ResourcePDF:
		return o.specialists.PDF.Answer(ctx, req.UserID, id, question)
	default:
		return o.specialists.Platform.Answer(ctx, state.Resource{ID: id, Type: t}, question, req.Token)
	}
}

// annotate runs the planner, queries the annotation backend with the
// resulting document and summarises the returned sub-graph.
func (o *Orchestrator) annotate(ctx context.Context, question string) (state.Envelope, error) {
	start := time.Now()
	defer observability.Get().ObserveStage("annotation", start)

	events.Emit(ctx, o.events, constants.EventAnalysis, "plan", constants.StatusStarted, nil)
	doc, err := o.specialists.Planner.Plan(ctx, question)
	if err != nil {
		return state.Envelope{}, err
	}

	events.Emit(ctx, o.events, constants.EventAnalysis, "query", constants.StatusInProgress, nil)
	graph, err := o.specialists.Annotation.Query(ctx, doc)
	if err != nil {
		return state.Envelope{}, fmt.Errorf("failed to query annotation backend: %w", err)
	}

	events.Emit(ctx, o.events, constants.EventAnalysis, "summarise", constants.StatusInProgress, map[string]int{
		"nodes": len(graph.Nodes),
		"edges": len(graph.Edges),
	})
	env, err := o.specialists.Summariser.Summarise(ctx, question, graph)
	if err != nil {
		return state.Envelope{}, fmt.Errorf("failed to summarise graph: %w", err)
	}

	events.Emit(ctx, o.events, constants.EventAnalysis, "summarise", constants.StatusCompleted, nil)
	return env, nil
}
