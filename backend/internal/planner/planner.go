// Package planner turns a biomedical question into a validated query document
// for the annotation backend.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/events"
	"biochat/backend/internal/observability"
	"biochat/backend/internal/resolver"
	"biochat/backend/internal/schema"
	apperrors "biochat/backend/pkg/errors"
	"biochat/backend/pkg/logger"
)

// Model is the chat model used for relevance extraction.
type Model interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, opts ...adapter.Option) (*adapter.Response, error)
}

// Resolver maps a free-text property value onto its canonical spelling.
type Resolver interface {
	Resolve(ctx context.Context, kind, key, value string) (*resolver.Resolution, error)
}

// Planner runs extraction, shape conversion, traversal augmentation,
// property resolution and validation in that order.
type Planner struct {
	registry   *schema.Registry
	graph      *schema.Graph
	model      Model
	resolver   Resolver
	bfsTimeout time.Duration
	events     events.Publisher
	logger     *zap.Logger
}

// New creates a planner. pub may be nil.
func New(reg *schema.Registry, model Model, res Resolver, bfsTimeout time.Duration, pub events.Publisher) *Planner {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Planner{
		registry:   reg,
		graph:      reg.Graph(),
		model:      model,
		resolver:   res,
		bfsTimeout: bfsTimeout,
		events:     pub,
		logger:     logger.Named("planner"),
	}
}

type extractedNode struct {
	Ref        string                 `json:"ref"`
	Type       string                 `json:"type"`
	ID         *string                `json:"id"`
	Properties map[string]interface{} `json:"properties"`
}

type extractedRelation struct {
	Source string `json:"source"`
	Edge   string `json:"edge"`
	Target string `json:"target"`
}

type extraction struct {
	Nodes     []extractedNode     `json:"nodes"`
	Relations []extractedRelation `json:"relations"`
}

// link asks for the schema path between two nodes to be filled in.
type link struct {
	source string
	target string
}

// Plan returns the query document for question. Failures are PlanErrors
// naming the stage; caller cancellation is returned as is.
func (p *Planner) Plan(ctx context.Context, question string) (*QueryDocument, error) {
	start := time.Now()
	defer observability.Get().ObserveStage("plan", start)

	events.Emit(ctx, p.events, constants.EventJSONFormat, "extraction", constants.StatusStarted, nil)

	doc, err := p.plan(ctx, question)
	if err != nil {
		if pe, ok := apperrors.AsPlanError(err); ok {
			p.logger.Info("Plan rejected",
				zap.String("stage", string(pe.Stage)),
				zap.String("question", question),
				zap.Error(err),
			)
		}
		return nil, err
	}

	p.logger.Debug("Plan ready", zap.String("question", question), zap.String("document", doc.summary()))
	events.Emit(ctx, p.events, constants.EventJSONFormat, "validation", constants.StatusCompleted, doc)
	return doc, nil
}

func (p *Planner) plan(ctx context.Context, question string) (*QueryDocument, error) {
	ex, err := p.extract(ctx, question)
	if err != nil {
		return nil, err
	}

	doc, links, err := p.shape(question, ex)
	if err != nil {
		return nil, err
	}
	events.Emit(ctx, p.events, constants.EventJSONFormat, "traversal", constants.StatusInProgress, nil)

	if err := p.traverse(ctx, question, doc, links); err != nil {
		return nil, err
	}

	events.Emit(ctx, p.events, constants.EventJSONFormat, "resolution", constants.StatusInProgress, nil)
	if err := p.resolve(ctx, question, doc); err != nil {
		return nil, err
	}

	if err := Validate(p.registry, doc); err != nil {
		return nil, apperrors.NewPlanError(apperrors.PlanStageSchema, question, "document violates the schema", err)
	}
	return doc, nil
}

func (p *Planner) extract(ctx context.Context, question string) (*extraction, error) {
	resp, err := p.model.Generate(ctx,
		fmt.Sprintf(extractionPrompt, p.registry.EnhancedText()),
		question,
		adapter.JSONMode(), adapter.Temperature(0),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewPlanError(apperrors.PlanStageExtraction, question, "extraction call failed", err)
	}

	var ex extraction
	if err := adapter.DecodeJSON(resp.Content, &ex); err != nil {
		return nil, apperrors.NewPlanError(apperrors.PlanStageShape, question, "extraction reply malformed", err)
	}
	if len(ex.Nodes) == 0 && len(ex.Relations) == 0 {
		return nil, apperrors.NewPlanError(apperrors.PlanStageExtraction, question, "no entities found", nil)
	}
	return &ex, nil
}

// shape projects the extraction onto a document. Relations without an edge
// become links for traversal. A relation endpoint that names a kind rather
// than a ref gets a node of its own.
func (p *Planner) shape(question string, ex *extraction) (*QueryDocument, []link, error) {
	doc := &QueryDocument{Nodes: []Node{}, Predicates: []Predicate{}}
	ids := newNodeIDs()
	byRef := make(map[string]string, len(ex.Nodes))

	addNode := func(kind string, id *string, props map[string]interface{}) string {
		nodeID := ids.issue(kind)
		if id != nil && strings.TrimSpace(*id) == "" {
			id = nil
		}
		if props == nil {
			props = map[string]interface{}{}
		}
		doc.Nodes = append(doc.Nodes, Node{NodeID: nodeID, ID: id, Type: kind, Properties: props})
		return nodeID
	}

	for _, n := range ex.Nodes {
		kind := normaliseKind(n.Type)
		if kind == "" {
			return nil, nil, apperrors.NewPlanError(apperrors.PlanStageShape, question, "node without a type", nil)
		}
		ref := strings.TrimSpace(n.Ref)
		if ref != "" {
			if _, dup := byRef[ref]; dup {
				return nil, nil, apperrors.NewPlanError(apperrors.PlanStageShape, question,
					fmt.Sprintf("ref %q used twice", ref), nil)
			}
		}
		nodeID := addNode(kind, n.ID, copyProperties(n.Properties))
		if ref != "" {
			byRef[ref] = nodeID
		}
	}

	endpoint := func(ref string) (string, error) {
		ref = strings.TrimSpace(ref)
		if nodeID, ok := byRef[ref]; ok {
			return nodeID, nil
		}
		if kind := normaliseKind(ref); p.registry.HasNode(kind) {
			var same []string
			for _, n := range doc.Nodes {
				if n.Type == kind {
					same = append(same, n.NodeID)
				}
			}
			if len(same) == 1 {
				return same[0], nil
			}
			nodeID := addNode(kind, nil, nil)
			byRef[ref] = nodeID
			return nodeID, nil
		}
		return "", apperrors.NewPlanError(apperrors.PlanStageShape, question,
			fmt.Sprintf("relation endpoint %q is neither a listed entity nor a kind", ref), nil)
	}

	var links []link
	for _, r := range ex.Relations {
		source, err := endpoint(r.Source)
		if err != nil {
			return nil, nil, err
		}
		target, err := endpoint(r.Target)
		if err != nil {
			return nil, nil, err
		}
		edge := strings.TrimSpace(r.Edge)
		if edge == "" {
			links = append(links, link{source: source, target: target})
			continue
		}
		doc.Predicates = append(doc.Predicates, Predicate{Type: edge, Source: source, Target: target})
	}

	// Two entities and nothing said about how they relate: the question is
	// about the connection.
	if len(ex.Relations) == 0 && len(doc.Nodes) == 2 {
		links = append(links, link{source: doc.Nodes[0].NodeID, target: doc.Nodes[1].NodeID})
	}

	return doc, links, nil
}

// traverse fills each link with the shortest schema path, forward first and
// then against the edge directions.
func (p *Planner) traverse(ctx context.Context, question string, doc *QueryDocument, links []link) error {
	if len(links) == 0 {
		return nil
	}
	ids := newNodeIDs()
	for _, n := range doc.Nodes {
		ids.taken[n.NodeID] = true
	}

	for _, l := range links {
		from, _ := doc.Node(l.source)
		to, _ := doc.Node(l.target)
		for _, kind := range []string{from.Type, to.Type} {
			if !p.registry.HasNode(kind) {
				return apperrors.NewPlanError(apperrors.PlanStageSchema, question,
					fmt.Sprintf("undeclared kind %q", kind), nil)
			}
		}

		// Two nodes of one kind are joined through a cycle in the schema.
		if from.Type == to.Type {
			path, err := p.shortestCycle(ctx, from.Type)
			if err != nil {
				return p.traversalError(ctx, question, err)
			}
			p.materialise(doc, ids, path, from.NodeID, to.NodeID)
			continue
		}

		path, err := p.shortestPath(ctx, from.Type, to.Type)
		if err == nil {
			p.materialise(doc, ids, path, from.NodeID, to.NodeID)
			continue
		}
		if !errors.Is(err, schema.ErrUnreachable) {
			return p.traversalError(ctx, question, err)
		}

		path, err = p.shortestPath(ctx, to.Type, from.Type)
		if err != nil {
			return p.traversalError(ctx, question, err)
		}
		p.materialise(doc, ids, path, to.NodeID, from.NodeID)
	}
	return nil
}

func (p *Planner) shortestPath(ctx context.Context, start, target string) (schema.Path, error) {
	if p.bfsTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.bfsTimeout)
		defer cancel()
	}
	return p.graph.ShortestPath(ctx, start, target)
}

func (p *Planner) shortestCycle(ctx context.Context, kind string) (schema.Path, error) {
	if p.bfsTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.bfsTimeout)
		defer cancel()
	}
	return p.graph.ShortestCycle(ctx, kind)
}

func (p *Planner) traversalError(ctx context.Context, question string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperrors.NewPlanError(apperrors.PlanStageUnreachable, question, "no schema path joins the entities", err)
}

// materialise appends the path between two existing nodes. Intermediate
// kinds get fresh node_ids without an id.
func (p *Planner) materialise(doc *QueryDocument, ids *nodeIDs, path schema.Path, fromID, toID string) {
	if path.Len() == 0 {
		return
	}
	chain := make([]string, len(path.Kinds))
	chain[0] = fromID
	chain[len(chain)-1] = toID
	for i := 1; i < len(path.Kinds)-1; i++ {
		kind := path.Kinds[i]
		chain[i] = ids.issue(kind)
		doc.Nodes = append(doc.Nodes, Node{NodeID: chain[i], Type: kind, Properties: map[string]interface{}{}})
	}
	for i, edge := range path.Edges {
		doc.Predicates = append(doc.Predicates, Predicate{Type: edge, Source: chain[i], Target: chain[i+1]})
	}
}

// resolve replaces every non-empty string property with its canonical
// value. Empty strings and numbers are kept; nulls are dropped.
func (p *Planner) resolve(ctx context.Context, question string, doc *QueryDocument) error {
	for i := range doc.Nodes {
		n := &doc.Nodes[i]
		keys := make([]string, 0, len(n.Properties))
		for k := range n.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			value := n.Properties[key]
			if value == nil {
				delete(n.Properties, key)
				continue
			}
			if !p.registry.HasProperty(n.Type, key) {
				return apperrors.NewPlanError(apperrors.PlanStageSchema, question,
					fmt.Sprintf("property %q is not declared on %s", key, n.Type), nil)
			}
			text, ok := value.(string)
			if !ok || strings.TrimSpace(text) == "" {
				continue
			}

			res, err := p.resolver.Resolve(ctx, n.Type, key, strings.TrimSpace(text))
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return apperrors.NewPlanError(apperrors.PlanStageResolution, question,
					fmt.Sprintf("cannot resolve %s.%s", n.Type, key), err)
			}
			p.logger.Debug("Property resolved",
				zap.String("kind", n.Type),
				zap.String("key", key),
				zap.String("value", text),
				zap.String("canonical", res.Value),
				zap.Float64("confidence", res.Confidence),
			)
			n.Properties[key] = res.Value
		}
	}
	return nil
}

func normaliseKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func copyProperties(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
