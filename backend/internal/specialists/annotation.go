package specialists

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"biochat/backend/internal/planner"
	"biochat/backend/internal/state"
)

// AnnotationBackend executes query documents against the knowledge graph.
type AnnotationBackend struct {
	http *httpBackend
}

// NewAnnotationBackend creates a client for the annotation service at baseURL.
func NewAnnotationBackend(baseURL string, timeout time.Duration, bc BreakerConfig) *AnnotationBackend {
	return &AnnotationBackend{http: newHTTPBackend("annotation", baseURL, timeout, bc)}
}

type annotationRequest struct {
	Requests *planner.QueryDocument `json:"requests"`
}

// Query posts doc and returns the matching sub-graph.
func (a *AnnotationBackend) Query(ctx context.Context, doc *planner.QueryDocument) (*state.Graph, error) {
	var graph state.Graph
	if err := a.http.do(ctx, http.MethodPost, "/query", annotationRequest{Requests: doc}, &graph); err != nil {
		return nil, err
	}
	if graph.Nodes == nil {
		graph.Nodes = []map[string]interface{}{}
	}
	if graph.Edges == nil {
		graph.Edges = []map[string]interface{}{}
	}
	a.http.logger.Debug("Annotation query completed",
		zap.Int("nodes", len(graph.Nodes)),
		zap.Int("edges", len(graph.Edges)),
	)
	return &graph, nil
}
