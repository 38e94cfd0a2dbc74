package specialists

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/state"
)

const summaryPrompt = `You explain biomedical knowledge-graph results to a researcher.

The user asked: %q

The graph below was retrieved for that question (JSON, nodes and edges):
%s

Answer the question using only what the graph contains. Name the entities and the relations that connect them.
If the graph does not answer the question, say so plainly. Do not invent facts. Keep it under 200 words.`

const emptyGraphText = "I could not find anything in the knowledge graph for that question."

// GraphSummariser turns a sub-graph into a written answer.
type GraphSummariser struct {
	model Model
}

// NewGraphSummariser creates a summariser.
func NewGraphSummariser(model Model) *GraphSummariser {
	return &GraphSummariser{model: model}
}

// Summarise answers question from graph. The graph travels back with the
// envelope under a fresh graph resource.
func (s *GraphSummariser) Summarise(ctx context.Context, question string, graph *state.Graph) (state.Envelope, error) {
	if graph.Empty() {
		return state.Envelope{Text: emptyGraphText}, nil
	}

	resp, err := s.model.Generate(ctx,
		fmt.Sprintf(summaryPrompt, question, compactJSON(graph)),
		question,
		adapter.Temperature(0.2),
	)
	if err != nil {
		return state.Envelope{}, err
	}

	return state.Envelope{
		Text:     resp.Content,
		Resource: &state.Resource{ID: uuid.NewString(), Type: constants.ResourceGraph},
		Graph:    graph,
	}, nil
}
