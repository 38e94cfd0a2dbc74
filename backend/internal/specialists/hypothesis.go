package specialists

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/events"
	"biochat/backend/internal/state"
)

const hypothesisPrompt = `You discuss a generated biomedical hypothesis with the researcher who requested it.

Hypothesis (JSON):
%s

Answer the researcher's question about this hypothesis using only its content. If the hypothesis does not
cover the question, say so.`

// Hypothesis answers questions about hypotheses held by the hypothesis service.
type Hypothesis struct {
	http   *httpBackend
	model  Model
	events events.Publisher
}

// NewHypothesis creates a hypothesis specialist. pub may be nil.
func NewHypothesis(baseURL string, timeout time.Duration, bc BreakerConfig, model Model, pub events.Publisher) *Hypothesis {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Hypothesis{
		http:   newHTTPBackend("hypothesis", baseURL, timeout, bc),
		model:  model,
		events: pub,
	}
}

// Fetch returns the hypothesis document with the given id.
func (h *Hypothesis) Fetch(ctx context.Context, id string, token string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	path := "/hypothesis/" + url.PathEscape(id)
	if err := h.http.do(withBearer(ctx, token), http.MethodGet, path, nil, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Answer fetches hypothesis id and answers question about it.
func (h *Hypothesis) Answer(ctx context.Context, id, question, token string) (state.Envelope, error) {
	events.Emit(ctx, h.events, constants.EventHypothesis, "fetch", constants.StatusStarted, map[string]string{"id": id})

	doc, err := h.Fetch(ctx, id, token)
	if IsNotFound(err) {
		return state.Envelope{Text: fmt.Sprintf("I could not find hypothesis %s.", id)}, nil
	}
	if err != nil {
		return state.Envelope{}, err
	}

	resp, err := h.model.Generate(ctx, fmt.Sprintf(hypothesisPrompt, compactJSON(doc)), question, adapter.Temperature(0.2))
	if err != nil {
		return state.Envelope{}, err
	}
	events.Emit(ctx, h.events, constants.EventHypothesis, "answer", constants.StatusCompleted, nil)
	return state.Envelope{
		Text:     resp.Content,
		Resource: &state.Resource{ID: id, Type: constants.ResourceHypothesis},
	}, nil
}
