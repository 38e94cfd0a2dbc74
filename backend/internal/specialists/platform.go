package specialists

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/constants"
	"biochat/backend/internal/state"
)

const platformPrompt = `You help researchers use a bioinformatics platform.

The user is looking at this %s (JSON description from the platform):
%s

Answer the question about it: what it does, its inputs, outputs and parameters. Use only the description.
You cannot run anything yourself; if the user wants to run it, tell them which inputs it needs.`

// Platform describes tools, workflows and datasets of the bioinformatics
// platform. Execution stays with the platform.
type Platform struct {
	http  *httpBackend
	model Model
}

// NewPlatform creates a platform informer.
func NewPlatform(baseURL string, timeout time.Duration, bc BreakerConfig, model Model) *Platform {
	return &Platform{
		http:  newHTTPBackend("platform", baseURL, timeout, bc),
		model: model,
	}
}

// Handles reports whether resource type t belongs to the platform.
func (p *Platform) Handles(t string) bool {
	switch t {
	case constants.ResourceTool, constants.ResourceWorkflow, constants.ResourceDataset:
		return true
	}
	return false
}

// Answer fetches the resource description and answers question about it.
func (p *Platform) Answer(ctx context.Context, resource state.Resource, question, token string) (state.Envelope, error) {
	if !p.Handles(resource.Type) {
		return state.Envelope{}, fmt.Errorf("platform does not serve %q resources", resource.Type)
	}

	var desc map[string]interface{}
	path := fmt.Sprintf("/%ss/%s", resource.Type, url.PathEscape(resource.ID))
	err := p.http.do(withBearer(ctx, token), http.MethodGet, path, nil, &desc)
	if IsNotFound(err) {
		return state.Envelope{Text: fmt.Sprintf("I could not find %s %s on the platform.", resource.Type, resource.ID)}, nil
	}
	if err != nil {
		return state.Envelope{}, err
	}

	resp, err := p.model.Generate(ctx, fmt.Sprintf(platformPrompt, resource.Type, compactJSON(desc)), question, adapter.Temperature(0.2))
	if err != nil {
		return state.Envelope{}, err
	}
	r := resource
	return state.Envelope{Text: resp.Content, Resource: &r}, nil
}
