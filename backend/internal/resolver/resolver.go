package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/graph"
	apperrors "biochat/backend/pkg/errors"
	"biochat/backend/pkg/logger"
)

// CandidateSource returns stored values similar to a search value.
type CandidateSource interface {
	PropertyCandidates(ctx context.Context, kind, key, search string, threshold float64, topK int) ([]graph.Candidate, error)
}

// Model is the chat model used to pick among candidates.
type Model interface {
	Generate(ctx context.Context, systemPrompt, userMsg string, opts ...adapter.Option) (*adapter.Response, error)
}

// Resolution is a canonical value and the model's confidence in it.
type Resolution struct {
	Value      string
	Confidence float64
	Candidates []string
}

// Resolver maps free-text property values onto canonical graph values.
type Resolver struct {
	source    CandidateSource
	model     Model
	topK      int
	threshold float64
	logger    *zap.Logger
}

// New creates a resolver.
func New(source CandidateSource, model Model, topK int, threshold float64) *Resolver {
	return &Resolver{
		source:    source,
		model:     model,
		topK:      topK,
		threshold: threshold,
		logger:    logger.Named("resolver"),
	}
}

type pick struct {
	SelectedValue   string  `json:"selected_value"`
	ConfidenceScore float64 `json:"confidence_score"`
}

const pickPrompt = `You map a user-supplied value onto the canonical value stored in a biomedical knowledge graph.

Node kind: %s
Property: %s
User value: %q

Candidate values (most similar first):
%s

Pick the single candidate that denotes the same entity as the user value. If none does, return an empty
selected_value. Never invent a value that is not in the list.

Respond with ONLY valid JSON: {"selected_value": "<candidate or empty>", "confidence_score": <0..1>}`

// Resolve returns the canonical value for (kind, key, value).
func (r *Resolver) Resolve(ctx context.Context, kind, key, value string) (*Resolution, error) {
	found, err := r.source.PropertyCandidates(ctx, kind, key, value, r.threshold, r.topK)
	if err != nil {
		return nil, apperrors.NewResolveError(apperrors.ResolveReasonBackend, kind, key, value, err)
	}

	candidates := r.rank(value, found)
	if len(candidates) == 0 {
		r.logger.Info("No property candidates",
			zap.String("kind", kind),
			zap.String("key", key),
			zap.String("value", value),
		)
		return nil, apperrors.NewResolveError(apperrors.ResolveReasonNoMatch, kind, key, value, nil)
	}

	var list strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&list, "%d. %s\n", i+1, c)
	}

	resp, err := r.model.Generate(ctx,
		fmt.Sprintf(pickPrompt, kind, key, value, list.String()),
		"Return the JSON object now.",
		adapter.JSONMode(), adapter.Temperature(0),
	)
	if err != nil {
		return nil, apperrors.NewResolveError(apperrors.ResolveReasonBackend, kind, key, value, err)
	}

	var choice pick
	if err := adapter.DecodeJSON(resp.Content, &choice); err != nil {
		r.logger.Warn("Unparseable candidate pick", zap.String("reply", resp.Content), zap.Error(err))
		return nil, apperrors.NewResolveError(apperrors.ResolveReasonNoMatch, kind, key, value, err)
	}

	canonical, ok := member(strings.TrimSpace(choice.SelectedValue), candidates)
	if !ok {
		r.logger.Info("Model pick rejected",
			zap.String("kind", kind),
			zap.String("key", key),
			zap.String("value", value),
			zap.String("selected", choice.SelectedValue),
		)
		return nil, apperrors.NewResolveError(apperrors.ResolveReasonNoMatch, kind, key, value, nil)
	}

	return &Resolution{
		Value:      canonical,
		Confidence: clamp(choice.ConfidenceScore),
		Candidates: candidates,
	}, nil
}

// rank re-scores candidates locally, drops those at or below the threshold,
// removes duplicates and keeps the topK best.
func (r *Resolver) rank(value string, found []graph.Candidate) []string {
	type scored struct {
		value string
		score float64
	}
	seen := make(map[string]bool, len(found))
	var kept []scored
	for _, c := range found {
		if c.Value == "" || seen[c.Value] {
			continue
		}
		seen[c.Value] = true
		s := Similarity(value, c.Value)
		if s > r.threshold {
			kept = append(kept, scored{c.Value, s})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > r.topK {
		kept = kept[:r.topK]
	}
	out := make([]string, len(kept))
	for i, k := range kept {
		out[i] = k.value
	}
	return out
}

// Similarity is the case-insensitive normalised Levenshtein similarity in [0, 1].
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// member returns the canonical spelling of selected if it is a candidate.
// A case-only difference is accepted when it is unambiguous.
func member(selected string, candidates []string) (string, bool) {
	if selected == "" {
		return "", false
	}
	var folded []string
	for _, c := range candidates {
		if c == selected {
			return c, true
		}
		if strings.EqualFold(c, selected) {
			folded = append(folded, c)
		}
	}
	if len(folded) == 1 {
		return folded[0], true
	}
	return "", false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
