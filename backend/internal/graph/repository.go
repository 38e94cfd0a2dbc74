package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	"biochat/backend/pkg/logger"
)

const service = "neo4j"

// Repository handles all Neo4j database operations
type Repository struct {
	driver   neo4j.DriverWithContext
	database string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRepository creates a new graph repository. The driver is owned by the
// caller and shared by every request.
func NewRepository(driver neo4j.DriverWithContext, database string, timeout time.Duration) *Repository {
	return &Repository{
		driver:   driver,
		database: database,
		timeout:  timeout,
		logger:   logger.Named("graph"),
	}
}

// Close closes the Neo4j driver connection
func (r *Repository) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// Ping verifies the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return adapter.Call(ctx, service, r.timeout, func(ctx context.Context) error {
		return r.driver.VerifyConnectivity(ctx)
	})
}

// Candidate is a stored property value and its similarity to the search value.
type Candidate struct {
	Value string
	Score float64
}

const candidateQuery = `
	MATCH (n:%s)
	WHERE n[$key] IS NOT NULL
	WITH DISTINCT toString(n[$key]) AS value
	WITH value, apoc.text.levenshteinSimilarity(toLower(value), toLower($search)) AS score
	WHERE score > $threshold
	RETURN value, score
	ORDER BY score DESC, value ASC
	LIMIT $topK
`

// PropertyCandidates returns up to topK distinct stored values of key on
// nodes of kind whose case-insensitive Levenshtein similarity to search
// exceeds threshold, best first.
func (r *Repository) PropertyCandidates(ctx context.Context, kind, key, search string, threshold float64, topK int) ([]Candidate, error) {
	query := fmt.Sprintf(candidateQuery, quoteIdentifier(LabelFor(kind)))
	params := map[string]interface{}{
		"key":       key,
		"search":    search,
		"threshold": threshold,
		"topK":      int64(topK),
	}

	var candidates []Candidate
	err := adapter.Call(ctx, service, r.timeout, func(ctx context.Context) error {
		candidates = candidates[:0]
		session := r.driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   neo4j.AccessModeRead,
			DatabaseName: r.database,
		})
		defer session.Close(ctx)

		result, err := session.Run(ctx, query, params)
		if err != nil {
			return err
		}
		for result.Next(ctx) {
			record := result.Record()
			candidates = append(candidates, Candidate{
				Value: getStringFromRecord(record, "value"),
				Score: getFloat64FromRecord(record, "score"),
			})
		}
		return result.Err()
	})
	if err != nil {
		r.logger.Error("Property candidate query failed",
			zap.String("kind", kind),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, err
	}

	r.logger.Debug("Property candidates fetched",
		zap.String("kind", kind),
		zap.String("key", key),
		zap.String("search", search),
		zap.Int("count", len(candidates)),
	)
	return candidates, nil
}

// LabelFor maps a schema kind to its Neo4j label: snake_case becomes
// PascalCase ("go_term" -> "GoTerm").
func LabelFor(kind string) string {
	parts := strings.Split(kind, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
