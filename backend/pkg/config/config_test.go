package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "biochat/backend/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 2, cfg.Limits.PDFQuota)
	assert.Equal(t, 0.5, cfg.Limits.MemoryThreshold)
	assert.Equal(t, 10, cfg.Limits.ResolverTopK)
	assert.Equal(t, 0.3, cfg.Limits.ResolverThreshold)
	assert.Equal(t, 3, cfg.Limits.HistoryTurns)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Model)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Graph)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Vector)
	assert.False(t, cfg.UsesWeaviate())
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  env: production
models:
  basic:
    base_url: http://llm.internal/v1
    model_id: small
limits:
  pdf_quota: 5
  bfs_timeout: 750ms
timeouts:
  model: 45s
vector_store:
  host: weaviate:8080
`)
	t.Setenv("NEO4J_URI", "bolt://graph:7687")
	t.Setenv("LIMIT_PDF_QUOTA", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "small", cfg.Models.Basic.ModelID)
	assert.Equal(t, "http://llm.internal/v1", cfg.Models.Advanced.BaseURL, "advanced inherits basic endpoint")
	assert.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
	assert.Equal(t, 4, cfg.Limits.PDFQuota, "env wins over yaml")
	assert.Equal(t, 750*time.Millisecond, cfg.Limits.BFSTimeout)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Model)
	assert.True(t, cfg.UsesWeaviate())
}

func TestLoad_InvalidDocument(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
server:
  env: staging
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeConfig))

	path = writeConfig(t, `
limits:
  memory_threshold: 1.5
`)
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MemoryThreshold")
}
