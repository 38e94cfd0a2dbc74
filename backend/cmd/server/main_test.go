package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	"biochat/backend/internal/index"
	"biochat/backend/internal/memory"
	"biochat/backend/internal/specialists"
	"biochat/backend/internal/state"
)

type mockTurns struct {
	last state.TurnRequest
}

func (m *mockTurns) Handle(ctx context.Context, req state.TurnRequest) state.Envelope {
	m.last = req
	return state.Envelope{Text: "Hello! Ask me about genes.", Resource: &state.Resource{ID: "g1", Type: "graph"}}
}

type mockMemory struct {
	query string
}

func (m *mockMemory) Retrieve(ctx context.Context, userID, query string) ([]memory.Record, error) {
	m.query = query
	return []memory.Record{{ID: "m1", Content: "Studies obesity"}}, nil
}

type mockPush struct {
	userID string
}

func (m *mockPush) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	m.userID = userID
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

type mockPinger struct {
	err error
}

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

type unitEmbedder struct{}

func (unitEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type echoModel struct{}

func (echoModel) Generate(ctx context.Context, systemPrompt, userMsg string, opts ...adapter.Option) (*adapter.Response, error) {
	return &adapter.Response{Content: "answer"}, nil
}

type testServer struct {
	router *gin.Engine
	turns  *mockTurns
	memory *mockMemory
	push   *mockPush
	index  *index.MemoryIndex
}

func newTestServer(t *testing.T, checks map[string]Pinger, burst int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	idx := index.NewMemoryIndex(3)
	pdfs := specialists.NewPDF(unitEmbedder{}, idx, echoModel{}, "UserPdf", 2)
	require.NoError(t, pdfs.Ensure(context.Background()))

	s := &testServer{
		turns:  &mockTurns{},
		memory: &mockMemory{},
		push:   &mockPush{},
		index:  idx,
	}
	s.router = newRouter(routerDeps{
		turns:     s.turns,
		documents: pdfs,
		memory:    s.memory,
		push:      s.push,
		checks:    checks,
		limiter:   newCallerLimiter(60, burst, time.Minute),
		log:       zap.NewNop(),
	})
	return s
}

func (s *testServer) do(method, path string, body interface{}, header map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBytes)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{"neo4j": mockPinger{}, "store": mockPinger{}}, 5)

	w := s.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	s := newTestServer(t, map[string]Pinger{"neo4j": mockPinger{err: errors.New("connection refused")}}, 5)

	w := s.do("GET", "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil, 5)
	w := s.do("GET", "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChatEndpoint_InvalidRequest(t *testing.T) {
	s := newTestServer(t, nil, 5)

	w := s.do("POST", "/api/chat", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do("POST", "/api/chat", map[string]string{"user_id": "u1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatEndpoint_ReturnsEnvelope(t *testing.T) {
	s := newTestServer(t, nil, 5)

	w := s.do("POST", "/api/chat", map[string]interface{}{
		"user_id": "u1",
		"query":   "Hi there",
		"context": map[string]interface{}{"id": "h1", "type": "hypothesis"},
	}, map[string]string{"Authorization": "Bearer abc123"})

	require.Equal(t, http.StatusOK, w.Code)
	var env state.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "Hello! Ask me about genes.", env.Text)
	assert.Equal(t, "g1", env.Resource.ID)

	assert.Equal(t, "abc123", s.turns.last.Token)
	assert.Equal(t, "h1", s.turns.last.Context.IDValue())
	assert.Equal(t, "hypothesis", s.turns.last.Context.TypeValue())
}

func TestChatEndpoint_RateLimited(t *testing.T) {
	s := newTestServer(t, nil, 2)
	body := map[string]string{"user_id": "u1", "query": "What is FTO?"}

	assert.Equal(t, http.StatusOK, s.do("POST", "/api/chat", body, nil).Code)
	assert.Equal(t, http.StatusOK, s.do("POST", "/api/chat", body, nil).Code)

	w := s.do("POST", "/api/chat", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var env state.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "Too many requests", env.Text)

	// Other callers have their own budget.
	other := map[string]string{"user_id": "u2", "query": "What is FTO?"}
	assert.Equal(t, http.StatusOK, s.do("POST", "/api/chat", other, nil).Code)
}

func TestPDFEndpoints_QuotaFull(t *testing.T) {
	s := newTestServer(t, nil, 10)
	ctx := context.Background()

	for _, name := range []string{"a.pdf", "b.pdf"} {
		w := s.do("POST", "/api/pdf", map[string]string{"user_id": "u1", "name": name, "text": "FTO and obesity."}, nil)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	before, err := s.index.Scroll(ctx, "UserPdf", nil, 0)
	require.NoError(t, err)

	w := s.do("POST", "/api/pdf", map[string]string{"user_id": "u1", "name": "c.pdf", "text": "More FTO."}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	var env state.Envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "Your quota is full", env.Text)

	after, err := s.index.Scroll(ctx, "UserPdf", nil, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestPDFEndpoints_ListAndDelete(t *testing.T) {
	s := newTestServer(t, nil, 10)

	w := s.do("POST", "/api/pdf", map[string]string{"user_id": "u1", "name": "fto.pdf", "text": "FTO and obesity."}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var doc specialists.Document
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))

	w = s.do("GET", "/api/pdf/u1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), doc.ID)

	assert.Equal(t, http.StatusNoContent, s.do("DELETE", "/api/pdf/u1/"+doc.ID, nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do("DELETE", "/api/pdf/u1/"+doc.ID, nil, nil).Code)

	w = s.do("POST", "/api/pdf", map[string]string{"user_id": "u1", "name": "x.pdf"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMemoryEndpoint(t *testing.T) {
	s := newTestServer(t, nil, 5)

	w := s.do("GET", "/api/memory/u1?q=obesity", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "obesity", s.memory.query)
	assert.Contains(t, w.Body.String(), "Studies obesity")
}

func TestPushEndpoint(t *testing.T) {
	s := newTestServer(t, nil, 5)

	s.do("GET", "/ws/u7", nil, nil)
	assert.Equal(t, "u7", s.push.userID)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, nil, 5)

	w := s.do("OPTIONS", "/api/chat", nil, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCallerLimiter_EvictsIdle(t *testing.T) {
	l := newCallerLimiter(60, 1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("u1"))
	assert.False(t, l.Allow("u1"))

	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("u2"))
	assert.Equal(t, 0, l.evictIdle())

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, l.evictIdle(), "u1 idle for 75s")
	assert.True(t, l.Allow("u1"), "a fresh limiter starts with a full burst")
}

func TestBearerToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request, _ = http.NewRequest("GET", "/", strings.NewReader(""))

	assert.Equal(t, "", bearerToken(c))
	c.Request.Header.Set("Authorization", "bearer tok")
	assert.Equal(t, "tok", bearerToken(c))
	c.Request.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", bearerToken(c))
}
