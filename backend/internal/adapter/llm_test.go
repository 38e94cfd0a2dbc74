package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "biochat/backend/pkg/errors"
)

func chatReply(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	}
}

func fastRetries(t *testing.T) {
	t.Helper()
	oldMin, oldMax := retryJitterMin, retryJitterMax
	retryJitterMin, retryJitterMax = time.Millisecond, 2*time.Millisecond
	t.Cleanup(func() { retryJitterMin, retryJitterMax = oldMin, oldMax })
}

func TestLLMAdapter_Generate(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(chatReply("  Hello there  "))
	}))
	defer srv.Close()

	llm := NewLLMAdapter("basic", srv.URL, "", "test-model", time.Second)
	resp, err := llm.Generate(context.Background(), "system", "user", JSONMode())
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, gotBody["response_format"])
	messages := gotBody["messages"].([]interface{})
	assert.Len(t, messages, 2)
}

func TestLLMAdapter_ZeroTemperatureIsSent(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody = nil
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(chatReply("ok"))
	}))
	defer srv.Close()

	llm := NewLLMAdapter("basic", srv.URL, "", "test-model", time.Second)

	_, err := llm.Generate(context.Background(), "s", "u", Temperature(0))
	require.NoError(t, err)
	require.Contains(t, gotBody, "temperature")
	temp := gotBody["temperature"].(float64)
	assert.Greater(t, temp, 0.0)
	assert.Less(t, temp, 1e-30)

	_, err = llm.Generate(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.InDelta(t, 0.2, gotBody["temperature"], 1e-6)
}

func TestLLMAdapter_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "x", "choices": []interface{}{}})
	}))
	defer srv.Close()

	_, err := NewLLMAdapter("basic", srv.URL, "", "m", time.Second).Generate(context.Background(), "s", "u")
	assert.EqualError(t, err, "no choices in LLM response")
}

func TestLLMAdapter_TimeoutRetriedOnce(t *testing.T) {
	fastRetries(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_ = json.NewEncoder(w).Encode(chatReply("ok"))
	}))
	defer srv.Close()

	resp, err := NewLLMAdapter("basic", srv.URL, "", "m", 100*time.Millisecond).
		Generate(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLLMAdapter_PersistentTimeout(t *testing.T) {
	fastRetries(t)
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := NewLLMAdapter("basic", srv.URL, "", "m", 50*time.Millisecond).
		Generate(context.Background(), "s", "u")
	be, ok := apperrors.AsBackendError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, apperrors.BackendReasonTimeout, be.Reason)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLLMAdapter_ServerErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream down","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := NewLLMAdapter("basic", srv.URL, "", "m", time.Second).Generate(context.Background(), "s", "u")
	be, ok := apperrors.AsBackendError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.BackendReasonUnavailable, be.Reason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLLMAdapter_CallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := NewLLMAdapter("basic", srv.URL, "", "m", time.Second).Generate(ctx, "s", "u")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		// Out of order on purpose
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"model":  "emb",
			"data": []map[string]interface{}{
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1, 0}},
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0, 0}},
			},
		})
	}))
	defer srv.Close()

	emb := NewEmbedder(srv.URL, "", "emb", 3, time.Second)
	vectors, err := emb.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vectors)
	assert.Equal(t, 3, emb.Dimension())

	empty, err := emb.Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, empty)
}

func TestEmbedder_DimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": []float32{1, 0}}},
		})
	}))
	defer srv.Close()

	_, err := NewEmbedder(srv.URL, "", "emb", 3, time.Second).Embed(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "dimension 2, expected 3")
}

func TestDecodeJSON(t *testing.T) {
	var obj struct {
		Facts []string `json:"facts"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"facts\": [\"FTO gene\"]}\n```", &obj))
	assert.Equal(t, []string{"FTO gene"}, obj.Facts)

	require.NoError(t, DecodeJSON(`Sure! {"facts": []} hope that helps`, &obj))
	assert.Empty(t, obj.Facts)

	var list []int
	require.NoError(t, DecodeJSON("[1, 2, 3]", &list))
	assert.Equal(t, []int{1, 2, 3}, list)

	assert.Error(t, DecodeJSON("no json here", &obj))
	assert.Error(t, DecodeJSON(`{"facts": [}`, &obj))
}
