package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biochat/backend/internal/constants"
)

type recorder struct {
	mu     sync.Mutex
	users  []string
	events []Event
}

func (r *recorder) Publish(userID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID)
	r.events = append(r.events, ev)
}

func TestEmit_UsesTaggedUser(t *testing.T) {
	rec := &recorder{}
	ctx := WithUser(context.Background(), "u1")

	Emit(ctx, rec, constants.EventJSONFormat, "extraction", constants.StatusStarted, nil)
	Emit(context.Background(), rec, constants.EventJSONFormat, "extraction", constants.StatusStarted, nil)
	Emit(ctx, nil, constants.EventRAG, "search", constants.StatusStarted, nil)

	require.Len(t, rec.events, 1)
	assert.Equal(t, "u1", rec.users[0])
	assert.Equal(t, constants.EventJSONFormat, rec.events[0].Name)
	assert.Equal(t, constants.StatusStarted, rec.events[0].Status)
	assert.False(t, rec.events[0].Timestamp.IsZero())
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop{}.Publish("u1", New(constants.EventError, "dispatch", constants.StatusCompleted, "boom"))
	})
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_DeliversToSubscribedUserOnly(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	defer srv.Close()

	u1 := dial(t, srv, "/ws/u1")
	u2 := dial(t, srv, "/ws/u2")
	require.Eventually(t, func() bool {
		return hub.Subscribers("u1") == 1 && hub.Subscribers("u2") == 1
	}, time.Second, 5*time.Millisecond)

	hub.Publish("u1", New(constants.EventAnalysis, "annotation", constants.StatusInProgress, map[string]int{"nodes": 3}))

	u1.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := u1.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, constants.EventAnalysis, got.Name)
	assert.Equal(t, "annotation", got.Stage)
	assert.Equal(t, constants.StatusInProgress, got.Status)

	u2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = u2.ReadMessage()
	assert.Error(t, err, "u2 must not receive u1's events")
}

func TestHub_UnsubscribesOnDisconnect(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, "u1")
	}))
	defer srv.Close()

	conn := dial(t, srv, "/ws/u1")
	require.Eventually(t, func() bool { return hub.Subscribers("u1") == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Subscribers("u1") == 0 }, time.Second, 5*time.Millisecond)

	assert.NotPanics(t, func() {
		hub.Publish("u1", New(constants.EventRAG, "search", constants.StatusCompleted, nil))
	})
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil)
	assert.NotPanics(t, func() {
		hub.Publish("nobody", New(constants.EventHypothesis, "fetch", constants.StatusStarted, nil))
	})
	assert.Equal(t, 0, hub.Subscribers("nobody"))
}
