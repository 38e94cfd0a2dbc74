package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"biochat/backend/internal/constants"
	"biochat/backend/internal/state"
)

func openTestStore(t testing.TB) *TurnStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func turnAt(userID string, i int, base time.Time) state.Turn {
	return state.Turn{
		UserID:          userID,
		QuestionID:      fmt.Sprintf("%s-q%d", userID, i),
		Time:            base.Add(time.Duration(i) * time.Second),
		UserQuestion:    fmt.Sprintf("question %d", i),
		MemorySnapshot:  "- FTO gene\n",
		ContextSnapshot: "none",
	}
}

func TestAppend_KeepsNewestTurns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(ctx, turnAt("u1", i, base), constants.HistoryTurns))
	}
	require.NoError(t, s.Append(ctx, turnAt("u2", 1, base), constants.HistoryTurns))

	turns, err := s.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "question 3", turns[0].UserQuestion)
	assert.Equal(t, "question 5", turns[2].UserQuestion)
	assert.True(t, base.Add(5*time.Second).Equal(turns[2].Time))
	assert.Equal(t, "- FTO gene\n", turns[2].MemorySnapshot)

	n, err := s.Count(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppend_RejectsInvalidTurn(t *testing.T) {
	s := openTestStore(t)
	err := s.Append(context.Background(), state.Turn{UserID: "u1"}, 3)
	var invalid state.ErrInvalidTurn
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "question_id", invalid.Field)
}

func TestAppend_DuplicateQuestionRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Append(ctx, turnAt("u1", 1, base), 3))
	assert.Error(t, s.Append(ctx, turnAt("u1", 1, base), 3))

	n, err := s.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRecent_LimitAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	// Written out of order; reads come back by time.
	for _, i := range []int{3, 1, 2} {
		require.NoError(t, s.Append(ctx, turnAt("u1", i, base), 10))
	}

	turns, err := s.Recent(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "u1-q2", turns[0].QuestionID)
	assert.Equal(t, "u1-q3", turns[1].QuestionID)

	none, err := s.Recent(ctx, "nobody", 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppend_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.Append(ctx, turnAt("u1", 1, time.Now()), 3))
	n, err := s.Count(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Append(context.Background(), turnAt("u1", 1, time.Now()), 3))
}

// TestProperty_TurnRetention: after N turns the store holds min(N, K) of
// them, ascending by time.
func TestProperty_TurnRetention(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		user := fmt.Sprintf("user-%d", run)
		n := rapid.IntRange(1, 12).Draw(rt, "turns")
		ctx := context.Background()

		for i := 1; i <= n; i++ {
			if err := s.Append(ctx, turnAt(user, i, base), constants.HistoryTurns); err != nil {
				rt.Fatalf("append: %v", err)
			}
		}

		turns, err := s.Recent(ctx, user, 100)
		if err != nil {
			rt.Fatalf("recent: %v", err)
		}
		want := n
		if want > constants.HistoryTurns {
			want = constants.HistoryTurns
		}
		if len(turns) != want {
			rt.Fatalf("got %d turns, want %d", len(turns), want)
		}
		for i := 1; i < len(turns); i++ {
			if !turns[i-1].Time.Before(turns[i].Time) {
				rt.Fatalf("turns out of order at %d", i)
			}
		}
		if turns[len(turns)-1].QuestionID != fmt.Sprintf("%s-q%d", user, n) {
			rt.Fatalf("newest turn missing")
		}
	})
}
