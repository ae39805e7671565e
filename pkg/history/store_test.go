package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestStore_AppendAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "tg_1_main", Turn{Role: "user", Content: "hello"}))
	require.NoError(t, s.Append(ctx, "tg_1_main", Turn{Role: "assistant", Content: "hi"}))

	turns, err := s.Load(ctx, "tg_1_main")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.False(t, turns[0].Timestamp.IsZero())
	assert.Equal(t, "assistant", turns[1].Role)
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	s := newTestStore(t)
	turns, err := s.Load(context.Background(), "tg_99_main")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestStore_AppendValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Append(ctx, "tg_1_main", Turn{Content: "no role"}))
	assert.Error(t, s.Append(ctx, "tg_1_main", Turn{Role: "user"}))
	assert.Error(t, s.Append(ctx, "", Turn{Role: "user", Content: "x"}))
	assert.Error(t, s.Append(ctx, "../escape", Turn{Role: "user", Content: "x"}))
	assert.Error(t, s.Append(ctx, "a/b", Turn{Role: "user", Content: "x"}))
}

func TestStore_LoadSkipsCorruptLines(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "tg_1_main", Turn{Role: "user", Content: "first"}))

	f, err := os.OpenFile(filepath.Join(s.dir, "tg_1_main.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n{\"sessionKey\":\"tg_1_main\",\"turn\":{\"role\":\"\",\"content\":\"\"}}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.Append(ctx, "tg_1_main", Turn{Role: "user", Content: "second"}))

	turns, err := s.Load(ctx, "tg_1_main")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "first", turns[0].Content)
	assert.Equal(t, "second", turns[1].Content)
}

func TestStore_RecentTurnsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 15; i++ {
		require.NoError(t, s.Append(ctx, "tg_1_main", Turn{
			Role:      "user",
			Content:   fmt.Sprintf("turn-%03d", i),
			Timestamp: time.Date(2026, 3, 1, 10, 0, i, 0, time.UTC),
		}))
	}

	turns, err := s.RecentTurns(ctx, "tg_1_main", 10)
	require.NoError(t, err)
	require.Len(t, turns, 10)
	// Oldest first, window anchored at the tail
	assert.Equal(t, "turn-006", turns[0].Content)
	assert.Equal(t, "turn-015", turns[9].Content)
}

func TestStore_RecentTurnsFewerThanLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "tg_1_main", Turn{Role: "user", Content: "only"}))

	turns, err := s.RecentTurns(ctx, "tg_1_main", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "only", turns[0].Content)
}

func TestStore_DeleteAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "tg_1_main", Turn{Role: "user", Content: "a"}))
	require.NoError(t, s.Append(ctx, "tg_2_main", Turn{Role: "user", Content: "b"}))

	keys, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tg_1_main", "tg_2_main"}, keys)

	require.NoError(t, s.Delete(ctx, "tg_1_main"))

	keys, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"tg_2_main"}, keys)

	// Deleting a missing transcript is not an error
	require.NoError(t, s.Delete(ctx, "tg_1_main"))
}
