package session

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return NewRegistry(testConfig(), st, nil, nil, zerolog.Nop())
}

func TestRegistry_ChildLoggerFieldsNotDuplicated(t *testing.T) {
	st, err := NewStore(t.TempDir())
	require.NoError(t, err)

	var buf bytes.Buffer
	base := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := NewRegistry(testConfig(), st, nil, nil, base)

	s := r.GetOrCreate(context.Background(), NewIdentity("tg", "100", ""))
	finish, _, err := s.StartProcessing()
	require.NoError(t, err)
	finish()

	out := strings.TrimSpace(buf.String())
	require.NotEmpty(t, out)
	for _, line := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, strings.Count(line, `"component"`), 1, line)
		assert.LessOrEqual(t, strings.Count(line, `"session_key"`), 1, line)
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	id := NewIdentity("tg", "100", "")
	s1 := r.GetOrCreate(ctx, id)
	s2 := r.GetOrCreate(ctx, id)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, r.Len())

	other := r.GetOrCreate(ctx, NewIdentity("tg", "200", ""))
	assert.NotSame(t, s1, other)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ConcurrentFirstMessagesOneSession(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	id := NewIdentity("tg", "100", "")

	const n = 50
	results := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate(ctx, id)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_GetWithoutCreate(t *testing.T) {
	r := newTestRegistry(t)
	id := NewIdentity("tg", "100", "")

	_, ok := r.Get(id)
	assert.False(t, ok)

	created := r.GetOrCreate(context.Background(), id)
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Same(t, created, got)
}

func TestRegistry_KillReturnsOrphanedSteering(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	id := NewIdentity("tg", "100", "")

	s := r.GetOrCreate(ctx, id)
	_, err := s.Steer("stranded", 1, "")
	require.NoError(t, err)
	require.NoError(t, r.Persist(ctx, s))

	orphaned := r.Kill(ctx, id)
	require.Len(t, orphaned, 1)
	assert.Equal(t, "stranded", orphaned[0].Content)
	assert.Equal(t, 0, r.Len())

	// The stored record goes with the session
	fresh := r.GetOrCreate(ctx, id)
	assert.Empty(t, fresh.ProviderSessionID())
}

func TestRegistry_KillUnknownIdentity(t *testing.T) {
	r := newTestRegistry(t)
	assert.Nil(t, r.Kill(context.Background(), NewIdentity("tg", "999", "")))
}

func TestRegistry_PersistAndRestore(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	require.NoError(t, err)
	r := NewRegistry(testConfig(), st, nil, nil, zerolog.Nop())
	ctx := context.Background()
	id := NewIdentity("tg", "100", "")

	s := r.GetOrCreate(ctx, id)
	s.SetProviderSessionID(s.Generation(), "prov-42")
	require.NoError(t, r.Persist(ctx, s))

	// A new registry over the same store rehydrates the session
	r2 := NewRegistry(testConfig(), st, nil, nil, zerolog.Nop())
	restored := r2.GetOrCreate(ctx, id)
	assert.Equal(t, "prov-42", restored.ProviderSessionID())
}

func TestRegistry_RemoveSkipsBusyAndPending(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	idle := NewIdentity("tg", "1", "")
	busy := NewIdentity("tg", "2", "")
	pending := NewIdentity("tg", "3", "")

	r.GetOrCreate(ctx, idle)

	busySession := r.GetOrCreate(ctx, busy)
	finish, _, err := busySession.StartProcessing()
	require.NoError(t, err)
	defer finish()

	pendingSession := r.GetOrCreate(ctx, pending)
	_, err = pendingSession.Steer("unconsumed", 1, "")
	require.NoError(t, err)

	assert.True(t, r.Remove(idle))
	assert.False(t, r.Remove(busy))
	assert.False(t, r.Remove(pending))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_SteeringSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steering-snapshot.json")
	ctx := context.Background()

	r := newTestRegistry(t)
	a := r.GetOrCreate(ctx, NewIdentity("tg", "1", ""))
	b := r.GetOrCreate(ctx, NewIdentity("tg", "2", ""))
	_, err := a.Steer("before shutdown", 1, "")
	require.NoError(t, err)
	_ = b // empty buffer stays out of the snapshot

	require.NoError(t, r.SaveSteeringSnapshot(path))

	r2 := newTestRegistry(t)
	require.NoError(t, r2.RestoreSteeringSnapshot(ctx, path))

	restored, ok := r2.Get(NewIdentity("tg", "1", ""))
	require.True(t, ok)
	assert.Contains(t, restored.Buffer().Peek(), "before shutdown")

	_, ok = r2.Get(NewIdentity("tg", "2", ""))
	assert.False(t, ok)

	// A consumed snapshot cannot be replayed
	r3 := newTestRegistry(t)
	require.NoError(t, r3.RestoreSteeringSnapshot(ctx, path))
	assert.Equal(t, 0, r3.Len())
}

func TestRegistry_SnapshotEmptyBuffersWritesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "steering-snapshot.json")

	r := newTestRegistry(t)
	r.GetOrCreate(context.Background(), NewIdentity("tg", "1", ""))

	require.NoError(t, r.SaveSteeringSnapshot(path))

	snap, err := ConsumeSnapshot(path)
	require.NoError(t, err)
	assert.Nil(t, snap)
}
