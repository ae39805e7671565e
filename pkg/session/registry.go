package session

import (
	"context"
	"sync"

	"github.com/aruna/rudder/internal/observability"
	"github.com/aruna/rudder/pkg/ratelimit"
	"github.com/aruna/rudder/pkg/recovery"
	"github.com/aruna/rudder/pkg/steering"
	"github.com/rs/zerolog"
)

// Registry is the process-wide map from conversation identity to
// Session. It is the sole writer of that map; get-or-create happens
// in a single lock section so concurrent first messages can never
// produce duplicate sessions for one identity.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg    Config
	store  *Store
	probe  ratelimit.UsageProbe
	hist   recovery.ChatHistory
	logger zerolog.Logger

	// base is the logger before the registry's own fields, so child
	// sessions derive their fields exactly once
	base zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config, store *Store, probe ratelimit.UsageProbe, hist recovery.ChatHistory, logger zerolog.Logger) *Registry {
	observability.EnsureRegistered()
	return &Registry{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		store:    store,
		probe:    probe,
		hist:     hist,
		logger:   logger.With().Str("component", "registry").Logger(),
		base:     logger,
	}
}

// GetOrCreate returns the session for identity, creating and
// rehydrating it from its stored record on first use.
func (r *Registry) GetOrCreate(ctx context.Context, identity Identity) *Session {
	key := identity.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s
	}

	s := New(identity, r.cfg, r.probe, r.hist, r.base)

	if r.store != nil {
		if rec, ok, err := r.store.Load(ctx, key); err != nil {
			r.logger.Warn().Str("session_key", key).Err(err).Msg("Session record load failed, starting fresh")
		} else if ok {
			s.RestoreRecord(rec)
			r.logger.Info().Str("session_key", key).Msg("Session restored from record")
		}
	}

	r.sessions[key] = s
	observability.SetActiveSessions(len(r.sessions))
	r.logger.Info().Str("session_key", key).Msg("Session created")
	return s
}

// Get returns the session for identity without creating one
func (r *Registry) Get(identity Identity) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity.Key()]
	return s, ok
}

// All returns a snapshot of every live session
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Kill invalidates a session and removes it from the registry. Its
// stored record is deleted, and any steering the kill stranded is
// returned so the caller can open a recovery set for it.
func (r *Registry) Kill(ctx context.Context, identity Identity) []steering.Message {
	key := identity.Key()

	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	observability.SetActiveSessions(len(r.sessions))
	r.mu.Unlock()

	if !ok {
		return nil
	}

	orphaned := s.Kill()

	if r.store != nil {
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Warn().Str("session_key", key).Err(err).Msg("Session record delete failed")
		}
	}
	return orphaned
}

// Remove drops an idle session from the registry without touching its
// stored record; used by the idle sweep.
func (r *Registry) Remove(identity Identity) bool {
	key := identity.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		return false
	}
	if s.Busy() || s.Buffer().HasPending() {
		return false
	}
	delete(r.sessions, key)
	observability.SetActiveSessions(len(r.sessions))
	r.logger.Info().Str("session_key", key).Msg("Idle session removed")
	return true
}

// Persist writes one session's record
func (r *Registry) Persist(ctx context.Context, s *Session) error {
	if r.store == nil {
		return nil
	}
	return r.store.Save(ctx, s.Key(), s.Record())
}

// PersistAll writes every live session's record, continuing past
// individual failures.
func (r *Registry) PersistAll(ctx context.Context) {
	for _, s := range r.All() {
		if err := r.Persist(ctx, s); err != nil {
			r.logger.Warn().Str("session_key", s.Key()).Err(err).Msg("Session persist failed")
		}
	}
}

// SaveSteeringSnapshot serializes every non-empty steering buffer to
// path; part of graceful shutdown.
func (r *Registry) SaveSteeringSnapshot(path string) error {
	var entries []SnapshotEntry
	for _, s := range r.All() {
		messages := s.Buffer().Extract()
		if len(messages) == 0 {
			continue
		}
		entries = append(entries, SnapshotEntry{Identity: s.Identity(), Messages: messages})
	}
	return SaveSnapshot(path, entries)
}

// RestoreSteeringSnapshot replays a shutdown snapshot into matching
// sessions' buffers, then deletes the file.
func (r *Registry) RestoreSteeringSnapshot(ctx context.Context, path string) error {
	snap, err := ConsumeSnapshot(path)
	if err != nil || snap == nil {
		return err
	}

	for _, entry := range snap.Entries {
		s := r.GetOrCreate(ctx, entry.Identity)
		s.Buffer().Restore(entry.Messages)
		r.logger.Info().
			Str("session_key", s.Key()).
			Int("messages", len(entry.Messages)).
			Msg("Steering restored from shutdown snapshot")
	}
	return nil
}
