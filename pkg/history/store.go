// Package history persists chat transcripts as per-conversation JSONL
// files. It backs the context+history recovery resolution.
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aruna/rudder/internal/observability"
	"github.com/aruna/rudder/internal/tracing"
	"github.com/aruna/rudder/pkg/recovery"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Turn is one persisted conversation turn
type Turn struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Entry pairs a turn with its conversation key
type Entry struct {
	SessionKey string `json:"sessionKey"`
	Turn       Turn   `json:"turn"`
}

// Store manages transcript persistence using JSONL files
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.RWMutex
}

// New creates a transcript store rooted at dir
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".rudder", "history")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}

	log.Info().Str("dir", dir).Msg("History store initialized")
	return s, nil
}

// validateKey rejects keys that could escape the store directory
func (s *Store) validateKey(sessionKey string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(sessionKey, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(sessionKey, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(sessionKey, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(sessionKey string) string {
	return filepath.Join(s.dir, sessionKey+".jsonl")
}

func (s *Store) getWriteLock(sessionKey string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[sessionKey] = lock
	return lock
}

func (s *Store) releaseWriteLock(sessionKey string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, sessionKey)
}

// Append adds one turn to a conversation's transcript
func (s *Store) Append(ctx context.Context, sessionKey string, turn Turn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"rudder.history",
		"history.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", turn.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := s.validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if turn.Role == "" {
		return fmt.Errorf("turn role cannot be empty")
	}
	if turn.Content == "" {
		return fmt.Errorf("turn content cannot be empty")
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(Entry{SessionKey: sessionKey, Turn: turn})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write turn: %w", err)
	}
	if err := file.Sync(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to sync transcript: %w", err)
	}

	logger.Debug().Str("role", turn.Role).Msg("Turn appended")
	return nil
}

// Load reads a conversation's whole transcript, skipping corrupt lines
func (s *Store) Load(ctx context.Context, sessionKey string) ([]Turn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"rudder.history",
		"history.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := s.validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	path := s.path(sessionKey)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return []Turn{}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	var turns []Turn
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Turn.Role == "" || entry.Turn.Content == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}

		turns = append(turns, entry.Turn)
	}

	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}

	logger.Debug().Int("turns", len(turns)).Msg("Transcript loaded")
	return turns, nil
}

// RecentTurns returns up to limit most recent turns, oldest first. It
// satisfies the recovery collaborator contract.
func (s *Store) RecentTurns(ctx context.Context, sessionKey string, limit int) ([]recovery.Turn, error) {
	turns, err := s.Load(ctx, sessionKey)
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]recovery.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, recovery.Turn{
			Role:      t.Role,
			Content:   t.Content,
			Timestamp: t.Timestamp,
		})
	}
	return out, nil
}

// Delete removes a conversation's transcript
func (s *Store) Delete(ctx context.Context, sessionKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"rudder.history",
		"history.delete",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := s.validateKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := s.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(sessionKey)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}

	s.releaseWriteLock(sessionKey)
	logger.Info().Msg("Transcript deleted")
	return nil
}

// List returns the session keys of all stored transcripts
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".jsonl"))
	}
	return keys, nil
}

// Close drops all write locks
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.locksMu.Unlock()
	return nil
}
