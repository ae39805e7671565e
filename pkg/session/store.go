package session

import (
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
	"github.com/aruna/rudder/pkg/provider"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// recordsSubdir holds the canonical per-identity records. Files in the
// store root are a legacy flat-key layout: they are never consulted,
// migrated or deleted.
const recordsSubdir = "records"

// Record is the persisted state of one conversation
type Record struct {
	ProviderSessionID  string         `json:"providerSessionId"`
	SavedAt            time.Time      `json:"savedAt"`
	WorkingDir         string         `json:"workingDir"`
	ContextWindowUsage int            `json:"contextWindowUsage"`
	ContextWindowSize  int            `json:"contextWindowSize"`
	Totals             provider.Usage `json:"totals"`
	SessionStartTime   time.Time      `json:"sessionStartTime"`
}

// Store persists one JSON record per conversation identity
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a record store rooted at dir
func NewStore(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".rudder", "sessions")
	}

	if err := os.MkdirAll(filepath.Join(dir, recordsSubdir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create session store: %w", err)
	}

	log.Info().Str("dir", dir).Msg("Session store initialized")
	return &Store{dir: dir}, nil
}

func (st *Store) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key cannot be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("session key cannot contain '..'")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("session key cannot contain path separators")
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("session key cannot contain null bytes")
	}
	return nil
}

func (st *Store) path(key string) string {
	return filepath.Join(st.dir, recordsSubdir, key+".json")
}

// Save writes a conversation's record atomically
func (st *Store) Save(ctx context.Context, key string, rec Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"rudder.session",
		"session.save_record",
		attribute.String("session_key", key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_key", key).Logger()
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := st.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal session record: %w", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	path := st.path(key)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to write session record: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to replace session record: %w", err)
	}

	logger.Debug().Msg("Session record saved")
	return nil
}

// Load reads a conversation's record. A missing record is not an
// error; the second return reports existence. Only the canonical
// layout is consulted.
func (st *Store) Load(ctx context.Context, key string) (*Record, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(
		ctx,
		"rudder.session",
		"session.load_record",
		attribute.String("session_key", key),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := st.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}

	data, err := os.ReadFile(st.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("failed to read session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("failed to parse session record: %w", err)
	}

	return &rec, true, nil
}

// Exists reports whether a canonical record exists for key
func (st *Store) Exists(key string) bool {
	if st.validateKey(key) != nil {
		return false
	}
	_, err := os.Stat(st.path(key))
	return err == nil
}

// Delete removes a conversation's record
func (st *Store) Delete(ctx context.Context, key string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, key)
	_, span := tracing.StartSpan(
		ctx,
		"rudder.session",
		"session.delete_record",
		attribute.String("session_key", key),
	)
	defer span.End()

	if err := st.validateKey(key); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.Remove(st.path(key)); err != nil && !os.IsNotExist(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// List returns the keys of all canonical records
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(st.dir, recordsSubdir))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, ".json"))
	}
	return keys, nil
}
