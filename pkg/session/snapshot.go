package session

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aruna/rudder/pkg/steering"
	"github.com/rs/zerolog/log"
)

// SnapshotEntry holds one session's unconsumed steering at shutdown
type SnapshotEntry struct {
	Identity Identity           `json:"identity"`
	Messages []steering.Message `json:"messages"`
}

// Snapshot is the shutdown steering file written before exit and
// restored on the next startup.
type Snapshot struct {
	SavedAt time.Time       `json:"savedAt"`
	Entries []SnapshotEntry `json:"entries"`
}

// SaveSnapshot writes non-empty steering buffers to path. Nothing is
// written when entries is empty, and any stale file is removed so an
// old snapshot cannot be replayed twice.
func SaveSnapshot(path string, entries []SnapshotEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale steering snapshot: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(Snapshot{SavedAt: time.Now(), Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal steering snapshot: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write steering snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace steering snapshot: %w", err)
	}

	log.Info().Str("path", path).Int("sessions", len(entries)).Msg("Steering snapshot saved")
	return nil
}

// ConsumeSnapshot reads and deletes the snapshot at path. A missing
// file yields a nil snapshot.
func ConsumeSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read steering snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt snapshot is dropped rather than blocking startup
		log.Warn().Str("path", path).Err(err).Msg("Corrupt steering snapshot, discarding")
		os.Remove(path)
		return nil, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove consumed steering snapshot: %w", err)
	}

	log.Info().Str("path", path).Int("sessions", len(snap.Entries)).Msg("Steering snapshot restored")
	return &snap, nil
}
