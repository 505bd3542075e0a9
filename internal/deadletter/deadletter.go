// Package deadletter keeps probe jobs that exhausted every candidate
// in a JSON file for later inspection and requeueing.
package deadletter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ignite/transport-probe/internal/pkg/logger"
	"github.com/ignite/transport-probe/internal/probe"
)

// Entry is one exhausted probe job.
type Entry struct {
	ID         string          `json:"id"`
	CampaignID string          `json:"campaign_id,omitempty"`
	Recipient  string          `json:"recipient"`
	Errors     []string        `json:"errors"`
	Attempts   []probe.Attempt `json:"attempts"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Store persists entries as a JSON array. Every change rewrites the
// whole file through a temp file and rename, so readers never see a
// partial write.
type Store struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	log     zerolog.Logger
}

// NewStore opens or creates the store at path, loading whatever is
// already there.
func NewStore(log zerolog.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		os.MkdirAll(dir, 0755)
	}

	s := &Store{path: path, log: log}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read dead letter file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse dead letter file %s: %w", path, err)
	}
	return s, nil
}

// Add appends an entry and persists it.
func (s *Store) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.entries = append(s.entries, e)
	if err := s.persistLocked(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return err
	}

	s.log.Info().
		Str("recipient", logger.Redact(e.Recipient)).
		Str("campaign_id", e.CampaignID).
		Int("total", len(s.entries)).
		Msg("dead letter recorded")
	return nil
}

// List returns a copy of all entries in insertion order.
func (s *Store) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len reports how many entries are stored.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Pop removes and returns the entry at index, persisting the
// shortened list. An index outside the current list is an error and
// changes nothing.
func (s *Store) Pop(index int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.entries) {
		return Entry{}, fmt.Errorf("dead letter index %d out of range, have %d", index, len(s.entries))
	}

	removed := s.entries[index]
	updated := make([]Entry, 0, len(s.entries)-1)
	updated = append(updated, s.entries[:index]...)
	updated = append(updated, s.entries[index+1:]...)

	prev := s.entries
	s.entries = updated
	if err := s.persistLocked(); err != nil {
		s.entries = prev
		return Entry{}, err
	}
	return removed, nil
}

func (s *Store) persistLocked() error {
	entries := s.entries
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
