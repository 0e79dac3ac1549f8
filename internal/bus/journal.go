package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

// JournalEntry is one published event as recorded on disk.
type JournalEntry struct {
	Event     Event     `json:"event"`
	Channel   string    `json:"channel"`
	Outcome   string    `json:"outcome"` // "published" or an error code
	Timestamp time.Time `json:"timestamp"`
}

// Journal appends every publish attempt to a JSON lines file. It is a
// diagnostic record of what this instance tried to broadcast and what was
// dropped; it is never replayed.
type Journal struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	return &Journal{
		path:    path,
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Record appends an entry. err is the publish outcome.
func (j *Journal) Record(channel string, event Event, err error) error {
	outcome := "published"
	if err != nil {
		outcome = errors.CodeOf(err)
		if outcome == "" {
			outcome = errors.CodeInternal
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New(errors.CodeUnavailable, "journal is closed")
	}

	entry := JournalEntry{
		Event:     event,
		Channel:   channel,
		Outcome:   outcome,
		Timestamp: time.Now(),
	}
	if err := j.encoder.Encode(entry); err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	return nil
}

// Entries returns entries recorded after since, oldest first. If limit > 0
// only the newest limit entries are returned.
func (j *Journal) Entries(since time.Time, limit int) ([]JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []JournalEntry{}, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	entries := []JournalEntry{}
	scanner := bufio.NewScanner(file)

	const maxLine = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// Skip torn or malformed lines
			continue
		}
		if entry.Timestamp.After(since) {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	j.encoder = nil
	return err
}
