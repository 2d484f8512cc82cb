// Package storage keeps the rolling event journal in BuntDB
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"
)

const (
	DefaultJournalLimit = 100

	keyPrefix  = "event:"
	keyPattern = keyPrefix + "*"
)

// Event is a single log line recorded in the journal
type Event struct {
	ID      string         `json:"id"`
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Journal is an io.Writer that stores JSON log lines and keeps only the
// last limit events. Lines that are not JSON objects are stored as the message.
type Journal struct {
	mu    sync.Mutex
	db    *buntdb.DB
	limit int
	seq   atomic.Uint64
	now   func() time.Time
}

// JournalOption configures a Journal
type JournalOption func(*Journal)

// WithLimit sets how many events are retained
func WithLimit(limit int) JournalOption {
	return func(j *Journal) {
		if limit > 0 {
			j.limit = limit
		}
	}
}

// WithClock replaces the time source used for event keys
func WithClock(now func() time.Time) JournalOption {
	return func(j *Journal) {
		j.now = now
	}
}

// FromMemory creates an in-memory journal
func FromMemory(options ...JournalOption) (*Journal, error) {
	return NewJournal(":memory:", options...)
}

// FromFile creates a journal backed by an append-only file
func FromFile(file string, options ...JournalOption) (*Journal, error) {
	return NewJournal(file, options...)
}

// NewJournal opens the BuntDB database at sourceFile
func NewJournal(sourceFile string, options ...JournalOption) (*Journal, error) {
	db, err := buntdb.Open(sourceFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb: %w", err)
	}

	journal := &Journal{
		db:    db,
		limit: DefaultJournalLimit,
		now:   time.Now,
	}

	for _, option := range options {
		option(journal)
	}

	// A journal reopened from file may hold more than the new limit
	if err := journal.db.Update(journal.trim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to trim journal: %w", err)
	}

	return journal, nil
}

// Write records one log line. It never fails the caller for a malformed line.
func (j *Journal) Write(p []byte) (int, error) {
	event := j.parse(bytes.TrimSpace(p))

	content, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	err = j.db.Update(func(tx *buntdb.Tx) error {
		if _, _, err := tx.Set(j.key(event.Time), string(content), nil); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
		return j.trim(tx)
	})
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Recent returns up to n events, newest first. n <= 0 returns all of them.
func (j *Journal) Recent(n int) ([]Event, error) {
	events := make([]Event, 0)

	err := j.db.View(func(tx *buntdb.Tx) error {
		return tx.DescendKeys(keyPattern, func(_, value string) bool {
			var event Event
			if err := json.Unmarshal([]byte(value), &event); err == nil {
				events = append(events, event)
			}
			return n <= 0 || len(events) < n
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	return events, nil
}

// Len returns the number of stored events
func (j *Journal) Len() (int, error) {
	var count int
	err := j.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPattern, func(_, _ string) bool {
			count++
			return true
		})
	})
	return count, err
}

// Close closes the database
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// key sorts by time, then by write order for events in the same nanosecond
func (j *Journal) key(at time.Time) string {
	return fmt.Sprintf("%s%020d:%010d:%s", keyPrefix, at.UnixNano(), j.seq.Add(1), uuid.NewString())
}

func (j *Journal) trim(tx *buntdb.Tx) error {
	keys := make([]string, 0)
	err := tx.AscendKeys(keyPattern, func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return err
	}

	excess := len(keys) - j.limit
	for i := 0; i < excess; i++ {
		if _, err := tx.Delete(keys[i]); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}

	return nil
}

func (j *Journal) parse(line []byte) Event {
	event := Event{ID: uuid.NewString(), Time: j.now().UTC()}

	fields := make(map[string]any)
	if err := json.Unmarshal(line, &fields); err != nil {
		event.Message = string(line)
		return event
	}

	if level, ok := fields["level"].(string); ok {
		event.Level = strings.ToLower(level)
		delete(fields, "level")
	}

	for _, name := range []string{"message", "msg"} {
		if message, ok := fields[name].(string); ok {
			event.Message = message
			delete(fields, name)
			break
		}
	}

	if text, ok := fields["time"].(string); ok {
		if at, err := time.Parse(time.RFC3339Nano, text); err == nil {
			event.Time = at.UTC()
		}
		delete(fields, "time")
	}

	if len(fields) > 0 {
		event.Fields = fields
	}

	return event
}
