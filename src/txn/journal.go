package txn

// This file contains the commit journal for the engine.
// every commit and abort verdict is appended to the journal so the
// outcome history of the catalog can be replayed or audited.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/adofsauron/monetdb-dev/src/catalog"
)

// JournalEntry represents a single entry in the commit journal.
type JournalEntry struct {
	EntryID   string       `json:"entry_id"`
	Timestamp time.Time    `json:"timestamp"`
	TxID      catalog.TxID `json:"tx_id"`
	Outcome   string       `json:"outcome"`
	CommitSeq uint64       `json:"commit_seq,omitempty"`
	Details   string       `json:"details,omitempty"`
}

// Journal appends commit verdicts to a file, one JSON entry per line.
type Journal struct {
	file *os.File
	path string
}

// NewJournal opens (or creates) the journal file for appending.
func NewJournal(journalFilePath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(journalFilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(journalFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file %s: %w", journalFilePath, err)
	}

	return &Journal{file: file, path: journalFilePath}, nil
}

// Append writes one verdict to the journal. A nil journal is a no-op
// so callers do not have to guard every append.
func (j *Journal) Append(tid catalog.TxID, outcome string, commitSeq uint64, details string) error {
	if j == nil {
		return nil
	}

	entry := JournalEntry{
		EntryID:   uuid.New().String(),
		Timestamp: time.Now(),
		TxID:      tid,
		Outcome:   outcome,
		CommitSeq: commitSeq,
		Details:   details,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil || j.file == nil {
		return nil
	}
	return j.file.Close()
}
