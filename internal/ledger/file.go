package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	// SnapshotFileName holds the compacted ledger of a pass
	SnapshotFileName = "ledger.json"
	// JournalFileName holds upserts accepted since the last snapshot
	JournalFileName = "journal.jsonl"

	lockFileName = ".lock"
)

// fileStore keeps one pass in <basePath>/<pass>/.
// Every Upsert appends a line to the journal; Flush writes a snapshot atomically and truncates the journal.
type fileStore struct {
	dir     string
	lock    *flock.Flock
	journal *os.File

	mu      sync.Mutex
	entries map[string]*Entry
	loaded  bool
}

// NewFileStore opens the file-backed ledger of a pass and takes an exclusive lock on it
func NewFileStore(basePath, pass string) (Store, error) {
	dir := filepath.Join(basePath, pass)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory for pass '%s': %w", pass, err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock ledger for pass '%s': %w", pass, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	// #nosec G304 -- dir is built from configuration and a fixed pass name
	journal, err := os.OpenFile(filepath.Join(dir, JournalFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open ledger journal for pass '%s': %w", pass, err)
	}

	return &fileStore{
		dir:     dir,
		lock:    lock,
		journal: journal,
		entries: make(map[string]*Entry),
	}, nil
}

func (f *fileStore) Load(_ context.Context) (map[string]*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.readSnapshot()
	if err != nil {
		return nil, err
	}
	replayed, err := f.replayJournal(entries)
	if err != nil {
		return nil, err
	}

	recovered := recoverInterrupted(entries, time.Now().UTC())
	for _, e := range recovered {
		slog.Warn("Ledger entry was interrupted while in flight, resetting to pending", "item_id", e.ItemID)
		if err := f.appendLocked(e); err != nil {
			return nil, err
		}
	}
	if replayed > 0 || len(recovered) > 0 {
		slog.Info("Ledger journal replayed", "dir", f.dir, "journal_entries", replayed, "recovered", len(recovered))
	}

	f.entries = entries
	f.loaded = true

	result := make(map[string]*Entry, len(entries))
	for id, e := range entries {
		result[id] = e.Clone()
	}
	return result, nil
}

func (f *fileStore) readSnapshot() (map[string]*Entry, error) {
	entries := make(map[string]*Entry)

	// #nosec G304 -- path is inside the ledger directory
	data, err := os.ReadFile(filepath.Join(f.dir, SnapshotFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("failed to read ledger snapshot: %w", err)
	}

	var list []*Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ledger snapshot: %w", err)
	}
	for _, e := range list {
		entries[e.ItemID] = e
	}
	return entries, nil
}

// replayJournal applies journal lines on top of the snapshot.
// A torn final line from a crash mid-write is skipped.
func (f *fileStore) replayJournal(entries map[string]*Entry) (int, error) {
	// #nosec G304 -- path is inside the ledger directory
	data, err := os.ReadFile(filepath.Join(f.dir, JournalFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read ledger journal: %w", err)
	}

	count := 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			slog.Warn("Skipping malformed ledger journal line", "dir", f.dir, "error", err)
			continue
		}
		applyMonotonic(entries, &e)
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to scan ledger journal: %w", err)
	}
	return count, nil
}

func applyMonotonic(entries map[string]*Entry, e *Entry) {
	if existing, ok := entries[e.ItemID]; ok && existing.AttemptCount > e.AttemptCount {
		return
	}
	entries[e.ItemID] = e.Clone()
}

func (f *fileStore) Upsert(_ context.Context, entry *Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(entry)
}

func (f *fileStore) appendLocked(entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry %s: %w", entry.ItemID, err)
	}
	line = append(line, '\n')

	// One write per line keeps each record whole under O_APPEND
	if _, err := f.journal.Write(line); err != nil {
		return fmt.Errorf("failed to append ledger entry %s: %w", entry.ItemID, err)
	}
	applyMonotonic(f.entries, entry)
	return nil
}

func (f *fileStore) Flush(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.loaded {
		// Compacting before Load would drop the entries already on disk
		return f.journal.Sync()
	}

	list := make([]*Entry, 0, len(f.entries))
	for _, e := range f.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ItemID < list[j].ItemID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger snapshot: %w", err)
	}

	filePath := filepath.Join(f.dir, SnapshotFileName)
	tempPath := filePath + ".tmp"
	if err := writeFileSync(tempPath, data); err != nil {
		return fmt.Errorf("failed to write temporary ledger snapshot: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename ledger snapshot: %w", err)
	}

	// The snapshot now covers every journal line
	if err := f.journal.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate ledger journal: %w", err)
	}
	return f.journal.Sync()
}

func writeFileSync(path string, data []byte) error {
	// #nosec G304 -- path is inside the ledger directory
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (f *fileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	if err := f.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close ledger journal: %w", err))
	}
	if err := f.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release ledger lock: %w", err))
	}
	return errors.Join(errs...)
}
