// Package progress keeps the retry journal of the gateway: which inbound
// objects were forwarded, which failed and to which destinations they still
// have to be sent.
package progress

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status is the forwarding status of a source.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is one journal line. Pending lists the destinations that did not
// receive the object yet.
type Entry struct {
	Status    Status   `json:"status"`
	Hash      string   `json:"hash,omitempty"`
	State     string   `json:"state,omitempty"`
	Error     string   `json:"error,omitempty"`
	Pending   []string `json:"pending,omitempty"`
	Attempts  int      `json:"attempts"`
	Timestamp string   `json:"timestamp"`
}

// journalFile is the JSON structure for persistence.
type journalFile struct {
	Sources map[string]*Entry `json:"sources"`
	Updated string            `json:"updated"`
	Summary struct {
		Success int `json:"success"`
		Error   int `json:"error"`
		Total   int `json:"total"`
	} `json:"summary"`
}

// Tracker is the retry journal. Keys are spool paths or archive URLs. It is
// safe for concurrent use; with an empty file it only lives in memory.
type Tracker struct {
	mu      sync.Mutex
	file    string
	entries map[string]*Entry
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker opens the journal stored in file.
func NewTracker(file string, logger zerolog.Logger) *Tracker {
	t := &Tracker{
		file:    file,
		entries: make(map[string]*Entry),
		logger:  logger,
		now:     time.Now,
	}
	if file != "" {
		t.load()
	}
	return t
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.file)
	if err != nil {
		return // no journal yet
	}

	var jf journalFile
	if err := json.Unmarshal(data, &jf); err != nil {
		t.logger.Warn().Err(err).Str("file", t.file).Msg("could not load retry journal, starting fresh")
		return
	}
	if jf.Sources != nil {
		t.entries = jf.Sources
	}
	t.logger.Info().
		Int("success", t.count(StatusSuccess)).
		Int("error", t.count(StatusError)).
		Msg("loaded retry journal")
}

func (t *Tracker) save() {
	if t.file == "" {
		return
	}

	jf := journalFile{Sources: t.entries, Updated: t.now().Format(time.RFC3339)}
	jf.Summary.Success = t.count(StatusSuccess)
	jf.Summary.Error = t.count(StatusError)
	jf.Summary.Total = len(t.entries)

	data, err := json.MarshalIndent(jf, "", "  ")
	if err != nil {
		t.logger.Warn().Err(err).Msg("could not marshal retry journal")
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.file), 0o755); err != nil {
		t.logger.Warn().Err(err).Msg("could not create journal directory")
		return
	}
	tmp := t.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.logger.Warn().Err(err).Msg("could not save retry journal")
		return
	}
	if err := os.Rename(tmp, t.file); err != nil {
		t.logger.Warn().Err(err).Msg("could not save retry journal")
	}
}

func (t *Tracker) count(status Status) int {
	n := 0
	for _, e := range t.entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

// FileHash is a quick fingerprint of a file based on its size and
// modification time. It is empty when path is not a readable file.
func FileHash(path string) string {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	sum := md5.Sum([]byte(fmt.Sprintf("%d_%d", info.Size(), info.ModTime().Unix())))
	return fmt.Sprintf("%x", sum[:4])
}

// IsProcessed reports whether key was forwarded successfully and, for
// files, has not changed since.
func (t *Tracker) IsProcessed(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.Status != StatusSuccess {
		return false
	}
	return e.Hash == FileHash(key)
}

// MarkSuccess records that key reached every destination.
func (t *Tracker) MarkSuccess(key, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempts := 1
	if prev, ok := t.entries[key]; ok {
		attempts = prev.Attempts + 1
	}
	t.entries[key] = &Entry{
		Status:    StatusSuccess,
		Hash:      FileHash(key),
		State:     state,
		Attempts:  attempts,
		Timestamp: t.now().Format(time.RFC3339),
	}
	t.save()
}

// MarkError records a failed attempt for key and the destinations still
// pending. It returns the number of attempts so far.
func (t *Tracker) MarkError(key, state, reason string, pending []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempts := 1
	if prev, ok := t.entries[key]; ok && prev.Status == StatusError {
		attempts = prev.Attempts + 1
	}
	t.entries[key] = &Entry{
		Status:    StatusError,
		Hash:      FileHash(key),
		State:     state,
		Error:     reason,
		Pending:   append([]string(nil), pending...),
		Attempts:  attempts,
		Timestamp: t.now().Format(time.RFC3339),
	}
	t.save()
	return attempts
}

// Get returns a copy of the entry for key.
func (t *Tracker) Get(key string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Pending = append([]string(nil), e.Pending...)
	return cp, true
}

// Failed returns the keys in error, sorted.
func (t *Tracker) Failed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []string
	for k, e := range t.entries {
		if e.Status == StatusError {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Forget drops key from the journal.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[key]; ok {
		delete(t.entries, key)
		t.save()
	}
}

// ClearFailed removes all failed entries so that they are retried from
// scratch.
func (t *Tracker) ClearFailed() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for key, e := range t.entries {
		if e.Status == StatusError {
			delete(t.entries, key)
			count++
		}
	}
	if count > 0 {
		t.save()
		t.logger.Info().Int("count", count).Msg("cleared failed entries for retry")
	}
	return count
}

// Stats returns success and error counts.
func (t *Tracker) Stats() (success, errors int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count(StatusSuccess), t.count(StatusError)
}
