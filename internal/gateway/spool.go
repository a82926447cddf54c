package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/progress"
)

// Spool sub-directories. Dot directories are ignored by the file finder.
const (
	FailedDir   = ".failed"
	RejectedDir = ".rejected"
)

// ScanResult counts what one spool pass did.
type ScanResult struct {
	Forwarded int `json:"forwarded"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
	Dropped   int `json:"dropped"`
}

func (r *ScanResult) add(o ScanResult) {
	r.Forwarded += o.Forwarded
	r.Failed += o.Failed
	r.Rejected += o.Rejected
	r.Dropped += o.Dropped
}

// Spool is the inbound directory written by the DICOM receiver, laid out as
// <root>/<called AET>/<calling AET>[@host]/<file>. Forwarded files are
// removed, files with failed destinations move to .failed and are retried,
// refused files move to .rejected.
type Spool struct {
	Root string

	// Settle leaves files younger than this for the next pass, so that the
	// receiver can finish writing them.
	Settle time.Duration

	// Interval is the period of the full rescan and retry pass.
	Interval time.Duration

	// MaxAttempts moves a failed file to .rejected after that many tries.
	// 0 retries forever.
	MaxAttempts int

	scp     *StoreSCP
	tracker *progress.Tracker
	errlog  *progress.ErrorLogger
	logger  zerolog.Logger
	now     func() time.Time

	mu       sync.Mutex // one pass at a time
	lastScan time.Time
}

// NewSpool creates a spool rooted at root.
func NewSpool(root string, scp *StoreSCP, tracker *progress.Tracker, errlog *progress.ErrorLogger, logger zerolog.Logger) *Spool {
	return &Spool{
		Root:     root,
		Settle:   2 * time.Second,
		Interval: time.Minute,
		scp:      scp,
		tracker:  tracker,
		errlog:   errlog,
		logger:   logger.With().Str("component", "spool").Logger(),
		now:      time.Now,
	}
}

// LastScan returns when the last pass finished.
func (s *Spool) LastScan() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan
}

// Pending returns the number of files waiting for a retry.
func (s *Spool) Pending() int {
	return len(s.tracker.Failed())
}

// Request derives the store request of a spool file from its location below
// base.
func Request(base, path string) (StoreRequest, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return StoreRequest{}, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return StoreRequest{}, fmt.Errorf("%s is not below <called AET>/<calling AET>/", rel)
	}
	req := StoreRequest{CalledAET: parts[0], CallingAET: parts[1], Path: path}
	if aet, host, ok := strings.Cut(parts[1], "@"); ok {
		req.CallingAET, req.Hostname = aet, host
	}
	return req, nil
}

// Scan forwards the settled files of the spool.
func (s *Spool) Scan(ctx context.Context) (ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() { s.lastScan = s.now() }()

	var res ScanResult
	files, err := dcm.FindFiles(s.Root, true)
	if err != nil {
		return res, fmt.Errorf("could not list spool: %w", err)
	}
	cutoff := s.now().Add(-s.Settle)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if info, err := os.Stat(path); err != nil || info.ModTime().After(cutoff) {
			continue
		}
		res.add(s.process(ctx, s.Root, path, nil))
	}
	return res, nil
}

// Retry sends the files of .failed to the destinations they are still
// pending for.
func (s *Spool) Retry(ctx context.Context) (ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ScanResult
	base := filepath.Join(s.Root, FailedDir)
	files, err := dcm.FindFiles(base, true)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return res, nil
		}
		return res, fmt.Errorf("could not list failed files: %w", err)
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var only []string
		if e, ok := s.tracker.Get(path); ok {
			only = e.Pending
		}
		res.add(s.process(ctx, base, path, only))
	}
	return res, nil
}

func (s *Spool) process(ctx context.Context, base, path string, only []string) ScanResult {
	logger := s.logger.With().Str("path", path).Logger()

	req, err := Request(base, path)
	if err != nil {
		logger.Warn().Err(err).Msg("unexpected file in spool")
		s.reject(base, path, err)
		return ScanResult{Rejected: 1}
	}
	req.Only = only

	resp := s.scp.Store(ctx, req)
	if resp.Status != StatusSuccess {
		s.reject(base, path, resp.Err)
		return ScanResult{Rejected: 1}
	}
	if ctx.Err() != nil {
		// Interrupted: keep the file where it is for the next pass.
		return ScanResult{}
	}

	switch resp.Outcome.State {
	case forward.AllSucceeded, forward.Filtered:
		if err := os.Remove(path); err != nil {
			logger.Error().Err(err).Msg("could not remove forwarded file")
		}
		s.tracker.Forget(path)
		if resp.Outcome.State == forward.Filtered {
			logger.Info().Msg("no destination accepts the object, dropped")
			return ScanResult{Dropped: 1}
		}
		return ScanResult{Forwarded: 1}
	}

	pending, reason := pendingOf(resp.Outcome)
	failedPath := path
	if base == s.Root {
		rel, _ := filepath.Rel(s.Root, path)
		failedPath = filepath.Join(s.Root, FailedDir, rel)
		if err := moveFile(path, failedPath); err != nil {
			logger.Error().Err(err).Msg("could not move file to the retry folder")
			return ScanResult{Failed: 1}
		}
	}
	attempts := s.tracker.MarkError(failedPath, resp.Outcome.State.String(), reason, pending)
	s.errlog.Log(failedPath, errors.New(reason))

	if s.MaxAttempts > 0 && attempts >= s.MaxAttempts {
		logger.Error().Int("attempts", attempts).Msg("giving up on file")
		s.reject(filepath.Join(s.Root, FailedDir), failedPath, fmt.Errorf("gave up after %d attempts: %s", attempts, reason))
		return ScanResult{Rejected: 1}
	}
	return ScanResult{Failed: 1}
}

// pendingOf lists the destinations that still have to receive the object.
func pendingOf(out *forward.Outcome) ([]string, string) {
	var names, reasons []string
	for _, r := range out.Failed() {
		names = append(names, r.Destination)
		reasons = append(reasons, r.Destination+": "+r.Reason())
	}
	return names, strings.Join(reasons, "; ")
}

func (s *Spool) reject(base, path string, cause error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	dst := filepath.Join(s.Root, RejectedDir, rel)
	s.tracker.Forget(path)
	if err := moveFile(path, dst); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("could not move file to the rejected folder")
	}
	s.errlog.Log(dst, cause)
}

func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// Run watches the spool until ctx is done. New files trigger a pass once
// they settle; Interval triggers a full rescan and the retries.
func (s *Spool) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return fmt.Errorf("could not create spool: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not watch spool: %w", err)
	}
	defer w.Close()
	if err := s.watchTree(w, s.Root); err != nil {
		return err
	}

	delay := s.Settle
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	debounce := time.NewTimer(delay)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	defer debounce.Stop()

	pass := func(retry bool) {
		if retry {
			if res, err := s.Retry(ctx); err != nil {
				s.logger.Error().Err(err).Msg("retry pass failed")
			} else if res != (ScanResult{}) {
				s.logger.Info().Interface("result", res).Msg("retry pass")
			}
		}
		res, err := s.Scan(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("spool pass failed")
			return
		}
		if res != (ScanResult{}) {
			s.logger.Info().Interface("result", res).Msg("spool pass")
		}
	}

	s.logger.Info().Str("root", s.Root).Msg("watching spool")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.watchTree(w, ev.Name); err != nil {
						s.logger.Warn().Err(err).Str("dir", ev.Name).Msg("could not watch directory")
					}
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				debounce.Reset(delay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("spool watcher error")
		case <-debounce.C:
			pass(false)
		case <-ticker.C:
			pass(true)
		}
	}
}

func (s *Spool) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != s.Root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("could not watch %s: %w", path, err)
		}
		return nil
	})
}
