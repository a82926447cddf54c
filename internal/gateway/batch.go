package gateway

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/progress"
)

// BatchOptions configures ForwardFolder.
type BatchOptions struct {
	Input      string
	Recursive  bool
	CalledAET  string
	CallingAET string
	Hostname   string

	// DryRun lists the files and checks the node without sending.
	DryRun bool

	// RetryFailed clears the failed entries of the journal first.
	RetryFailed bool
}

// BatchStats counts the files of a batch.
type BatchStats struct {
	Total    int
	Success  int
	Failed   int
	Skipped  int
	Rejected int
	Filtered int
	Outcomes map[forward.State]int
}

// ProgressCallback reports per-file progress.
type ProgressCallback func(current, total int, filename, status string)

// ForwardFolder sends every DICOM file under opts.Input through the store
// service as if it had been received from opts.CallingAET. Files already
// forwarded according to tracker are skipped, so an interrupted batch can be
// resumed.
func ForwardFolder(ctx context.Context, scp *StoreSCP, opts BatchOptions, tracker *progress.Tracker, errlog *progress.ErrorLogger, cb ProgressCallback) (*BatchStats, error) {
	node, err := scp.Registry().Lookup(opts.CalledAET)
	if err != nil {
		return nil, err
	}
	if !node.Authorized(opts.CallingAET, opts.Hostname) {
		return nil, fmt.Errorf("%s is not allowed to store to %s", opts.CallingAET, node.AETitle)
	}

	files, err := dcm.FindFiles(opts.Input, opts.Recursive)
	if err != nil {
		return nil, fmt.Errorf("could not find DICOM files: %w", err)
	}

	stats := &BatchStats{Total: len(files), Outcomes: make(map[forward.State]int)}
	if opts.DryRun || len(files) == 0 {
		return stats, nil
	}
	if opts.RetryFailed {
		tracker.ClearFailed()
	}

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		name := filepath.Base(path)

		if tracker.IsProcessed(path) {
			stats.Skipped++
			if cb != nil {
				cb(i+1, len(files), name, "skipped")
			}
			continue
		}
		if cb != nil {
			cb(i+1, len(files), name, "processing")
		}

		var only []string
		if e, ok := tracker.Get(path); ok {
			only = e.Pending
		}
		resp := scp.Store(ctx, StoreRequest{
			CalledAET:  opts.CalledAET,
			CallingAET: opts.CallingAET,
			Hostname:   opts.Hostname,
			Path:       path,
			Only:       only,
		})

		status := "success"
		switch {
		case resp.Status != StatusSuccess:
			stats.Rejected++
			status = "rejected"
			errlog.Log(path, resp.Err)
		case resp.Outcome.State == forward.AllSucceeded:
			stats.Success++
			tracker.MarkSuccess(path, resp.Outcome.State.String())
		case resp.Outcome.State == forward.Filtered:
			stats.Filtered++
			status = "filtered"
			tracker.MarkSuccess(path, resp.Outcome.State.String())
		default:
			stats.Failed++
			status = "error"
			pending, reason := pendingOf(resp.Outcome)
			tracker.MarkError(path, resp.Outcome.State.String(), reason, pending)
			errlog.Log(path, errors.New(reason))
		}
		if resp.Outcome != nil {
			stats.Outcomes[resp.Outcome.State]++
		}
		if cb != nil {
			cb(i+1, len(files), name, status)
		}
	}
	return stats, nil
}
