package forward

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
)

// Listener observes every destination result, for example to send
// notifications.
type Listener interface {
	Delivered(d *Destination, obj *dcm.Tree, r Result)
}

// Stats counts destination results since start.
type Stats struct {
	Objects   int64 `json:"objects"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// Orchestrator stores objects to destinations. It is safe for concurrent
// use; each Store call owns the object it is given.
type Orchestrator struct {
	logger    zerolog.Logger
	limit     int
	listeners []Listener

	objects, delivered, failed, skipped atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds the destinations sent in parallel for one object.
// 1 sends sequentially.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.limit = n
		}
	}
}

// WithListener registers l.
func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, l) }
}

// New creates an Orchestrator.
func New(logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{logger: logger, limit: 4}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Stats returns the counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Objects:   o.objects.Load(),
		Delivered: o.delivered.Load(),
		Failed:    o.failed.Load(),
		Skipped:   o.skipped.Load(),
	}
}

// Store sends obj to every active destination that accepts it. Each
// destination works on its own copy. Failures are recorded in the outcome
// and never returned; obj itself is not modified.
func (o *Orchestrator) Store(ctx context.Context, obj *dcm.Tree, dests []*Destination) *Outcome {
	out := &Outcome{
		ID:             uuid.NewString(),
		SOPInstanceUID: obj.SOPInstanceUID(),
		SOPClassUID:    obj.SOPClassUID(),
		Results:        make([]Result, len(dests)),
	}
	logger := o.logger.With().
		Str("outcome_id", out.ID).
		Str("sop_instance_uid", out.SOPInstanceUID).
		Logger()

	var g errgroup.Group
	g.SetLimit(o.limit)
	for i, d := range dests {
		if !d.Active || !d.Accepts(obj) {
			out.Results[i] = Result{Destination: d.Name, Status: StatusSkipped}
			continue
		}
		// Copies are made here so that no goroutine reads obj.
		own := obj.Clone()
		i, d := i, d
		g.Go(func() error {
			out.Results[i] = o.send(ctx, d, own)
			return nil
		})
	}
	_ = g.Wait()

	out.State = aggregate(out.Results)
	o.objects.Add(1)
	for i, r := range out.Results {
		switch r.Status {
		case StatusSuccess:
			o.delivered.Add(1)
		case StatusFailure:
			o.failed.Add(1)
			logger.Error().Err(r.Err).
				Str("destination", r.Destination).
				Int("status_code", r.StatusCode).
				Msg("destination failed")
		case StatusSkipped:
			o.skipped.Add(1)
		}
		for _, l := range o.listeners {
			l.Delivered(dests[i], obj, r)
		}
	}
	logger.Info().Str("state", out.State.String()).Int("destinations", len(dests)).Msg("object forwarded")
	return out
}

func (o *Orchestrator) send(ctx context.Context, d *Destination, obj *dcm.Tree) (r Result) {
	r = Result{Destination: d.Name}
	start := time.Now()
	defer func() { r.Duration = time.Since(start) }()

	fail := func(err error) Result {
		r.Status = StatusFailure
		r.Err = err
		return r
	}

	if err := ctx.Err(); err != nil {
		return fail(gwerr.Wrap(gwerr.KindTransport, "forward.store", fmt.Errorf("not sent: %w", err)))
	}
	if d.Sender == nil {
		return fail(gwerr.Configuration("forward.store", "destination %s has no sender", d.Name))
	}

	if d.Deidentify {
		if d.Profile == nil {
			return fail(gwerr.Configuration("forward.store", "destination %s has no profile", d.Name))
		}
		res, err := d.Profile.Apply(obj, d.target())
		if err != nil {
			return fail(err)
		}
		r.Pseudonym = res.Pseudonym
		r.NewSOPInstanceUID = res.NewSOPInstanceUID
	}

	if err := ctx.Err(); err != nil {
		return fail(gwerr.Wrap(gwerr.KindTransport, "forward.store", fmt.Errorf("not sent: %w", err)))
	}
	code, err := d.Sender.Send(ctx, obj)
	r.StatusCode = code
	if err != nil {
		if gwerr.KindOf(err) == "" {
			err = gwerr.Wrap(gwerr.KindTransport, "forward.send", err)
		}
		return fail(err)
	}
	r.Status = StatusSuccess
	return r
}
