// Package notify e-mails a per-study transfer report to the contacts of a
// destination once no new object has arrived for the notification interval.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
)

// Defaults applied to empty Settings fields.
const (
	DefaultErrorPrefix    = "**ERROR**"
	DefaultSubjectPattern = "[Gateway Notification] %s %.30s"
	DefaultInterval       = 45 * time.Second
)

// DefaultSubjectValues are the attributes injected into the subject pattern.
var DefaultSubjectValues = []string{"PatientID", "StudyDescription"}

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Settings are the notification options of one destination.
type Settings struct {
	Recipients     []string
	ErrorPrefix    string
	SubjectPattern string
	SubjectValues  []string
	Interval       time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ErrorPrefix == "" {
		s.ErrorPrefix = DefaultErrorPrefix
	}
	if s.SubjectPattern == "" {
		s.SubjectPattern = DefaultSubjectPattern
	}
	if len(s.SubjectValues) == 0 {
		s.SubjectValues = DefaultSubjectValues
	}
	if s.Interval <= 0 {
		s.Interval = DefaultInterval
	}
	return s
}

type seriesReport struct {
	UID         string
	Description string
	Modality    string
	Sent        int
	Failed      int
}

type report struct {
	Destination      string
	StudyInstanceUID string
	Sent             int
	Failed           int
	Series           []*seriesReport
	Errors           []string

	subjectValues []any
	series        map[string]*seriesReport
	errors        map[string]bool
	last          time.Time
}

type reportKey struct {
	destination string
	study       string
}

var bodyTemplate = template.Must(template.New("body").Parse(
	`Destination: {{.Destination}}
Study Instance UID: {{.StudyInstanceUID}}
Transferred: {{.Sent}}, failed: {{.Failed}}
{{range .Series}}
Series {{.UID}}{{if .Description}} "{{.Description}}"{{end}}{{if .Modality}} ({{.Modality}}){{end}}: sent {{.Sent}}, failed {{.Failed}}{{end}}
{{if .Errors}}
Errors:
{{range .Errors}}- {{.}}
{{end}}{{end}}`))

// Notifier collects destination results and mails one report per study.
// It implements forward.Listener.
type Notifier struct {
	sender EmailSender
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	settings map[string]Settings
	pending  map[reportKey]*report
}

var _ forward.Listener = (*Notifier)(nil)

// New creates a Notifier.
func New(sender EmailSender, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		logger:   logger,
		now:      time.Now,
		settings: make(map[string]Settings),
		pending:  make(map[reportKey]*report),
	}
}

// Watch enables notifications for a destination. Settings without
// recipients disable them.
func (n *Notifier) Watch(destination string, s Settings) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(s.Recipients) == 0 {
		delete(n.settings, destination)
		return
	}
	n.settings[destination] = s.withDefaults()
}

// Delivered records one result.
func (n *Notifier) Delivered(d *forward.Destination, obj *dcm.Tree, r forward.Result) {
	if r.Status == forward.StatusSkipped {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	s, ok := n.settings[d.Name]
	if !ok {
		return
	}
	key := reportKey{destination: d.Name, study: obj.String(dcm.StudyInstanceUID)}
	rep := n.pending[key]
	if rep == nil {
		rep = &report{
			Destination:      d.Name,
			StudyInstanceUID: key.study,
			subjectValues:    subjectValues(obj, s.SubjectValues),
			series:           make(map[string]*seriesReport),
			errors:           make(map[string]bool),
		}
		n.pending[key] = rep
	}

	seriesUID := obj.String(dcm.SeriesInstanceUID)
	sr := rep.series[seriesUID]
	if sr == nil {
		sr = &seriesReport{
			UID:         seriesUID,
			Description: obj.String(seriesDescription),
			Modality:    obj.String(dcm.Modality),
		}
		rep.series[seriesUID] = sr
		rep.Series = append(rep.Series, sr)
	}
	if r.Status == forward.StatusSuccess {
		rep.Sent++
		sr.Sent++
	} else {
		rep.Failed++
		sr.Failed++
		if reason := r.Reason(); reason != "" && !rep.errors[reason] {
			rep.errors[reason] = true
			rep.Errors = append(rep.Errors, reason)
		}
	}
	rep.last = n.now()
}

var seriesDescription = dcm.NewTag(0x0008, 0x103E)

func subjectValues(obj *dcm.Tree, keywords []string) []any {
	out := make([]any, 0, len(keywords))
	for _, kw := range keywords {
		tg, err := dcm.ParseTag(kw)
		if err != nil {
			out = append(out, "")
			continue
		}
		out = append(out, obj.String(tg))
	}
	return out
}

// Pending returns the number of reports not sent yet.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Flush mails the reports whose destination interval elapsed since the
// last result, or every report when all is true. It returns the number of
// e-mails sent.
func (n *Notifier) Flush(ctx context.Context, all bool) int {
	type due struct {
		rep *report
		s   Settings
	}
	var ready []due

	n.mu.Lock()
	now := n.now()
	for key, rep := range n.pending {
		s := n.settings[key.destination]
		if all || now.Sub(rep.last) >= s.Interval {
			ready = append(ready, due{rep, s})
			delete(n.pending, key)
		}
	}
	n.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].rep.Destination != ready[j].rep.Destination {
			return ready[i].rep.Destination < ready[j].rep.Destination
		}
		return ready[i].rep.StudyInstanceUID < ready[j].rep.StudyInstanceUID
	})

	sent := 0
	for _, d := range ready {
		subject, body, err := render(d.rep, d.s)
		if err != nil {
			n.logger.Error().Err(err).Str("destination", d.rep.Destination).Msg("could not render notification")
			continue
		}
		for _, to := range d.s.Recipients {
			if err := n.sender.SendEmail(ctx, strings.TrimSpace(to), subject, body); err != nil {
				n.logger.Error().Err(err).
					Str("destination", d.rep.Destination).
					Str("to", to).
					Msg("could not send notification")
				continue
			}
			sent++
		}
	}
	return sent
}

func render(rep *report, s Settings) (string, string, error) {
	subject := fmt.Sprintf(s.SubjectPattern, rep.subjectValues...)
	if rep.Failed > 0 {
		subject = s.ErrorPrefix + " " + subject
	}
	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, rep); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(subject), body.String(), nil
}

// Run flushes due reports every tick until ctx is done, then sends the rest.
func (n *Notifier) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// The parent context is gone; give the last reports a short window.
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n.Flush(flushCtx, true)
			cancel()
			return
		case <-ticker.C:
			n.Flush(ctx, false)
		}
	}
}
