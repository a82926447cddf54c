// Package server exposes the gateway state and an HTTP store endpoint.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gateway"
	"dicom-gateway/internal/notify"
)

// MaxObjectSize bounds the body of a store request.
const MaxObjectSize = 512 << 20

// Options lists the components reported on. Only SCP is required.
type Options struct {
	SCP          *gateway.StoreSCP
	Orchestrator *forward.Orchestrator
	Spool        *gateway.Spool
	Puller       *gateway.Puller
	Notifier     *notify.Notifier
	Version      string
}

type Server struct {
	opts    Options
	echo    *echo.Echo
	logger  zerolog.Logger
	started time.Time
}

func New(opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		opts:    opts,
		echo:    echo.New(),
		logger:  logger.With().Str("component", "http").Logger(),
		started: time.Now(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(Recovery(s.logger))
	s.echo.Use(RequestLogger(s.logger))

	s.echo.GET("/health", s.health)
	s.echo.GET("/status", s.status)
	s.echo.GET("/nodes", s.nodes)
	s.echo.POST("/nodes/:aet/store", s.store)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() { errc <- s.echo.Start(addr) }()
	s.logger.Info().Str("addr", addr).Msg("http server listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdown)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type spoolStatus struct {
	Dir      string     `json:"dir"`
	Pending  int        `json:"pending"`
	LastScan *time.Time `json:"lastScan,omitempty"`
}

type archiveStatus struct {
	URL      string     `json:"url"`
	Queued   int        `json:"queued"`
	LastPoll *time.Time `json:"lastPoll,omitempty"`
}

// Status is the body of GET /status.
type Status struct {
	Version       string         `json:"version,omitempty"`
	Uptime        string         `json:"uptime"`
	Forward       *forward.Stats `json:"forward,omitempty"`
	Spool         *spoolStatus   `json:"spool,omitempty"`
	Archive       *archiveStatus `json:"archive,omitempty"`
	Notifications *int           `json:"pendingNotifications,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) status(c echo.Context) error {
	st := Status{
		Version: s.opts.Version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
	}
	if o := s.opts.Orchestrator; o != nil {
		stats := o.Stats()
		st.Forward = &stats
	}
	if sp := s.opts.Spool; sp != nil {
		st.Spool = &spoolStatus{Dir: sp.Root, Pending: sp.Pending(), LastScan: timePtr(sp.LastScan())}
	}
	if p := s.opts.Puller; p != nil {
		st.Archive = &archiveStatus{URL: p.URL, Queued: p.Pending(), LastPoll: timePtr(p.LastPoll())}
	}
	if n := s.opts.Notifier; n != nil {
		pending := n.Pending()
		st.Notifications = &pending
	}
	return c.JSON(http.StatusOK, st)
}

type destinationView struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Active     bool     `json:"active"`
	SOPClasses []string `json:"sopClasses,omitempty"`
	Project    string   `json:"project,omitempty"`
	Profile    string   `json:"profile,omitempty"`
}

type nodeView struct {
	AETitle      string            `json:"aet"`
	Description  string            `json:"description,omitempty"`
	Sources      []gateway.Source  `json:"sources,omitempty"`
	Destinations []destinationView `json:"destinations"`
}

func (s *Server) nodes(c echo.Context) error {
	var out []nodeView
	for _, n := range s.opts.SCP.Registry().Nodes() {
		v := nodeView{AETitle: n.AETitle, Description: n.Description, Sources: n.Sources}
		for _, d := range n.Destinations {
			dv := destinationView{Name: d.Name, Type: string(d.Type), Active: d.Active, SOPClasses: d.SOPClasses}
			if d.Deidentify {
				dv.Project = d.Project
				if d.Profile != nil {
					dv.Profile = d.Profile.Name()
				}
			}
			v.Destinations = append(v.Destinations, dv)
		}
		out = append(out, v)
	}
	return c.JSON(http.StatusOK, out)
}

type resultView struct {
	Destination string `json:"destination"`
	Status      string `json:"status"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StoreReply is the body returned by POST /nodes/:aet/store.
type StoreReply struct {
	Status         uint16       `json:"status"`
	State          string       `json:"state,omitempty"`
	SOPInstanceUID string       `json:"sopInstanceUID,omitempty"`
	Results        []resultView `json:"results,omitempty"`
	Error          string       `json:"error,omitempty"`
}

// store accepts one Part 10 object for the node :aet. The caller names
// itself with the X-Calling-AET header.
func (s *Server) store(c echo.Context) error {
	if _, err := s.opts.SCP.Registry().Lookup(c.Param("aet")); err != nil {
		return c.JSON(http.StatusNotFound, StoreReply{Status: gateway.StatusProcessingFailure, Error: err.Error()})
	}
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxObjectSize))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	obj, err := dcm.DecodeBytes(data)
	if err != nil {
		return c.JSON(http.StatusBadRequest, StoreReply{Status: gateway.StatusProcessingFailure, Error: err.Error()})
	}

	resp := s.opts.SCP.Store(c.Request().Context(), gateway.StoreRequest{
		CalledAET:  c.Param("aet"),
		CallingAET: c.Request().Header.Get("X-Calling-AET"),
		Hostname:   c.RealIP(),
		Object:     obj,
	})

	reply := StoreReply{Status: resp.Status}
	if resp.Err != nil {
		reply.Error = resp.Err.Error()
	}
	if out := resp.Outcome; out != nil {
		reply.State = out.State.String()
		reply.SOPInstanceUID = out.SOPInstanceUID
		for _, r := range out.Results {
			reply.Results = append(reply.Results, resultView{
				Destination: r.Destination,
				Status:      string(r.Status),
				StatusCode:  r.StatusCode,
				Error:       r.Reason(),
			})
		}
	}

	code := http.StatusOK
	switch {
	case resp.Status == gateway.StatusNotAuthorized:
		code = http.StatusForbidden
	case resp.Status != gateway.StatusSuccess:
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, reply)
}
