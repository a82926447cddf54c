package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"dicom-gateway/internal/anonymizer"
	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gateway"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/identity"
	"dicom-gateway/internal/notify"
)

// Components are the runtime objects described by a Config.
type Components struct {
	Profiles     map[string]*anonymizer.Profile
	Registry     *gateway.Registry
	Orchestrator *forward.Orchestrator

	// Notifier is nil when no SMTP relay is configured.
	Notifier *notify.Notifier
}

type project struct {
	secret  []byte
	salt    string
	profile *anonymizer.Profile
}

// Build validates c and assembles the profiles, destinations and forward
// nodes it describes.
func (c *Config) Build(logger zerolog.Logger) (*Components, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	profiles, err := c.loadProfiles(logger)
	if err != nil {
		return nil, err
	}
	projects := make(map[string]project, len(c.Projects))
	for _, p := range c.Projects {
		secret, _ := identity.ParseKey(p.Secret)
		name := p.Profile
		if name == "" {
			name = anonymizer.DefaultDefinition().Name
		}
		prof, ok := profiles[name]
		if !ok {
			return nil, gwerr.Configuration("config.build", "project %q: unknown profile %q", p.Name, name)
		}
		projects[p.Name] = project{secret: secret, salt: strings.ToLower(p.Secret), profile: prof}
	}

	comp := &Components{Profiles: profiles}
	opts := []forward.Option{forward.WithConcurrency(c.Forward.Concurrency)}
	if c.SMTP.Host != "" {
		sender := notify.NewSMTPSender(c.SMTP.Host, c.SMTP.Port, c.SMTP.From, c.SMTP.Username, c.SMTP.Password)
		comp.Notifier = notify.New(sender, logger)
		opts = append(opts, forward.WithListener(comp.Notifier))
	}
	comp.Orchestrator = forward.New(logger, opts...)

	var nodes []*gateway.Node
	for _, nc := range c.Nodes {
		n := &gateway.Node{AETitle: strings.TrimSpace(nc.AETitle), Description: nc.Description}
		for _, s := range nc.Sources {
			n.Sources = append(n.Sources, gateway.Source{AETitle: s.AETitle, Hostname: s.Hostname})
		}
		for _, dc := range nc.Destinations {
			d, err := c.destination(dc, projects, logger)
			if err != nil {
				return nil, gwerr.Wrap(gwerr.KindConfiguration, "config.build", fmt.Errorf("destination %q: %w", dc.Name, err))
			}
			n.Destinations = append(n.Destinations, d)
			if comp.Notifier != nil && len(dc.Notify.Recipients) > 0 {
				comp.Notifier.Watch(d.Name, notify.Settings{
					Recipients:     dc.Notify.Recipients,
					ErrorPrefix:    dc.Notify.ErrorPrefix,
					SubjectPattern: dc.Notify.SubjectPattern,
					SubjectValues:  dc.Notify.SubjectValues,
					Interval:       dc.Notify.Interval,
				})
			}
		}
		nodes = append(nodes, n)
	}
	comp.Registry, err = gateway.NewRegistry(nodes...)
	if err != nil {
		return nil, err
	}
	return comp, nil
}

// loadProfiles compiles every configured profile plus the built-in default.
func (c *Config) loadProfiles(logger zerolog.Logger) (map[string]*anonymizer.Profile, error) {
	def, err := anonymizer.Build(anonymizer.DefaultDefinition(), logger)
	if err != nil {
		return nil, err
	}
	profiles := map[string]*anonymizer.Profile{def.Name(): def}

	var errs []error
	for _, path := range c.Profiles {
		p, err := anonymizer.Load(path, logger)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		profiles[p.Name()] = p
		logger.Debug().Str("profile", p.Name()).Str("codenames", p.Codenames()).Msg("profile loaded")
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return profiles, nil
}

func (c *Config) destination(dc DestinationConfig, projects map[string]project, logger zerolog.Logger) (*forward.Destination, error) {
	d := &forward.Destination{
		Name:          dc.Name,
		Description:   dc.Description,
		Type:          forward.Type(dc.Type),
		Active:        dc.IsActive(),
		SOPClasses:    dc.SOPClasses,
		DefaultIssuer: dc.DefaultIssuer,
	}

	timeout := dc.Timeout
	if timeout <= 0 {
		timeout = c.Forward.Timeout
	}
	switch d.Type {
	case forward.TypeDICOM:
		d.Sender = &forward.StoreSCUSender{
			SCU: dcm.StoreSCU{
				Binary:     c.Forward.StoreSCU,
				CallingAET: c.Forward.CallingAET,
				CalledAET:  dc.AETitle,
				Host:       dc.Host,
				Port:       dc.Port,
				Timeout:    int(timeout.Seconds()),
			},
			TempDir: c.Forward.TempDir,
		}
	case forward.TypeSTOW:
		s := forward.NewStowSender(dc.URL, timeout)
		s.Auth, _ = forward.ParseAuth(dc.Auth)
		s.Credentials = dc.Credentials
		s.Headers = dc.Headers
		d.Sender = s
	}

	if dc.Project == "" {
		return d, nil
	}
	p := projects[dc.Project]
	d.Deidentify = true
	d.Project = dc.Project
	d.Secret = p.secret
	d.Profile = p.profile

	policy, err := identity.ParsePolicy(dc.Pseudonym.Policy)
	if err != nil {
		return nil, err
	}
	opts := identity.GeneratorOptions{Policy: policy, AsPatientName: dc.Pseudonym.AsPatientName}
	switch policy {
	case identity.PolicyExternal:
		opts.External = identity.NewExternalIDStore(dc.Pseudonym.ExternalFile, p.salt, logger)
	case identity.PolicyInTag:
		tg, err := dcm.ParseTag(dc.Pseudonym.Tag)
		if err != nil {
			return nil, err
		}
		opts.Source = identity.TagSource{Tag: tg, Delimiter: dc.Pseudonym.Delimiter, Position: dc.Pseudonym.Position}
	}
	d.Pseudonyms, err = identity.NewGenerator(opts)
	if err != nil {
		return nil, err
	}
	return d, nil
}
