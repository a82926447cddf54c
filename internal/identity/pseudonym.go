package identity

import (
	"errors"
	"fmt"
	"strings"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
)

// ErrNoPseudonym is returned when the configured policy yields no pseudonym.
var ErrNoPseudonym = errors.New("no pseudonym available for patient")

// Patient is the real identity read from an incoming object.
type Patient struct {
	ID                string
	Name              string
	BirthDate         string
	Sex               string
	IssuerOfPatientID string
}

// PatientFromTree reads the identity attributes, falling back to
// defaultIssuer when the object carries no IssuerOfPatientID.
func PatientFromTree(t *dcm.Tree, defaultIssuer string) Patient {
	issuer := t.String(dcm.IssuerOfPatientID)
	if issuer == "" {
		issuer = defaultIssuer
	}
	return Patient{
		ID:                t.String(dcm.PatientID),
		Name:              t.String(dcm.PatientName),
		BirthDate:         t.String(dcm.PatientBirthDate),
		Sex:               NormalizeSex(t.String(dcm.PatientSex)),
		IssuerOfPatientID: issuer,
	}
}

// NormalizeSex maps anything but M and F to O.
func NormalizeSex(sex string) string {
	switch s := strings.ToUpper(strings.TrimSpace(sex)); s {
	case "M", "F":
		return s
	default:
		return "O"
	}
}

// Key is the canonical identity string hashed by the generated policy.
func (p Patient) Key() string {
	return strings.Join([]string{
		strings.TrimSpace(p.ID),
		NormalizeName(p.Name),
		strings.TrimSpace(p.BirthDate),
		NormalizeSex(p.Sex),
		strings.TrimSpace(p.IssuerOfPatientID),
	}, "|")
}

// Policy selects where a pseudonym comes from.
type Policy string

const (
	// PolicyGenerated derives the pseudonym from the HMAC of the identity.
	PolicyGenerated Policy = "generated"
	// PolicyExternal looks the pseudonym up in an ExternalIDProvider.
	PolicyExternal Policy = "external"
	// PolicyInTag reads the pseudonym from an attribute of the object.
	PolicyInTag Policy = "in-tag"
)

// ParsePolicy validates a policy name. An empty name selects PolicyGenerated.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyGenerated, nil
	case PolicyGenerated, PolicyExternal, PolicyInTag:
		return p, nil
	default:
		return "", gwerr.Configuration("pseudonym.policy", "unknown pseudonym policy %q", s)
	}
}

// ExternalIDProvider resolves pseudonyms assigned outside the gateway.
type ExternalIDProvider interface {
	Lookup(p Patient) (string, bool)
}

// TagSource locates a pseudonym inside an attribute value. When Delimiter is
// set the value is split and the zero-based Position is taken.
type TagSource struct {
	Tag       dcm.Tag
	Delimiter string
	Position  int
}

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	Policy        Policy
	External      ExternalIDProvider
	Source        TagSource
	AsPatientName bool
}

// Generator produces pseudonyms and the synthetic identity derived from them.
type Generator struct {
	opts GeneratorOptions
}

// NewGenerator validates the options for the selected policy.
func NewGenerator(opts GeneratorOptions) (*Generator, error) {
	switch opts.Policy {
	case "":
		opts.Policy = PolicyGenerated
	case PolicyGenerated:
	case PolicyExternal:
		if opts.External == nil {
			return nil, gwerr.Configuration("pseudonym.generator", "external policy needs an ID provider")
		}
	case PolicyInTag:
		if opts.Source.Tag == 0 {
			return nil, gwerr.Configuration("pseudonym.generator", "in-tag policy needs a tag")
		}
		if opts.Source.Position < 0 {
			return nil, gwerr.Configuration("pseudonym.generator", "in-tag position must not be negative")
		}
	default:
		return nil, gwerr.Configuration("pseudonym.generator", "unknown pseudonym policy %q", opts.Policy)
	}
	return &Generator{opts: opts}, nil
}

// Policy returns the configured policy.
func (g *Generator) Policy() Policy { return g.opts.Policy }

// Pseudonym returns the pseudonym for p. The tree is read by the in-tag policy.
func (g *Generator) Pseudonym(h *HMAC, t *dcm.Tree, p Patient) (string, error) {
	switch g.opts.Policy {
	case PolicyExternal:
		if ps, ok := g.opts.External.Lookup(p); ok && ps != "" {
			return ps, nil
		}
		return "", gwerr.Wrap(gwerr.KindConfiguration, "pseudonym.external",
			fmt.Errorf("%w: PatientID %q issuer %q", ErrNoPseudonym, p.ID, p.IssuerOfPatientID))

	case PolicyInTag:
		ps := pseudonymFromTag(t.String(g.opts.Source.Tag), g.opts.Source)
		if ps == "" {
			return "", gwerr.Wrap(gwerr.KindConfiguration, "pseudonym.tag",
				fmt.Errorf("%w: %s is empty or has no position %d", ErrNoPseudonym, g.opts.Source.Tag, g.opts.Source.Position))
		}
		return ps, nil

	default:
		return strings.ToUpper(fmt.Sprintf("%x", h.ByteHash(p.Key()))), nil
	}
}

func pseudonymFromTag(value string, src TagSource) string {
	if src.Delimiter == "" {
		return strings.TrimSpace(value)
	}
	parts := strings.Split(value, src.Delimiter)
	if src.Position >= len(parts) {
		return ""
	}
	return strings.TrimSpace(parts[src.Position])
}

// Synthetic is the replacement identity written to the outgoing object.
type Synthetic struct {
	PatientID   string
	PatientName string
}

// Synthesize derives the new PatientID (decimal) and PatientName (uppercase
// hex) from HMAC(pseudonym + codenames). With AsPatientName the pseudonym
// itself becomes the PatientName.
func (g *Generator) Synthesize(h *HMAC, pseudonym, codenames string) Synthetic {
	value := h.BigHash(pseudonym + codenames)
	s := Synthetic{
		PatientID:   value.String(),
		PatientName: strings.ToUpper(value.Text(16)),
	}
	if g.opts.AsPatientName {
		s.PatientName = pseudonym
	}
	return s
}
