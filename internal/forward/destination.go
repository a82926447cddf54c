// Package forward fans a received object out to the destinations of a
// forward node, de-identifying a private copy for each one.
package forward

import (
	"context"
	"strings"

	"dicom-gateway/internal/anonymizer"
	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/identity"
)

// Type is the transport of a destination.
type Type string

const (
	TypeDICOM Type = "dicom"
	TypeSTOW  Type = "stow"
)

// Sender delivers one encoded object. The returned code is the transport
// status (HTTP status for STOW-RS, storescu exit code for DICOM), or 0 when
// nothing was sent.
type Sender interface {
	Send(ctx context.Context, obj *dcm.Tree) (int, error)
}

// Destination is one final recipient of a forward node.
type Destination struct {
	Name        string
	Description string
	Type        Type
	Active      bool

	// SOPClasses restricts the destination to these SOP Class UIDs. Empty
	// accepts every object.
	SOPClasses []string

	// Deidentify applies Profile before sending. The remaining fields feed
	// the profile and are ignored otherwise.
	Deidentify    bool
	Project       string
	Secret        []byte
	Profile       *anonymizer.Profile
	Pseudonyms    *identity.Generator
	DefaultIssuer string

	Sender Sender
}

// Accepts reports whether obj passes the SOP Class filter.
func (d *Destination) Accepts(obj *dcm.Tree) bool {
	if len(d.SOPClasses) == 0 {
		return true
	}
	cuid := obj.SOPClassUID()
	for _, c := range d.SOPClasses {
		if strings.TrimSpace(c) == cuid {
			return true
		}
	}
	return false
}

func (d *Destination) target() anonymizer.Target {
	return anonymizer.Target{
		Project:       d.Project,
		Secret:        d.Secret,
		Pseudonyms:    d.Pseudonyms,
		DefaultIssuer: d.DefaultIssuer,
	}
}
