package anonymizer

import (
	"encoding/hex"
	"fmt"
	"strings"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
)

// DefaultMaskStation is the mask used when none matches StationName.
const DefaultMaskStation = "*"

// MaskDefinition is a mask as written in a profile document.
type MaskDefinition struct {
	StationName string   `yaml:"stationName"`
	Color       string   `yaml:"color,omitempty"`
	Rectangles  []string `yaml:"rectangles"`
}

// Mask is a set of rectangles blanked out on every frame.
type Mask struct {
	StationName string
	RGB         [3]int
	Rects       []dcm.Rect
}

// NewMask parses md. The colour is a hex RGB triplet, black by default.
func NewMask(md MaskDefinition) (*Mask, error) {
	m := &Mask{StationName: strings.TrimSpace(md.StationName)}
	if m.StationName == "" {
		m.StationName = DefaultMaskStation
	}
	if c := strings.TrimPrefix(strings.TrimSpace(md.Color), "#"); c != "" {
		b, err := hex.DecodeString(c)
		if err != nil || len(b) != 3 {
			return nil, fmt.Errorf("mask %q: invalid color %q", m.StationName, md.Color)
		}
		m.RGB = [3]int{int(b[0]), int(b[1]), int(b[2])}
	}
	if len(md.Rectangles) == 0 {
		return nil, fmt.Errorf("mask %q: no rectangles", m.StationName)
	}
	for _, s := range md.Rectangles {
		r, err := dcm.ParseRect(s)
		if err != nil {
			return nil, fmt.Errorf("mask %q: %w", m.StationName, err)
		}
		m.Rects = append(m.Rects, r)
	}
	return m, nil
}

// fill converts the colour to sample values for the image.
func (m *Mask) fill(t *dcm.Tree) []int {
	if t.Int(dcm.SamplesPerPixel) >= 3 {
		return m.RGB[:]
	}
	gray := (m.RGB[0] + m.RGB[1] + m.RGB[2]) / 3
	if bits := t.Int(dcm.BitsAllocated); bits > 8 {
		gray = gray * (1<<bits - 1) / 255
	}
	return []int{gray}
}

// Apply blanks the mask rectangles on every frame of t.
func (m *Mask) Apply(t *dcm.Tree) error {
	return dcm.MaskPixels(t, m.Rects, m.fill(t))
}

// Mask returns the mask for a station, falling back to "*".
func (p *Profile) Mask(station string) *Mask {
	if m, ok := p.masks[station]; ok {
		return m
	}
	return p.masks[DefaultMaskStation]
}

// maskFor decides whether t needs masking. Objects with pixel data, a
// clean.pixel.data rule whose condition holds, and a SOP Class that may
// carry burned-in text require a mask; without one this is a configuration
// error and the object must not leave unmasked.
func (p *Profile) maskFor(t *dcm.Tree) (*Mask, error) {
	if p.cleanPixel == nil || !t.HasPixelData() {
		return nil, nil
	}
	if c := p.cleanPixel.condition; c != nil {
		pix := t.Find(dcm.PixelData)
		if !c.Evaluate(pix.Tag, pix.VR, t, t, p.logger) {
			return nil, nil
		}
	}
	if t.SOPClassUID() == "" {
		return nil, gwerr.Transform("profile.mask", "object has no SOPClassUID")
	}
	if !dcm.MayCarryBurnedInAnnotation(t) {
		return nil, nil
	}
	station := t.String(dcm.StationName)
	m := p.Mask(station)
	if m == nil {
		return nil, gwerr.Configuration("profile.mask", "no mask for station %q and no default mask, cannot clean pixel data of SOP class %s", station, t.SOPClassUID())
	}
	return m, nil
}
