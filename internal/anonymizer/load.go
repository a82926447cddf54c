package anonymizer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"dicom-gateway/internal/gwerr"
)

// DecodeDefinition reads a profile document. Unknown fields are rejected.
func DecodeDefinition(r io.Reader) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, fmt.Errorf("could not decode profile: %w", err)
	}
	return def, nil
}

// LoadDefinition reads a profile document from path.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("could not read profile: %w", err)
	}
	def, err := DecodeDefinition(bytes.NewReader(data))
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Build compiles def and folds every error into one configuration error.
func Build(def Definition, logger zerolog.Logger) (*Profile, error) {
	p, errs := NewProfile(def, logger)
	if len(errs) > 0 {
		return nil, gwerr.Wrap(gwerr.KindConfiguration, "profile.build",
			fmt.Errorf("profile %q: %w", def.Name, errors.Join(errs...)))
	}
	return p, nil
}

// Load reads and compiles the profile at path.
func Load(path string, logger zerolog.Logger) (*Profile, error) {
	def, err := LoadDefinition(path)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindConfiguration, "profile.load", err)
	}
	return Build(def, logger)
}

// DefaultDefinition is the profile used when none is configured: the basic
// confidentiality profile alone.
func DefaultDefinition() Definition {
	return Definition{
		Name:    "Dicom Basic Profile",
		Version: "1.0",
		Elements: []ElementDefinition{
			{Name: "DICOM basic profile", Codename: CodeBasicProfile},
		},
	}
}
