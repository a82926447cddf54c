package anonymizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/identity"
	"dicom-gateway/internal/logging"
)

// Definition is a profile document.
type Definition struct {
	Name                     string              `yaml:"name"`
	Version                  string              `yaml:"version,omitempty"`
	DefaultIssuerOfPatientID string              `yaml:"defaultIssuerOfPatientID,omitempty"`
	FailClosedConditions     bool                `yaml:"failClosedConditions,omitempty"`
	Elements                 []ElementDefinition `yaml:"profileElements"`
	Masks                    []MaskDefinition    `yaml:"masks,omitempty"`
}

// Profile is an ordered rule list plus the pixel masks. It is immutable and
// safe for concurrent Apply calls.
type Profile struct {
	name          string
	version       string
	defaultIssuer string
	rules         []*Rule
	cleanPixel    *Rule
	masks         map[string]*Mask
	codenames     string

	logger zerolog.Logger
	audit  zerolog.Logger
	now    func() time.Time

	// onResolve observes every attribute the rules are asked about.
	onResolve func(tg dcm.Tag)
}

// NewProfile compiles def. Rules with an unknown codename are logged and
// dropped; every other problem is returned, and the profile must not be
// used when errors are returned.
func NewProfile(def Definition, logger zerolog.Logger) (*Profile, []error) {
	logger = logger.With().Str("profile", def.Name).Logger()
	p := &Profile{
		name:          def.Name,
		version:       def.Version,
		defaultIssuer: def.DefaultIssuerOfPatientID,
		masks:         make(map[string]*Mask),
		logger:        logger,
		audit:         logging.Audit(logger),
		now:           time.Now,
	}

	var errs []error
	if strings.TrimSpace(def.Name) == "" {
		errs = append(errs, fmt.Errorf("profile name is required"))
	}

	positions := make(map[int]string)
	for i, el := range def.Elements {
		pos := i
		if el.Position != nil {
			pos = *el.Position
		}
		if other, dup := positions[pos]; dup {
			errs = append(errs, fmt.Errorf("rule %q: position %d already used by %q", el.Name, pos, other))
			continue
		}
		positions[pos] = el.Name

		rule, ruleErrs := NewRule(el, pos, def.FailClosedConditions)
		if len(ruleErrs) == 1 && errors.Is(ruleErrs[0], ErrUnknownCodename) {
			logger.Error().Err(ruleErrs[0]).Msg("skipping rule")
			continue
		}
		if len(ruleErrs) > 0 {
			errs = append(errs, ruleErrs...)
			continue
		}
		p.rules = append(p.rules, rule)
	}
	sort.SliceStable(p.rules, func(i, j int) bool { return p.rules[i].Position < p.rules[j].Position })

	codenames := make([]string, 0, len(p.rules))
	for _, r := range p.rules {
		codenames = append(codenames, r.Codename)
		if r.Codename == CodeCleanPixelData && p.cleanPixel == nil {
			p.cleanPixel = r
		}
	}
	p.codenames = strings.Join(codenames, "-")

	for _, md := range def.Masks {
		m, err := NewMask(md)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.masks[m.StationName] = m
	}

	return p, errs
}

// Name returns the profile name.
func (p *Profile) Name() string { return p.name }

// Version returns the profile version.
func (p *Profile) Version() string { return p.version }

// Codenames returns the codenames of the active rules joined by "-".
func (p *Profile) Codenames() string { return p.codenames }

// Rules returns the active rules in evaluation order.
func (p *Profile) Rules() []*Rule { return append([]*Rule(nil), p.rules...) }

// Target carries the per-destination inputs of Apply.
type Target struct {
	Project       string
	Secret        []byte
	Pseudonyms    *identity.Generator
	DefaultIssuer string
}

// Result describes one de-identified object.
type Result struct {
	Pseudonym         string
	PatientID         string
	PatientName       string
	OldSOPInstanceUID string
	NewSOPInstanceUID string
	Masked            bool
}

// Apply de-identifies t in place. A configuration error leaves t untouched
// and the object must not be forwarded. Failing attributes are logged and
// left unmodified.
func (p *Profile) Apply(t *dcm.Tree, tgt Target) (*Result, error) {
	oldSOP := t.SOPInstanceUID()
	oldSeries := t.String(dcm.SeriesInstanceUID)

	h, err := identity.NewHMAC(tgt.Secret, t.String(dcm.PatientID))
	if err != nil {
		return nil, err
	}

	gen := tgt.Pseudonyms
	if gen == nil {
		if gen, err = identity.NewGenerator(identity.GeneratorOptions{}); err != nil {
			return nil, err
		}
	}
	issuer := tgt.DefaultIssuer
	if issuer == "" {
		issuer = p.defaultIssuer
	}
	pseudonym, err := gen.Pseudonym(h, t, identity.PatientFromTree(t, issuer))
	if err != nil {
		return nil, err
	}
	synthetic := gen.Synthesize(h, pseudonym, p.codenames)

	mask, err := p.maskFor(t)
	if err != nil {
		return nil, err
	}
	if mask != nil {
		if err := mask.Apply(t); err != nil {
			return nil, gwerr.Wrap(gwerr.KindConfiguration, "profile.mask", err)
		}
	}

	x := &Exec{HMAC: h, Audit: p.audit, SOPInstanceUID: oldSOP}
	original := t.Clone()
	p.applyRules(t, original, nil, nil, x)
	p.setPostConditions(t, synthetic, pseudonym, x)

	res := &Result{
		Pseudonym:         pseudonym,
		PatientID:         synthetic.PatientID,
		PatientName:       synthetic.PatientName,
		OldSOPInstanceUID: oldSOP,
		NewSOPInstanceUID: t.SOPInstanceUID(),
		Masked:            mask != nil,
	}
	p.audit.Info().
		Str("sop_instance_uid_old", oldSOP).
		Str("sop_instance_uid_new", res.NewSOPInstanceUID).
		Str("series_instance_uid_old", oldSeries).
		Str("series_instance_uid_new", t.String(dcm.SeriesInstanceUID)).
		Str("project", tgt.Project).
		Str("codenames", p.codenames).
		Msg("object de-identified")
	return res, nil
}

// resolve picks the action for one attribute: the first rule in position
// order that yields an action wins. A rule whose condition is false does
// not match. Reaching the rule that matched the enclosing sequence falls
// back to the action it chose there.
func (p *Profile) resolve(a *attribute, inheritedRule *Rule, inherited *Action) (*Action, *Rule) {
	if p.onResolve != nil {
		p.onResolve(a.elem.Tag)
	}
	for _, r := range p.rules {
		if r.Codename == CodeCleanPixelData {
			continue
		}
		if r.condition == nil || r.condition.Evaluate(a.elem.Tag, a.elem.VR, a.original, a.current, p.logger) {
			if act := r.resolve(a); act != nil {
				return act, r
			}
		}
		if r == inheritedRule {
			return inherited, r
		}
	}
	return nil, nil
}

func (p *Profile) applyRules(cur, original *dcm.Tree, inheritedRule *Rule, inherited *Action, x *Exec) {
	for _, e := range cur.Elements() {
		if e.Tag.IsFileMeta() {
			continue
		}
		a := &attribute{elem: e, current: cur, original: original, hmac: x.HMAC, logger: p.logger}
		action, rule := p.resolve(a, inheritedRule, inherited)

		if e.IsSequence() && (action == nil || !action.Removes()) {
			for _, item := range e.Items {
				p.applyRules(item, original, rule, action, x)
			}
			continue
		}
		if action == nil {
			continue
		}
		if err := action.Execute(cur, e.Tag, x); err != nil {
			p.logger.Warn().Err(err).
				Str("sop_instance_uid", x.SOPInstanceUID).
				Str("tag", e.Tag.String()).
				Str("action", action.String()).
				Msg("attribute left unmodified")
		}
	}
}

// setPostConditions writes the de-identification evidence. These values
// override whatever the rules produced.
func (p *Profile) setPostConditions(t *dcm.Tree, s identity.Synthetic, pseudonym string, x *Exec) {
	now := p.now()
	for _, a := range []Action{
		Add(dcm.PatientID, "LO", s.PatientID),
		Add(dcm.PatientName, "PN", s.PatientName),
		Add(dcm.PatientIdentityRemoved, "CS", "YES"),
		Add(dcm.DeidentificationMethod, "LO", p.codenames),
		Add(dcm.ClinicalTrialSponsorName, "LO", p.codenames),
		Add(dcm.ClinicalTrialProtocolID, "LO", p.name),
		Add(dcm.ClinicalTrialSubjectID, "LO", pseudonym),
		Add(dcm.ClinicalTrialProtocolName, "LO", ""),
		Add(dcm.ClinicalTrialSiteID, "LO", ""),
		Add(dcm.ClinicalTrialSiteName, "LO", ""),
		Add(dcm.InstanceCreationDate, "DA", now.Format(layoutDA)),
		Add(dcm.InstanceCreationTime, "TM", now.Format(layoutTM)),
	} {
		// Add never fails.
		_ = a.Execute(t, a.Target, x)
	}
}
