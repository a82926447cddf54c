package anonymizer

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/identity"
)

// Kind is the closed set of attribute transformations.
type Kind int

const (
	KindKeep Kind = iota
	KindRemove
	KindReplaceNull
	KindReplace
	KindDefaultDummy
	KindAdd
	KindUID
	KindShiftDate
	KindShiftRangeDate
	KindDateFormat
)

var kindSymbols = map[Kind]string{
	KindKeep:           "K",
	KindRemove:         "X",
	KindReplaceNull:    "Z",
	KindReplace:        "D",
	KindDefaultDummy:   "DDum",
	KindAdd:            "A",
	KindUID:            "U",
	KindShiftDate:      "D",
	KindShiftRangeDate: "D",
	KindDateFormat:     "D",
}

func (k Kind) String() string {
	switch k {
	case KindKeep:
		return "keep"
	case KindRemove:
		return "remove"
	case KindReplaceNull:
		return "replace-null"
	case KindReplace:
		return "replace"
	case KindDefaultDummy:
		return "default-dummy"
	case KindAdd:
		return "add"
	case KindUID:
		return "uid"
	case KindShiftDate:
		return "shift-date"
	case KindShiftRangeDate:
		return "shift-range-date"
	case KindDateFormat:
		return "date-format"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Action is one resolved transformation. It is a value: rules hand out a
// fresh copy per attribute, so the dummy never leaks between attributes.
type Action struct {
	Kind Kind

	// Dummy is the replacement value for Replace and Add. An empty Dummy on
	// Replace falls back to the default dummy of the VR.
	Dummy string

	// Target and VR describe the attribute created by Add. A zero Target adds
	// to the attribute being processed.
	Target dcm.Tag
	VR     string

	// Days and Seconds are subtracted by the shift kinds.
	Days    int
	Seconds int

	// Format is the date_format pattern.
	Format string
}

// Symbol returns the short code written to the audit trail.
func (a Action) Symbol() string { return kindSymbols[a.Kind] }

// Removes reports whether the action drops or blanks a whole sequence.
func (a Action) Removes() bool {
	return a.Kind == KindRemove || a.Kind == KindReplaceNull
}

func (a Action) String() string {
	switch a.Kind {
	case KindReplace, KindAdd:
		if a.Dummy != "" {
			return fmt.Sprintf("%s(%s)", a.Symbol(), a.Dummy)
		}
	case KindShiftDate, KindShiftRangeDate:
		return fmt.Sprintf("%s(days=%d,seconds=%d)", a.Kind, a.Days, a.Seconds)
	case KindDateFormat:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Format)
	}
	return a.Symbol()
}

// Keep, Remove and friends build actions for rule tables and expressions.
func Keep() Action        { return Action{Kind: KindKeep} }
func Remove() Action      { return Action{Kind: KindRemove} }
func ReplaceNull() Action { return Action{Kind: KindReplaceNull} }
func UID() Action         { return Action{Kind: KindUID} }

// Replace substitutes the value with dummy.
func Replace(dummy string) Action { return Action{Kind: KindReplace, Dummy: dummy} }

// DefaultDummy substitutes the default dummy of the attribute VR.
func DefaultDummy() Action { return Action{Kind: KindDefaultDummy} }

// Add creates or overwrites target with vr and value.
func Add(target dcm.Tag, vr, value string) Action {
	return Action{Kind: KindAdd, Target: target, VR: vr, Dummy: value}
}

var symbolKinds = map[string]Kind{
	"K":    KindKeep,
	"X":    KindRemove,
	"Z":    KindReplaceNull,
	"D":    KindReplace,
	"DDUM": KindDefaultDummy,
	"A":    KindAdd,
	"U":    KindUID,
}

// ParseAction maps a short code (K, X, Z, D, DDum, A, U) to an action.
func ParseAction(symbol string) (Action, error) {
	kind, ok := symbolKinds[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Action{}, fmt.Errorf("unknown action %q", symbol)
	}
	return Action{Kind: kind}, nil
}

// Exec carries the per-object state an action needs.
type Exec struct {
	HMAC           *identity.HMAC
	Audit          zerolog.Logger
	SOPInstanceUID string
}

func (x *Exec) record(tg dcm.Tag, a Action, old string, removed bool, newValue string) {
	ev := x.Audit.Info().
		Str("sop_instance_uid", x.SOPInstanceUID).
		Str("tag", tg.String()).
		Str("action", a.Symbol()).
		Str("old", old)
	if !removed {
		ev = ev.Str("new", newValue)
	}
	ev.Send()
}

// Execute applies a to tg in t. Sequence containers ignore the value-level
// kinds: their items are handled by recursion.
func (a Action) Execute(t *dcm.Tree, tg dcm.Tag, x *Exec) error {
	if a.Kind == KindAdd {
		target := a.Target
		if target == 0 {
			target = tg
		}
		vr := a.VR
		if vr == "" {
			vr = target.DictionaryVR()
		}
		old := t.String(target)
		t.Set(target, vr, a.Dummy)
		x.record(target, a, old, false, a.Dummy)
		return nil
	}

	e := t.Find(tg)
	if e == nil || a.Kind == KindKeep {
		return nil
	}
	old := e.String()

	switch a.Kind {
	case KindRemove:
		t.Remove(tg)
		x.record(tg, a, old, true, "")
		return nil

	case KindReplaceNull:
		if e.IsSequence() {
			t.SetItems(tg)
		} else {
			t.Set(tg, e.VR)
		}
		x.record(tg, a, old, false, "")
		return nil
	}

	if e.IsSequence() || e.IsBinary() {
		return nil
	}

	var values []string
	switch a.Kind {
	case KindReplace, KindDefaultDummy:
		dummy := a.Dummy
		if a.Kind == KindDefaultDummy || dummy == "" {
			dummy = DefaultDummyValue(e.VR, old, x.HMAC)
		}
		values = []string{dummy}

	case KindUID:
		if old == "" {
			return nil
		}
		for _, v := range e.Values {
			values = append(values, x.HMAC.UIDHash(v))
		}

	case KindShiftDate, KindShiftRangeDate:
		if old == "" {
			return nil
		}
		for _, v := range e.Values {
			shifted, err := ShiftValue(e.VR, v, a.Days, a.Seconds)
			if err != nil {
				return gwerr.Wrap(gwerr.KindTransform, "action.shift", fmt.Errorf("%s: %w", tg, err))
			}
			values = append(values, shifted)
		}

	case KindDateFormat:
		if old == "" {
			return nil
		}
		for _, v := range e.Values {
			formatted, err := FormatDate(e.VR, v, a.Format)
			if err != nil {
				return gwerr.Wrap(gwerr.KindTransform, "action.dateformat", fmt.Errorf("%s: %w", tg, err))
			}
			values = append(values, formatted)
		}

	default:
		return gwerr.Transform("action.execute", "unsupported action %s on %s", a.Kind, tg)
	}

	e.SetValues(values...)
	x.record(tg, a, old, false, e.String())
	return nil
}

// DefaultDummyValue returns the placeholder written by DDum for vr. UIDs are
// rehashed so references stay consistent.
func DefaultDummyValue(vr, old string, h *identity.HMAC) string {
	switch vr {
	case "AE", "CS", "LO", "LT", "PN", "SH", "ST", "UN", "UT", "UC", "UR":
		return "UNKNOWN"
	case "DS", "IS", "FD", "FL", "SS", "US", "SL", "UL", "SV", "UV":
		return "0"
	case "AS":
		return "045Y"
	case "DA":
		return "19991111"
	case "DT":
		return "19991111111111"
	case "TM":
		return "111111"
	case "UI":
		if old == "" || h == nil {
			return ""
		}
		return h.UIDHash(old)
	}
	return ""
}
