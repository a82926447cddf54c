package anonymizer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/identity"
)

// Rule codenames.
const (
	CodeBasicProfile   = "basic.dicom.profile"
	CodeSpecificTags   = "action.on.specific.tags"
	CodePrivateTags    = "action.on.privatetags"
	CodeDates          = "action.on.dates"
	CodeExpression     = "expression.on.tags"
	CodeCleanPixelData = "clean.pixel.data"
)

// ErrUnknownCodename marks a rule whose codename is not implemented. Such
// rules are dropped from the profile rather than failing it.
var ErrUnknownCodename = errors.New("unknown rule codename")

// ElementDefinition is one rule as written in a profile document.
type ElementDefinition struct {
	Name         string            `yaml:"name"`
	Codename     string            `yaml:"codename"`
	Action       string            `yaml:"action,omitempty"`
	Condition    string            `yaml:"condition,omitempty"`
	Option       string            `yaml:"option,omitempty"`
	Tags         []string          `yaml:"tags,omitempty"`
	ExcludedTags []string          `yaml:"excludedTags,omitempty"`
	Arguments    map[string]string `yaml:"arguments,omitempty"`
	Position     *int              `yaml:"position,omitempty"`
}

// attribute is what a rule sees while resolving one element.
type attribute struct {
	elem     *dcm.Element
	current  *dcm.Tree
	original *dcm.Tree
	hmac     *identity.HMAC
	logger   zerolog.Logger
}

// Rule is a compiled profile element. Rules are immutable once built and
// may be shared by concurrent Apply calls.
type Rule struct {
	Name      string
	Codename  string
	Position  int
	condition *Condition
	resolve   func(a *attribute) *Action
}

// Condition returns the compiled condition, or nil.
func (r *Rule) Condition() *Condition { return r.condition }

// NewRule validates def and compiles it into a rule. Every problem found
// is returned.
func NewRule(def ElementDefinition, position int, failClosed bool) (*Rule, []error) {
	r := &Rule{Name: def.Name, Codename: strings.TrimSpace(def.Codename), Position: position}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("rule %q (%s): %s", def.Name, r.Codename, fmt.Sprintf(format, args...)))
	}

	if def.Condition != "" {
		c, err := CompileCondition(def.Condition, failClosed)
		if err != nil {
			fail("%v", err)
		}
		r.condition = c
	}

	tags, tagErrs := NewTagSet(def.Tags)
	excluded, exclErrs := NewTagSet(def.ExcludedTags)
	for _, err := range append(tagErrs, exclErrs...) {
		fail("%v", err)
	}

	switch r.Codename {
	case CodeBasicProfile:
		r.resolve = resolveBasic

	case CodeSpecificTags:
		action, err := ParseAction(def.Action)
		if err != nil {
			fail("%v", err)
		}
		if tags.Empty() && excluded.Empty() {
			fail("at least one tag is required")
		}
		r.resolve = func(a *attribute) *Action {
			tg := a.elem.Tag
			if excluded.Contains(tg) || (!tags.Empty() && !tags.Contains(tg)) {
				return nil
			}
			act := action
			return &act
		}

	case CodePrivateTags:
		action, err := ParseAction(def.Action)
		if err != nil {
			fail("%v", err)
		}
		r.resolve = func(a *attribute) *Action {
			tg := a.elem.Tag
			if !tg.IsPrivate() || excluded.Contains(tg) {
				return nil
			}
			if !tags.Empty() && !tags.Contains(tg) {
				return nil
			}
			act := action
			return &act
		}

	case CodeDates:
		build, err := dateOption(def.Option, def.Arguments)
		if err != nil {
			fail("%v", err)
		}
		r.resolve = func(a *attribute) *Action {
			tg := a.elem.Tag
			if !IsDateVR(a.elem.VR) || excluded.Contains(tg) {
				return nil
			}
			if !tags.Empty() && !tags.Contains(tg) {
				return nil
			}
			if a.elem.String() == "" || build == nil {
				return nil
			}
			act, err := build(a.hmac)
			if err != nil {
				a.logger.Warn().Err(err).Str("tag", tg.String()).Msg("date rule skipped")
				return nil
			}
			return &act
		}

	case CodeExpression:
		program, err := compileActionExpr(def.Arguments["expr"])
		if err != nil {
			fail("%v", err)
		}
		if tags.Empty() {
			fail("at least one tag is required")
		}
		r.resolve = func(a *attribute) *Action {
			tg := a.elem.Tag
			if excluded.Contains(tg) || !tags.Contains(tg) || program == nil {
				return nil
			}
			return runActionExpr(program, a)
		}

	case CodeCleanPixelData:
		r.resolve = func(*attribute) *Action { return nil }

	default:
		return nil, []error{fmt.Errorf("rule %q: %w %q", def.Name, ErrUnknownCodename, def.Codename)}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return r, nil
}

func resolveBasic(a *attribute) *Action {
	act, ok := BasicProfileAction(a.elem.Tag)
	if !ok {
		return nil
	}
	return &act
}

func intArg(args map[string]string, key string, required bool, def int) (int, error) {
	s, ok := args[key]
	if !ok || strings.TrimSpace(s) == "" {
		if required {
			return 0, fmt.Errorf("missing argument %q", key)
		}
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("argument %q: %q is not an integer", key, s)
	}
	return n, nil
}

// dateOption validates the arguments of action.on.dates and returns the
// builder of the per-attribute action.
func dateOption(option string, args map[string]string) (func(*identity.HMAC) (Action, error), error) {
	switch option {
	case "shift":
		days, err := intArg(args, "days", true, 0)
		if err != nil {
			return nil, err
		}
		seconds, err := intArg(args, "seconds", true, 0)
		if err != nil {
			return nil, err
		}
		return func(*identity.HMAC) (Action, error) {
			return Action{Kind: KindShiftDate, Days: days, Seconds: seconds}, nil
		}, nil

	case "shift_range":
		var bounds [4]int
		var errs []error
		for i, arg := range []struct {
			key      string
			required bool
		}{{"min_days", false}, {"max_days", true}, {"min_seconds", false}, {"max_seconds", true}} {
			n, err := intArg(args, arg.key, arg.required, 0)
			errs = append(errs, err)
			bounds[i] = n
		}
		if err := errors.Join(errs...); err != nil {
			return nil, err
		}
		if bounds[0] > bounds[1] || bounds[2] > bounds[3] {
			return nil, fmt.Errorf("shift_range minimum is greater than maximum")
		}
		return func(h *identity.HMAC) (Action, error) {
			subject := h.SubjectID()
			days, err := h.ScaleHash(subject, bounds[0], bounds[1])
			if err != nil {
				return Action{}, err
			}
			seconds, err := h.ScaleHash(subject, bounds[2], bounds[3])
			if err != nil {
				return Action{}, err
			}
			return Action{Kind: KindShiftRangeDate, Days: days, Seconds: seconds}, nil
		}, nil

	case "date_format":
		format := strings.TrimSpace(args["remove"])
		if format != FormatRemoveDay && format != FormatRemoveMonthDay {
			return nil, fmt.Errorf("date_format needs argument \"remove\" set to %s or %s", FormatRemoveDay, FormatRemoveMonthDay)
		}
		return func(*identity.HMAC) (Action, error) {
			return Action{Kind: KindDateFormat, Format: format}, nil
		}, nil

	case "":
		return nil, fmt.Errorf("an option is required: shift, shift_range or date_format")
	}
	return nil, fmt.Errorf("unknown option %q: shift, shift_range or date_format", option)
}

// actionTypes extends the condition environment with action constructors.
var actionTypes = actionVars(conditionTypes)

func actionVars(base map[string]any) map[string]any {
	env := make(map[string]any, len(base)+7)
	for k, v := range base {
		env[k] = v
	}
	env["Keep"] = Keep
	env["Remove"] = Remove
	env["ReplaceNull"] = ReplaceNull
	env["UID"] = UID
	env["DefaultDummy"] = DefaultDummy
	env["Replace"] = Replace
	env["Add"] = func(tg int, vr, value string) Action { return Add(dcm.Tag(tg), vr, value) }
	return env
}

func compileActionExpr(src string) (*vm.Program, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("missing argument \"expr\"")
	}
	rewritten, err := rewriteSymbols(src)
	if err != nil {
		return nil, err
	}
	program, err := expr.Compile(rewritten, expr.Env(actionTypes))
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	return program, nil
}

func runActionExpr(program *vm.Program, a *attribute) *Action {
	env := attributeEnv{tag: a.elem.Tag, vr: a.elem.VR, original: a.original, current: a.current}
	out, err := expr.Run(program, actionVars(env.vars()))
	if err != nil {
		a.logger.Warn().Err(err).Str("tag", a.elem.Tag.String()).Msg("expression failed")
		return nil
	}
	act, ok := out.(Action)
	if !ok {
		return nil
	}
	return &act
}
