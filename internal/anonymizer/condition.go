package anonymizer

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	dcm "dicom-gateway/internal/dicom"
)

var (
	tagKeywordRe = regexp.MustCompile(`#?Tag\.([A-Za-z0-9]+)`)
	vrKeywordRe  = regexp.MustCompile(`#?VR\.([A-Z]{2})\b`)
	hexTagRe     = regexp.MustCompile(`\(([0-9A-Fa-f]{4}),([0-9A-Fa-f]{4})\)`)
)

// rewriteSymbols turns Tag.Keyword, VR.XX and (gggg,eeee) references into
// literals the expression compiler understands.
func rewriteSymbols(src string) (string, error) {
	var unknown []string
	out := tagKeywordRe.ReplaceAllStringFunc(src, func(m string) string {
		name := tagKeywordRe.FindStringSubmatch(m)[1]
		tg, err := dcm.ParseTag(name)
		if err != nil {
			unknown = append(unknown, name)
			return m
		}
		return strconv.FormatUint(uint64(tg), 10)
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown tag keyword(s): %s", strings.Join(unknown, ", "))
	}
	out = vrKeywordRe.ReplaceAllString(out, `"$1"`)
	out = hexTagRe.ReplaceAllStringFunc(out, func(m string) string {
		tg, _ := dcm.ParseTag(m)
		return strconv.FormatUint(uint64(tg), 10)
	})
	return out, nil
}

// attributeEnv exposes one attribute and its object to an expression.
type attributeEnv struct {
	tag      dcm.Tag
	vr       string
	original *dcm.Tree
	current  *dcm.Tree
}

// value reads the unmodified object first, then the tree being processed,
// which is a sequence item during recursion.
func (a attributeEnv) value(tg int) (string, bool) {
	e := a.original.Find(dcm.Tag(tg))
	if e == nil {
		e = a.current.Find(dcm.Tag(tg))
	}
	if e == nil {
		return "", false
	}
	return e.String(), true
}

func (a attributeEnv) vars() map[string]any {
	return map[string]any{
		"tag": int(a.tag),
		"vr":  a.vr,
		"tagValueIsPresent": func(tg int, v string) bool {
			s, ok := a.value(tg)
			return ok && s == v
		},
		"tagValueContains": func(tg int, v string) bool {
			s, ok := a.value(tg)
			return ok && strings.Contains(s, v)
		},
		"tagValueBeginWith": func(tg int, v string) bool {
			s, ok := a.value(tg)
			return ok && strings.HasPrefix(s, v)
		},
		"tagValueEndWith": func(tg int, v string) bool {
			s, ok := a.value(tg)
			return ok && strings.HasSuffix(s, v)
		},
		"tagIsPresent": func(tg int) bool {
			_, ok := a.value(tg)
			return ok
		},
		"getString": func(tg int) string {
			s, _ := a.value(tg)
			return s
		},
	}
}

// conditionTypes is the compile-time shape of the expression environment.
var conditionTypes = attributeEnv{original: dcm.NewTree(), current: dcm.NewTree()}.vars()

// Condition is a compiled boolean predicate over one attribute.
type Condition struct {
	source     string
	program    *vm.Program
	err        error
	failClosed bool
}

// CompileCondition compiles src once. An invalid expression is kept so that
// Evaluate can apply the fail-open policy; its error is returned as well.
func CompileCondition(src string, failClosed bool) (*Condition, error) {
	c := &Condition{source: src, failClosed: failClosed}
	rewritten, err := rewriteSymbols(src)
	if err == nil {
		c.program, err = expr.Compile(rewritten, expr.Env(conditionTypes), expr.AsBool())
	}
	if err != nil {
		c.err = fmt.Errorf("condition %q: %w", src, err)
		return c, c.err
	}
	return c, nil
}

// Source returns the expression as written.
func (c *Condition) Source() string { return c.source }

// Evaluate reports whether the condition holds for tg. An expression that
// did not compile or fails at run time evaluates to true unless the profile
// asked for fail-closed conditions.
func (c *Condition) Evaluate(tg dcm.Tag, vr string, original, current *dcm.Tree, logger zerolog.Logger) bool {
	if c.err != nil {
		logger.Warn().Err(c.err).Str("tag", tg.String()).Bool("fail_closed", c.failClosed).Msg("invalid condition")
		return !c.failClosed
	}
	env := attributeEnv{tag: tg, vr: vr, original: original, current: current}
	out, err := expr.Run(c.program, env.vars())
	if err != nil {
		logger.Warn().Err(err).Str("condition", c.source).Str("tag", tg.String()).Msg("condition failed")
		return !c.failClosed
	}
	ok, _ := out.(bool)
	return ok
}
