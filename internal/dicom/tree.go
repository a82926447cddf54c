package dicom

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Tag is a DICOM attribute tag packed as group<<16 | element.
type Tag uint32

// NewTag packs a group and element number.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

// FromLibTag converts a dictionary tag.
func FromLibTag(t tag.Tag) Tag {
	return NewTag(t.Group, t.Element)
}

// Group returns the group number.
func (t Tag) Group() uint16 { return uint16(t >> 16) }

// Element returns the element number.
func (t Tag) Element() uint16 { return uint16(t) }

// IsPrivate reports whether the tag belongs to an odd (private) group.
func (t Tag) IsPrivate() bool { return t.Group()%2 == 1 }

// IsFileMeta reports whether the tag belongs to the file meta group (0002).
func (t Tag) IsFileMeta() bool { return t.Group() == 0x0002 }

// Lib converts to the dictionary tag type.
func (t Tag) Lib() tag.Tag { return tag.Tag{Group: t.Group(), Element: t.Element()} }

// String formats the tag as (gggg,eeee).
func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

// Keyword returns the dictionary keyword, or "" for unknown and private tags.
func (t Tag) Keyword() string {
	info, err := tag.Find(t.Lib())
	if err != nil {
		return ""
	}
	return info.Name
}

// DictionaryVR returns the VR registered for the tag, or "UN".
func (t Tag) DictionaryVR() string {
	info, err := tag.Find(t.Lib())
	if err != nil || info.VR == "" {
		return "UN"
	}
	// Dictionary entries such as "US or SS" keep the first choice.
	if i := strings.Index(info.VR, " "); i > 0 {
		return info.VR[:i]
	}
	return info.VR
}

// ParseTag parses "(0010,0010)", "0010,0010", "00100010" or a dictionary
// keyword such as "PatientName".
func ParseTag(s string) (Tag, error) {
	s = strings.TrimSpace(s)
	hex := strings.NewReplacer("(", "", ")", "", ",", "", " ", "").Replace(s)
	if len(hex) == 8 {
		if v, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return Tag(v), nil
		}
	}
	info, err := tag.FindByName(s)
	if err != nil {
		return 0, fmt.Errorf("unknown tag %q", s)
	}
	return FromLibTag(info.Tag), nil
}

// Element is one attribute of a Tree.
type Element struct {
	Tag Tag
	VR  string

	// Values holds the textual values. Numeric values are rendered in decimal.
	Values []string

	// Items holds the nested datasets of a sequence (VR SQ).
	Items []*Tree

	// native keeps the decoded value for binary, numeric and pixel data
	// elements. It is dropped as soon as Values are overwritten.
	native    dicom.Value
	undefined bool
}

// NewNativeElement wraps a decoded library value such as pixel data.
func NewNativeElement(tg Tag, vr string, v dicom.Value) *Element {
	return &Element{Tag: tg, VR: vr, native: v}
}

// String returns the values joined with the DICOM multi-value separator.
func (e *Element) String() string {
	return strings.Join(e.Values, `\`)
}

// IsSequence reports whether the element holds nested items.
func (e *Element) IsSequence() bool { return e.VR == "SQ" }

// IsBinary reports whether the element carries a value with no textual form.
func (e *Element) IsBinary() bool {
	return e.native != nil && e.Values == nil
}

// Native returns the decoded library value, if any.
func (e *Element) Native() dicom.Value { return e.native }

// SetValues overwrites the element values.
func (e *Element) SetValues(values ...string) {
	e.Values = values
	e.native = nil
}

func (e *Element) clone() *Element {
	c := &Element{
		Tag:       e.Tag,
		VR:        e.VR,
		native:    e.native,
		undefined: e.undefined,
	}
	if e.Values != nil {
		c.Values = append([]string(nil), e.Values...)
	}
	for _, item := range e.Items {
		c.Items = append(c.Items, item.Clone())
	}
	return c
}

// Tree is an ordered set of attributes. Sequence elements nest further trees.
// A Tree is not safe for concurrent use.
type Tree struct {
	elems []*Element
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

// Len returns the number of top-level elements.
func (t *Tree) Len() int { return len(t.elems) }

// Elements returns a snapshot of the top-level elements in tag order.
// Mutating the tree does not affect the returned slice.
func (t *Tree) Elements() []*Element {
	return append([]*Element(nil), t.elems...)
}

// Tags returns the top-level tags in order.
func (t *Tree) Tags() []Tag {
	tags := make([]Tag, len(t.elems))
	for i, e := range t.elems {
		tags[i] = e.Tag
	}
	return tags
}

func (t *Tree) index(tg Tag) (int, bool) {
	i := sort.Search(len(t.elems), func(i int) bool { return t.elems[i].Tag >= tg })
	return i, i < len(t.elems) && t.elems[i].Tag == tg
}

// Find returns the element for tg, or nil.
func (t *Tree) Find(tg Tag) *Element {
	if i, ok := t.index(tg); ok {
		return t.elems[i]
	}
	return nil
}

// Contains reports whether tg is present.
func (t *Tree) Contains(tg Tag) bool {
	_, ok := t.index(tg)
	return ok
}

// String returns the first value of tg, or "" when absent.
func (t *Tree) String(tg Tag) string {
	e := t.Find(tg)
	if e == nil || len(e.Values) == 0 {
		return ""
	}
	return strings.TrimSpace(e.Values[0])
}

// Strings returns every value of tg.
func (t *Tree) Strings(tg Tag) []string {
	e := t.Find(tg)
	if e == nil {
		return nil
	}
	return e.Values
}

// Int returns the first value of tg as an integer, or 0.
func (t *Tree) Int(tg Tag) int {
	v, err := strconv.Atoi(t.String(tg))
	if err != nil {
		return 0
	}
	return v
}

// Items returns the nested items of a sequence element.
func (t *Tree) Items(tg Tag) []*Tree {
	e := t.Find(tg)
	if e == nil {
		return nil
	}
	return e.Items
}

// Put inserts or replaces e keeping tag order.
func (t *Tree) Put(e *Element) {
	i, ok := t.index(e.Tag)
	if ok {
		t.elems[i] = e
		return
	}
	t.elems = append(t.elems, nil)
	copy(t.elems[i+1:], t.elems[i:])
	t.elems[i] = e
}

// Set creates or overwrites tg with the given VR and values.
func (t *Tree) Set(tg Tag, vr string, values ...string) *Element {
	if e := t.Find(tg); e != nil {
		e.VR = vr
		e.Items = nil
		e.SetValues(values...)
		return e
	}
	e := &Element{Tag: tg, VR: vr, Values: values}
	t.Put(e)
	return e
}

// SetString sets a single value, keeping the existing VR or using the
// dictionary VR for new elements.
func (t *Tree) SetString(tg Tag, value string) *Element {
	vr := tg.DictionaryVR()
	if e := t.Find(tg); e != nil {
		vr = e.VR
	}
	return t.Set(tg, vr, value)
}

// SetItems replaces the sequence items of tg.
func (t *Tree) SetItems(tg Tag, items ...*Tree) *Element {
	e := t.Find(tg)
	if e == nil {
		e = &Element{Tag: tg, VR: "SQ", undefined: true}
		t.Put(e)
	}
	e.VR = "SQ"
	e.Values = nil
	e.native = nil
	e.Items = items
	return e
}

// Remove deletes tg and reports whether it was present.
func (t *Tree) Remove(tg Tag) bool {
	i, ok := t.index(tg)
	if !ok {
		return false
	}
	t.elems = append(t.elems[:i], t.elems[i+1:]...)
	return true
}

// Clone returns a deep copy. Native binary values are shared.
func (t *Tree) Clone() *Tree {
	c := &Tree{elems: make([]*Element, len(t.elems))}
	for i, e := range t.elems {
		c.elems[i] = e.clone()
	}
	return c
}

// SOPInstanceUID returns (0008,0018).
func (t *Tree) SOPInstanceUID() string { return t.String(SOPInstanceUID) }

// SOPClassUID returns (0008,0016).
func (t *Tree) SOPClassUID() string { return t.String(SOPClassUID) }
