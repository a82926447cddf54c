package dicom

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ReadFile reads a DICOM file and returns its attribute tree.
func ReadFile(path string) (*Tree, error) {
	return readFile(path)
}

// ReadMetadataOnly reads only the metadata (no pixel data).
func ReadMetadataOnly(path string) (*Tree, error) {
	return readFile(path, dicom.SkipPixelData())
}

func readFile(path string, opts ...dicom.ParseOption) (*Tree, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat file: %w", err)
	}

	return Decode(file, info.Size(), opts...)
}

// DecodeBytes parses an in-memory DICOM object.
func DecodeBytes(data []byte) (*Tree, error) {
	return Decode(bytes.NewReader(data), int64(len(data)))
}

// Decode parses a DICOM stream of the given size.
func Decode(r io.Reader, size int64, opts ...dicom.ParseOption) (*Tree, error) {
	ds, err := dicom.Parse(r, size, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not parse DICOM: %w", err)
	}
	return fromElements(ds.Elements), nil
}

func fromElements(elems []*dicom.Element) *Tree {
	t := NewTree()
	for _, el := range elems {
		if el == nil {
			continue
		}
		t.Put(fromElement(el))
	}
	return t
}

func fromElement(el *dicom.Element) *Element {
	e := &Element{
		Tag:       FromLibTag(el.Tag),
		VR:        el.RawValueRepresentation,
		undefined: el.ValueLength == tag.VLUndefinedLength,
	}
	if e.VR == "" {
		e.VR = e.Tag.DictionaryVR()
	}
	if el.Value == nil {
		return e
	}

	switch v := el.Value.GetValue().(type) {
	case []string:
		e.Values = append([]string(nil), v...)
	case []int:
		e.native = el.Value
		e.Values = make([]string, len(v))
		for i, n := range v {
			e.Values[i] = strconv.Itoa(n)
		}
	case []float64:
		e.native = el.Value
		e.Values = make([]string, len(v))
		for i, f := range v {
			e.Values[i] = strconv.FormatFloat(f, 'g', -1, 64)
		}
	case []*dicom.SequenceItemValue:
		e.VR = "SQ"
		for _, item := range v {
			children, _ := item.GetValue().([]*dicom.Element)
			e.Items = append(e.Items, fromElements(children))
		}
	default:
		// Bytes and pixel data have no textual form.
		e.native = el.Value
	}
	return e
}
