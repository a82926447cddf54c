package dicom

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Encode writes the tree as a DICOM Part 10 stream.
func (t *Tree) Encode(w io.Writer) error {
	t.syncFileMeta()

	ds, err := t.dataset()
	if err != nil {
		return err
	}

	// Write DICOM with relaxed verification (many real-world DICOM files
	// don't strictly follow VR specifications)
	if err := dicom.Write(w, ds,
		dicom.SkipVRVerification(),
		dicom.SkipValueTypeVerification(),
		dicom.DefaultMissingTransferSyntax(),
	); err != nil {
		return fmt.Errorf("could not write DICOM: %w", err)
	}
	return nil
}

// Bytes encodes the tree in memory.
func (t *Tree) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile encodes the tree to outputPath, creating parent directories.
func (t *Tree) WriteFile(outputPath string) error {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("could not create output file: %w", err)
	}
	if err := t.Encode(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// syncFileMeta keeps the file meta header consistent with the dataset after
// UIDs were rewritten.
func (t *Tree) syncFileMeta() {
	if uid := t.String(SOPInstanceUID); uid != "" && t.Contains(MediaStorageSOPInstanceUID) {
		t.Set(MediaStorageSOPInstanceUID, "UI", uid)
	}
	if uid := t.String(SOPClassUID); uid != "" && t.Contains(MediaStorageSOPClassUID) {
		t.Set(MediaStorageSOPClassUID, "UI", uid)
	}
}

func (t *Tree) dataset() (dicom.Dataset, error) {
	elems, err := toElements(t)
	if err != nil {
		return dicom.Dataset{}, err
	}
	return dicom.Dataset{Elements: elems}, nil
}

func toElements(t *Tree) ([]*dicom.Element, error) {
	out := make([]*dicom.Element, 0, len(t.elems))
	for _, e := range t.elems {
		el, err := toElement(e)
		if err != nil {
			return nil, fmt.Errorf("element %s: %w", e.Tag, err)
		}
		out = append(out, el)
	}
	return out, nil
}

func toElement(e *Element) (*dicom.Element, error) {
	value, err := e.libValue()
	if err != nil {
		return nil, err
	}

	el := &dicom.Element{
		Tag:                    e.Tag.Lib(),
		ValueRepresentation:    tag.GetVRKind(e.Tag.Lib(), e.VR),
		RawValueRepresentation: e.VR,
		Value:                  value,
	}
	if e.IsSequence() || (e.undefined && e.native != nil) {
		el.ValueLength = tag.VLUndefinedLength
	}
	return el, nil
}

func (e *Element) libValue() (dicom.Value, error) {
	if e.native != nil {
		return e.native, nil
	}

	switch {
	case e.IsSequence():
		items := make([][]*dicom.Element, 0, len(e.Items))
		for _, item := range e.Items {
			elems, err := toElements(item)
			if err != nil {
				return nil, err
			}
			items = append(items, elems)
		}
		return dicom.NewValue(items)

	case isIntVR(e.VR):
		ints := make([]int, 0, len(e.Values))
		for _, s := range e.Values {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("value %q is not an integer for VR %s", s, e.VR)
			}
			ints = append(ints, n)
		}
		return dicom.NewValue(ints)

	case e.VR == "FL" || e.VR == "FD":
		floats := make([]float64, 0, len(e.Values))
		for _, s := range e.Values {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("value %q is not a float for VR %s", s, e.VR)
			}
			floats = append(floats, f)
		}
		return dicom.NewValue(floats)

	case isBytesVR(e.VR):
		return dicom.NewValue([]byte(e.String()))
	}

	values := e.Values
	if values == nil {
		values = []string{}
	}
	return dicom.NewValue(values)
}

func isIntVR(vr string) bool {
	switch vr {
	case "US", "SS", "UL", "SL", "AT":
		return true
	}
	return false
}

func isBytesVR(vr string) bool {
	switch vr {
	case "OB", "OW", "OF", "OD", "OL", "OV", "UN":
		return true
	}
	return false
}
