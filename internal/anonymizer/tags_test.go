package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcm "dicom-gateway/internal/dicom"
)

func TestParseTagPattern(t *testing.T) {
	p, err := ParseTagPattern("(50xx,xxxx)")
	require.NoError(t, err)
	assert.False(t, p.Exact())
	assert.True(t, p.Match(dcm.NewTag(0x5000, 0x3000)))
	assert.True(t, p.Match(dcm.NewTag(0x50FE, 0x0001)))
	assert.False(t, p.Match(dcm.NewTag(0x5100, 0x3000)))
	assert.Equal(t, "(50xx,xxxx)", p.String())

	p, err = ParseTagPattern("PatientName")
	require.NoError(t, err)
	assert.True(t, p.Exact())
	assert.Equal(t, "(0010,0010)", p.String())

	p, err = ParseTagPattern("0010,0020")
	require.NoError(t, err)
	assert.True(t, p.Match(dcm.PatientID))

	for _, bad := range []string{"(50xx,xxGx)", "NotATag", ""} {
		_, err := ParseTagPattern(bad)
		assert.Error(t, err, bad)
	}
}

func TestTagSet(t *testing.T) {
	s, errs := NewTagSet([]string{"PatientName", "(60xx,3000)", "bogus"})
	require.Len(t, errs, 1)
	assert.False(t, s.Empty())
	assert.True(t, s.Contains(dcm.PatientName))
	assert.True(t, s.Contains(dcm.NewTag(0x6002, 0x3000)))
	assert.False(t, s.Contains(dcm.PatientID))

	empty, errs := NewTagSet(nil)
	assert.Empty(t, errs)
	assert.True(t, empty.Empty())
	assert.False(t, empty.Contains(dcm.PatientName))
}

func TestBasicProfileAction(t *testing.T) {
	tests := []struct {
		tag  dcm.Tag
		want Kind
		ok   bool
	}{
		{dcm.PatientName, KindReplaceNull, true},
		{dcm.SOPInstanceUID, KindUID, true},
		{dcm.StudyInstanceUID, KindUID, true},
		{dcm.StudyDate, KindReplaceNull, true},
		{dcm.PatientAge, KindRemove, true},
		{dcm.StationName, KindRemove, true},
		{dcm.NewTag(0x5002, 0x2000), KindRemove, true},
		{dcm.NewTag(0x6004, 0x4000), KindRemove, true},
		{dcm.NewTag(0x0011, 0x1010), KindRemove, true},
		{dcm.Modality, 0, false},
		{dcm.NewTag(0x6000, 0x0010), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.tag.String(), func(t *testing.T) {
			got, ok := BasicProfileAction(tt.tag)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got.Kind)
			}
		})
	}
}

func TestBasicProfileTable_NoDuplicates(t *testing.T) {
	seen := make(map[dcm.Tag]bool)
	for _, e := range basicProfileTable {
		assert.False(t, seen[e.tag], "duplicate %s", e.tag)
		seen[e.tag] = true
	}
}

func TestCollapseCode(t *testing.T) {
	assert.Equal(t, KindReplaceNull, collapseCode("Z").Kind)
	assert.Equal(t, KindReplaceNull, collapseCode("Z/D").Kind)
	assert.Equal(t, KindReplace, collapseCode("D").Kind)
	assert.Equal(t, KindUID, collapseCode("U").Kind)
	assert.Equal(t, KindKeep, collapseCode("K").Kind)
	assert.Equal(t, KindRemove, collapseCode("X/Z/U*").Kind)
}
