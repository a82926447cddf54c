package anonymizer

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
)

func TestLoad(t *testing.T) {
	p, err := Load("testdata/profile.yml", zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "research-ct", p.Name())
	assert.Equal(t, "1.2", p.Version())
	assert.Equal(t,
		"action.on.specific.tags-action.on.privatetags-action.on.dates-basic.dicom.profile-clean.pixel.data",
		p.Codenames())
	require.Len(t, p.Rules(), 5)
	assert.NotNil(t, p.Rules()[0].Condition())

	require.NotNil(t, p.Mask("US-ROOM-2"))
	assert.Len(t, p.Mask("US-ROOM-2").Rects, 2)
	assert.Equal(t, DefaultMaskStation, p.Mask("CT01").StationName)
}

func TestLoad_ProfileBehaviour(t *testing.T) {
	p, err := Load("testdata/profile.yml", zerolog.Nop())
	require.NoError(t, err)

	tree := sampleTree()
	tree.Set(dcm.NewTag(0x0029, 0x1010), "OB", "vendor")
	tree.Set(dcm.NewTag(0x0029, 0x1020), "OB", "other")
	apply(t, p, tree)

	assert.Equal(t, "HEAD W/O", tree.String(seriesDescription))
	assert.False(t, tree.Contains(dcm.NewTag(0x0009, 0x1001)))
	assert.False(t, tree.Contains(dcm.NewTag(0x0029, 0x1020)))
	// Excluded from the private tag rule, then removed by the basic profile.
	assert.False(t, tree.Contains(dcm.NewTag(0x0029, 0x1010)))
	assert.NotEqual(t, "20180209", tree.String(dcm.StudyDate))
	assert.NotEmpty(t, tree.String(dcm.StudyDate))
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	_, err := Load("testdata/unknown_field.yml", zerolog.Nop())
	require.Error(t, err)
	assert.True(t, gwerr.IsConfiguration(err))
	assert.Contains(t, err.Error(), "profileElement")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/nope.yml", zerolog.Nop())
	require.Error(t, err)
	assert.True(t, gwerr.IsConfiguration(err))
}

func TestBuild_AggregatesErrors(t *testing.T) {
	doc := `
name: broken
profileElements:
  - name: first
    codename: basic.dicom.profile
    position: 1
  - name: second
    codename: basic.dicom.profile
    position: 1
  - name: range
    codename: action.on.dates
    option: shift_range
    position: 2
    arguments:
      min_days: "10"
      max_days: "1"
      max_seconds: "0"
`
	def, err := DecodeDefinition(strings.NewReader(doc))
	require.NoError(t, err)

	_, err = Build(def, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, gwerr.IsConfiguration(err))
	assert.Contains(t, err.Error(), "position 1 already used")
	assert.Contains(t, err.Error(), "minimum is greater than maximum")
}

func TestBuild_DefaultDefinition(t *testing.T) {
	p, err := Build(DefaultDefinition(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, CodeBasicProfile, p.Codenames())
}
