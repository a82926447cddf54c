package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/identity"
)

func TestShiftValue(t *testing.T) {
	tests := []struct {
		vr, in        string
		days, seconds int
		want          string
	}{
		{"DA", "20180209", 5, 0, "20180204"},
		{"DA", "2018.02.09", 5, 0, "20180204"},
		{"DA", "20180301", 1, 0, "20180228"},
		{"TM", "101010", 0, 10, "101000"},
		{"TM", "000010", 0, 20, "235950"},
		{"TM", "1010", 0, 60, "100900"},
		{"TM", "101010.123", 0, 10, "101000.123"},
		{"DT", "20180209101010", 1, 10, "20180208101000"},
		{"DT", "20180209101010.5+0100", 0, 10, "20180209101000.5+0100"},
		{"DT", "2018", 1, 0, "2017"},
		{"DT", "201802", 1, 0, "201801"},
		{"DT", "20180209", 1, 0, "20180208"},
		{"DT", "201802091010", 0, 60, "201802091009"},
		{"DT", "2018020910+0100", 1, 0, "2018020810+0100"},
		{"AS", "043Y", 365, 0, "044Y"},
		{"AS", "010M", 60, 0, "012M"},
		{"AS", "003W", 14, 0, "005W"},
		{"AS", "010D", 3, 0, "013D"},
	}
	for _, tt := range tests {
		t.Run(tt.vr+"_"+tt.in, func(t *testing.T) {
			got, err := ShiftValue(tt.vr, tt.in, tt.days, tt.seconds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestShiftValue_Invalid(t *testing.T) {
	for _, tt := range []struct{ vr, in string }{
		{"DA", "2018020"},
		{"DA", "notadate"},
		{"TM", "25"},
		{"DT", "201"},
		{"AS", "43Y"},
		{"AS", "043X"},
		{"LO", "20180209"},
	} {
		_, err := ShiftValue(tt.vr, tt.in, 1, 1)
		assert.Error(t, err, "%s %s", tt.vr, tt.in)
	}
}

func TestFormatDate(t *testing.T) {
	got, err := FormatDate("DA", "20180209", FormatRemoveDay)
	require.NoError(t, err)
	assert.Equal(t, "20180201", got)

	got, err = FormatDate("DA", "20180209", FormatRemoveMonthDay)
	require.NoError(t, err)
	assert.Equal(t, "20180101", got)

	got, err = FormatDate("DT", "20180209101010", FormatRemoveDay)
	require.NoError(t, err)
	assert.Equal(t, "20180201101010", got)

	got, err = FormatDate("TM", "101010", FormatRemoveDay)
	require.NoError(t, err)
	assert.Equal(t, "101010", got, "other VRs pass through")

	_, err = FormatDate("DA", "2018", FormatRemoveDay)
	assert.Error(t, err)
}

func TestDateRule_Shift(t *testing.T) {
	p := newProfile(t, ElementDefinition{
		Name:      "shift dates",
		Codename:  CodeDates,
		Option:    "shift",
		Arguments: map[string]string{"days": "5", "seconds": "0"},
	})
	tree := sampleTree()
	apply(t, p, tree)

	assert.Equal(t, "20180204", tree.String(dcm.StudyDate))
	assert.Equal(t, "19691227", tree.String(dcm.PatientBirthDate))
	assert.Equal(t, "043Y", tree.String(dcm.PatientAge), "5 days is less than a year")
}

func TestDateRule_ExcludedTags(t *testing.T) {
	p := newProfile(t, ElementDefinition{
		Name:         "shift dates",
		Codename:     CodeDates,
		Option:       "shift",
		ExcludedTags: []string{"PatientBirthDate"},
		Arguments:    map[string]string{"days": "5", "seconds": "0"},
	})
	tree := sampleTree()
	apply(t, p, tree)

	assert.Equal(t, "20180204", tree.String(dcm.StudyDate))
	assert.Equal(t, "19700101", tree.String(dcm.PatientBirthDate))
}

func TestDateRule_ShiftRangeIsStablePerPatient(t *testing.T) {
	p := newProfile(t, ElementDefinition{
		Name:      "shift range",
		Codename:  CodeDates,
		Option:    "shift_range",
		Arguments: map[string]string{"max_days": "30", "max_seconds": "0"},
	})

	first, second := sampleTree(), sampleTree()
	apply(t, p, first)
	apply(t, p, second)
	assert.Equal(t, first.String(dcm.StudyDate), second.String(dcm.StudyDate))

	h, err := identity.NewHMAC(zeroKey, "A1")
	require.NoError(t, err)
	days, err := h.ScaleHash("A1", 0, 30)
	require.NoError(t, err)
	want, err := ShiftValue("DA", "20180209", days, 0)
	require.NoError(t, err)
	assert.Equal(t, want, first.String(dcm.StudyDate))
}

func TestDateRule_DateFormat(t *testing.T) {
	p := newProfile(t, ElementDefinition{
		Name:      "month only",
		Codename:  CodeDates,
		Option:    "date_format",
		Arguments: map[string]string{"remove": FormatRemoveDay},
	})
	tree := sampleTree()
	apply(t, p, tree)
	assert.Equal(t, "20180201", tree.String(dcm.StudyDate))
	assert.Equal(t, "043Y", tree.String(dcm.PatientAge))
}

func TestDateRule_InvalidValueIsLeftUnmodified(t *testing.T) {
	p := newProfile(t, ElementDefinition{
		Name:      "shift dates",
		Codename:  CodeDates,
		Option:    "shift",
		Arguments: map[string]string{"days": "5", "seconds": "0"},
	})
	tree := sampleTree()
	tree.Set(dcm.StudyDate, "DA", "garbage")
	apply(t, p, tree)
	assert.Equal(t, "garbage", tree.String(dcm.StudyDate))
}

func TestDateOption_Validation(t *testing.T) {
	for name, tt := range map[string]struct {
		option string
		args   map[string]string
	}{
		"no option":        {"", nil},
		"unknown option":   {"jitter", nil},
		"shift no seconds": {"shift", map[string]string{"days": "1"}},
		"shift not int":    {"shift", map[string]string{"days": "one", "seconds": "0"}},
		"range no max":     {"shift_range", map[string]string{"max_days": "1"}},
		"range inverted":   {"shift_range", map[string]string{"min_days": "5", "max_days": "1", "max_seconds": "0"}},
		"format missing":   {"date_format", nil},
		"format unknown":   {"date_format", map[string]string{"remove": "remove_year"}},
	} {
		_, err := dateOption(tt.option, tt.args)
		assert.Error(t, err, name)
	}

	build, err := dateOption("shift_range", map[string]string{"min_days": "2", "max_days": "2", "max_seconds": "0"})
	require.NoError(t, err)
	h, err := identity.NewHMAC(zeroKey, "A1")
	require.NoError(t, err)
	act, err := build(h)
	require.NoError(t, err)
	assert.Equal(t, KindShiftRangeDate, act.Kind)
	assert.Equal(t, 2, act.Days)
	assert.Equal(t, 0, act.Seconds)
}
