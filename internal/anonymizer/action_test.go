package anonymizer

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
	"dicom-gateway/internal/identity"
)

func testExec(t *testing.T) *Exec {
	t.Helper()
	h, err := identity.NewHMAC(zeroKey, "A1")
	require.NoError(t, err)
	return &Exec{HMAC: h, Audit: zerolog.Nop(), SOPInstanceUID: "1.2.3"}
}

func TestParseAction(t *testing.T) {
	for symbol, want := range map[string]Kind{
		"K": KindKeep, "x": KindRemove, "Z": KindReplaceNull, "D": KindReplace,
		"DDum": KindDefaultDummy, "DDUM": KindDefaultDummy, " U ": KindUID,
	} {
		a, err := ParseAction(symbol)
		require.NoError(t, err, symbol)
		assert.Equal(t, want, a.Kind, symbol)
	}
	_, err := ParseAction("Q")
	assert.Error(t, err)
	_, err = ParseAction("")
	assert.Error(t, err)
}

func TestExecute(t *testing.T) {
	x := testExec(t)

	tests := []struct {
		name   string
		action Action
		tag    dcm.Tag
		want   []string
		gone   bool
	}{
		{"keep", Keep(), dcm.PatientSex, []string{"M"}, false},
		{"remove", Remove(), dcm.PatientSex, nil, true},
		{"replace null", ReplaceNull(), dcm.PatientName, nil, false},
		{"replace with value", Replace("ANON"), dcm.PatientName, []string{"ANON"}, false},
		{"replace with default", Replace(""), dcm.PatientName, []string{"UNKNOWN"}, false},
		{"default dummy date", DefaultDummy(), dcm.PatientBirthDate, []string{"19991111"}, false},
		{"default dummy age", DefaultDummy(), dcm.PatientAge, []string{"045Y"}, false},
		{"shift", Action{Kind: KindShiftDate, Days: 1}, dcm.PatientBirthDate, []string{"19691231"}, false},
		{"date format", Action{Kind: KindDateFormat, Format: FormatRemoveMonthDay}, dcm.StudyDate, []string{"20180101"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree := sampleTree()
			require.NoError(t, tt.action.Execute(tree, tt.tag, x))
			if tt.gone {
				assert.False(t, tree.Contains(tt.tag))
				return
			}
			require.True(t, tree.Contains(tt.tag))
			assert.Equal(t, tt.want, tree.Find(tt.tag).Values)
		})
	}
}

func TestExecute_UIDIsMultiValued(t *testing.T) {
	x := testExec(t)
	tree := dcm.NewTree()
	tree.Set(dcm.NewTag(0x0008, 0x1155), "UI", "1.2.3", "1.2.4")

	require.NoError(t, UID().Execute(tree, dcm.NewTag(0x0008, 0x1155), x))
	values := tree.Strings(dcm.NewTag(0x0008, 0x1155))
	require.Len(t, values, 2)
	assert.Equal(t, x.HMAC.UIDHash("1.2.3"), values[0])
	assert.Equal(t, x.HMAC.UIDHash("1.2.4"), values[1])
}

func TestExecute_AddCreatesAttribute(t *testing.T) {
	x := testExec(t)
	tree := dcm.NewTree()

	require.NoError(t, Add(dcm.PatientIdentityRemoved, "", "YES").Execute(tree, dcm.Modality, x))

	e := tree.Find(dcm.PatientIdentityRemoved)
	require.NotNil(t, e)
	assert.Equal(t, "CS", e.VR, "VR from the dictionary")
	assert.Equal(t, "YES", e.String())
	assert.False(t, tree.Contains(dcm.Modality))
}

func TestExecute_MissingAttributeIsNoop(t *testing.T) {
	x := testExec(t)
	tree := dcm.NewTree()
	for _, a := range []Action{Remove(), ReplaceNull(), Replace("v"), UID()} {
		require.NoError(t, a.Execute(tree, dcm.PatientName, x))
	}
	assert.Equal(t, 0, tree.Len())
}

func TestExecute_InvalidDateIsTransformError(t *testing.T) {
	x := testExec(t)
	tree := dcm.NewTree()
	tree.Set(dcm.StudyDate, "DA", "2018-02")

	err := Action{Kind: KindShiftDate, Days: 1}.Execute(tree, dcm.StudyDate, x)
	assert.True(t, gwerr.IsTransform(err))
	assert.Equal(t, "2018-02", tree.String(dcm.StudyDate))
}

func TestDefaultDummyValue(t *testing.T) {
	x := testExec(t)
	assert.Equal(t, "UNKNOWN", DefaultDummyValue("LO", "x", x.HMAC))
	assert.Equal(t, "0", DefaultDummyValue("DS", "1.5", x.HMAC))
	assert.Equal(t, "111111", DefaultDummyValue("TM", "101010", x.HMAC))
	assert.Equal(t, "19991111111111", DefaultDummyValue("DT", "2018", x.HMAC))
	assert.True(t, strings.HasPrefix(DefaultDummyValue("UI", "1.2.3", x.HMAC), "2.25."))
	assert.Equal(t, "", DefaultDummyValue("UI", "", x.HMAC))
	assert.Equal(t, "", DefaultDummyValue("OB", "x", x.HMAC))
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "X", Remove().String())
	assert.Equal(t, "D(ANON)", Replace("ANON").String())
	assert.Equal(t, "shift-date(days=3,seconds=4)", Action{Kind: KindShiftDate, Days: 3, Seconds: 4}.String())
	assert.True(t, Remove().Removes())
	assert.True(t, ReplaceNull().Removes())
	assert.False(t, Replace("").Removes())
}
