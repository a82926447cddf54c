package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dcm "dicom-gateway/internal/dicom"
)

const testConfig = `log:
  level: error
spool:
  dir: ""
projects:
  - name: LUNG-01
    secret: 00112233445566778899aabbccddeeff
nodes:
  - aet: GATEWAY
    sources:
      - aet: IMPORT
    destinations:
      - name: research
        type: stow
        url: http://127.0.0.1:1/studies
        project: LUNG-01
        default_issuer: HOSPITAL-A
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand("1.2.3")
	require.NotNil(t, cmd)
	assert.Equal(t, "dicom-gateway", cmd.Use)
	assert.Equal(t, "1.2.3", cmd.Version)

	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand("test")
	for _, name := range []string{"serve", "forward", "pull", "check", "pseudonym", "keygen"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestForwardCommandFlags(t *testing.T) {
	cmd := NewRootCommand("test")
	fwd, _, err := cmd.Find([]string{"forward"})
	require.NoError(t, err)

	input := fwd.Flags().Lookup("input")
	require.NotNil(t, input)
	assert.Equal(t, "i", input.Shorthand)
	assert.Equal(t, "true", fwd.Flags().Lookup("recursive").DefValue)
	assert.Equal(t, "n", fwd.Flags().Lookup("dry-run").Shorthand)
}

func TestKeygen(t *testing.T) {
	out, err := execute(t, "keygen")
	require.NoError(t, err)
	key := strings.TrimSpace(out)
	assert.Len(t, key, 32)
}

func TestCheck(t *testing.T) {
	out, err := execute(t, "check", "-c", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Dicom Basic Profile")
	assert.Contains(t, out, "GATEWAY (from IMPORT)")
	assert.Contains(t, out, "project LUNG-01")
	assert.Contains(t, out, "Configuration OK")
}

func TestCheck_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - aet: GATEWAY\n    destinations:\n      - name: x\n        type: ftp\n"), 0o644))

	_, err := execute(t, "check", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type must be")
}

func TestPseudonym_IsStable(t *testing.T) {
	cfg := writeConfig(t)
	args := []string{"pseudonym", "-c", cfg, "-d", "research", "--set", "PatientID=A1", "--set", "PatientName=Doe^John"}

	first, err := execute(t, args...)
	require.NoError(t, err)
	assert.Contains(t, first, "Pseudonym:")
	assert.Contains(t, first, "PatientID:")

	second, err := execute(t, args...)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := execute(t, "pseudonym", "-c", cfg, "-d", "research", "--set", "PatientID=B2")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestPseudonym_UnknownDestination(t *testing.T) {
	_, err := execute(t, "pseudonym", "-c", writeConfig(t), "-d", "nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown destination")
}

func TestForward_DryRun(t *testing.T) {
	input := filepath.Join(t.TempDir(), "study")
	for i, uid := range []string{"1.2.3.1.1", "1.2.3.1.2"} {
		tr := dcm.NewTree()
		tr.Set(dcm.MediaStorageSOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2")
		tr.Set(dcm.MediaStorageSOPInstanceUID, "UI", uid)
		tr.Set(dcm.TransferSyntaxUID, "UI", dcm.ExplicitVRLittleEndian)
		tr.Set(dcm.SOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2")
		tr.Set(dcm.SOPInstanceUID, "UI", uid)
		require.NoError(t, tr.WriteFile(filepath.Join(input, fmt.Sprintf("img%d.dcm", i+1))))
	}

	out, err := execute(t, "forward", "-c", writeConfig(t), "-i", input, "--node", "GATEWAY", "-n")
	require.NoError(t, err)
	assert.Contains(t, out, "[DRY RUN MODE]")
	assert.Contains(t, out, "research (LUNG-01)")
	assert.Contains(t, out, "2 files would be forwarded")
	assert.NoFileExists(t, filepath.Join(filepath.Dir(input), "forward_journal.json"))
}

func TestForward_UnknownNode(t *testing.T) {
	_, err := execute(t, "forward", "-c", writeConfig(t), "-i", t.TempDir(), "--node", "NOWHERE")
	assert.Error(t, err)
}

func TestCheck_Profile(t *testing.T) {
	out, err := execute(t, "check", "-p", filepath.Join("..", "config", "testdata", "profile.yml"))
	require.NoError(t, err)
	assert.Contains(t, out, "research 1.0")

	broken := filepath.Join(t.TempDir(), "broken.yml")
	require.NoError(t, os.WriteFile(broken, []byte("name: broken\nunknownField: 1\n"), 0o644))
	out, err = execute(t, "check", "-p", broken)
	assert.Error(t, err)
	assert.Contains(t, out, "FAILED")
}
