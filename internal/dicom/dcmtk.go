package dicom

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Transfer Syntax UIDs
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	JPEGLSLossless         = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless     = "1.2.840.10008.1.2.4.81"
)

// IsJPEGLS reports whether the transfer syntax is JPEG-LS.
func IsJPEGLS(ts string) bool {
	ts = strings.TrimSpace(ts)
	return ts == JPEGLSLossless || ts == JPEGLSNearLossless
}

// IsJPEGLSCompressed checks if a DICOM file uses JPEG-LS compression.
func IsJPEGLSCompressed(path string) bool {
	t, err := ReadMetadataOnly(path)
	if err != nil {
		return false
	}
	return IsJPEGLS(t.String(TransferSyntaxUID))
}

// DecompressJPEGLS decompresses a JPEG-LS DICOM file using dcmtk.
// Returns the path to the decompressed temporary file.
func DecompressJPEGLS(inputPath string) (string, error) {
	if _, err := exec.LookPath("dcmdjpls"); err != nil {
		return "", fmt.Errorf("dcmtk not installed (missing dcmdjpls)")
	}

	tempFile, err := os.CreateTemp("", "dicom-*.dcm")
	if err != nil {
		return "", fmt.Errorf("could not create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	tempFile.Close()

	cmd := exec.Command("dcmdjpls", inputPath, tempPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("dcmdjpls failed: %s", strings.TrimSpace(string(output)))
	}

	return tempPath, nil
}

// ReadDecompressed reads path, decompressing JPEG-LS pixel data first so that
// frames can be masked.
func ReadDecompressed(path string) (*Tree, error) {
	if !IsJPEGLSCompressed(path) {
		return ReadFile(path)
	}
	tmp, err := DecompressJPEGLS(path)
	if err != nil {
		return nil, fmt.Errorf("JPEG-LS decompression failed: %w", err)
	}
	defer os.Remove(tmp)
	return ReadFile(tmp)
}

// CheckDcmtkInstalled checks if a dcmtk tool is installed.
// It checks both PATH and common installation directories.
func CheckDcmtkInstalled(tool string) bool {
	_, err := LookupDcmtk(tool)
	return err == nil
}

// LookupDcmtk resolves the path of a dcmtk tool.
func LookupDcmtk(tool string) (string, error) {
	if path, err := exec.LookPath(tool); err == nil {
		return path, nil
	}

	var commonDirs []string
	switch runtime.GOOS {
	case "darwin":
		// Homebrew paths (ARM and Intel)
		commonDirs = []string{"/opt/homebrew/bin", "/usr/local/bin"}
	case "linux":
		commonDirs = []string{"/usr/bin", "/usr/local/bin"}
	case "windows":
		commonDirs = []string{`C:\Program Files\dcmtk\bin`, `C:\dcmtk\bin`}
		tool += ".exe"
	}

	for _, dir := range commonDirs {
		path := dir + string(os.PathSeparator) + tool
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("dcmtk tool %s not found", tool)
}

// StoreSCU describes one C-STORE invocation of dcmtk storescu.
type StoreSCU struct {
	Binary     string
	CallingAET string
	CalledAET  string
	Host       string
	Port       int
	Timeout    int // seconds, 0 keeps the dcmtk default
}

// Args returns the storescu arguments for sending file.
func (s StoreSCU) Args(file string) []string {
	args := []string{"-aet", s.CallingAET, "-aec", s.CalledAET}
	if s.Timeout > 0 {
		args = append(args, "-to", strconv.Itoa(s.Timeout), "-ta", strconv.Itoa(s.Timeout))
	}
	return append(args, s.Host, strconv.Itoa(s.Port), file)
}

// Command builds the exec.Cmd sending file.
func (s StoreSCU) Command(ctx context.Context, file string) *exec.Cmd {
	bin := s.Binary
	if bin == "" {
		bin = "storescu"
	}
	return exec.CommandContext(ctx, bin, s.Args(file)...)
}
