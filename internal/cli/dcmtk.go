package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	dcm "dicom-gateway/internal/dicom"
)

// checkDcmtkStatus checks that a dcmtk tool is installed and offers to
// install dcmtk if it is not.
func checkDcmtkStatus(in io.Reader, out io.Writer, tool string) error {
	if dcm.CheckDcmtkInstalled(tool) {
		return nil
	}

	fmt.Fprintf(out, "Warning: dcmtk (%s) is not installed.\n", tool)
	fmt.Fprintln(out, "dcmtk is required to send to DICOM destinations and to read JPEG-LS files.")
	fmt.Fprintln(out)

	installCmd := getDcmtkInstallCommand()
	if installCmd == "" {
		fmt.Fprintln(out, "Please install dcmtk using your system package manager and try again.")
		return fmt.Errorf("dcmtk is not installed")
	}

	fmt.Fprintf(out, "Install command: %s\n", installCmd)
	fmt.Fprintln(out)
	fmt.Fprint(out, "Would you like to install dcmtk now? [y/N]: ")

	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && response == "" {
		return fmt.Errorf("dcmtk is not installed")
	}
	response = strings.TrimSpace(strings.ToLower(response))
	if response != "y" && response != "yes" {
		fmt.Fprintln(out, "Continuing without dcmtk. DICOM destinations will fail.")
		return nil
	}

	fmt.Fprintln(out, "Installing dcmtk...")
	cmd := exec.Command("bash", "-lc", installCmd)
	cmd.Stdout = out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(out, "Installation failed: %v\n", err)
		return fmt.Errorf("dcmtk installation failed: %w", err)
	}

	if !dcm.CheckDcmtkInstalled(tool) {
		fmt.Fprintln(out, "Installation completed but dcmtk is not in PATH.")
		return fmt.Errorf("dcmtk not found after installation")
	}
	fmt.Fprintln(out, "dcmtk installed successfully!")
	fmt.Fprintln(out)
	return nil
}

// getDcmtkInstallCommand returns the platform-specific installation command
func getDcmtkInstallCommand() string {
	switch runtime.GOOS {
	case "darwin":
		return "brew install dcmtk"
	case "linux":
		return "sudo apt-get update && sudo apt-get install -y dcmtk"
	default:
		return ""
	}
}
