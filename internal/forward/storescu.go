package forward

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	dcm "dicom-gateway/internal/dicom"
	"dicom-gateway/internal/gwerr"
)

// StoreSCUSender sends objects with a C-STORE through dcmtk storescu.
type StoreSCUSender struct {
	SCU     dcm.StoreSCU
	TempDir string
}

// Send writes obj to a temporary file and runs storescu on it. A non-zero
// exit code is returned as the status.
func (s *StoreSCUSender) Send(ctx context.Context, obj *dcm.Tree) (int, error) {
	f, err := os.CreateTemp(s.TempDir, "forward-*.dcm")
	if err != nil {
		return 0, fmt.Errorf("could not create temp file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	if err := obj.Encode(f); err != nil {
		f.Close()
		return 0, gwerr.Wrap(gwerr.KindTransform, "storescu.encode", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("could not write temp file: %w", err)
	}

	cmd := s.SCU.Command(ctx, path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return exit.ExitCode(), gwerr.Transport("storescu.send", "storescu to %s@%s:%d failed (exit %d): %s",
				s.SCU.CalledAET, s.SCU.Host, s.SCU.Port, exit.ExitCode(), strings.TrimSpace(string(output)))
		}
		return 0, gwerr.Wrap(gwerr.KindTransport, "storescu.send", err)
	}
	return 0, nil
}
