package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gateway"
	"dicom-gateway/internal/progress"
)

// ForwardOptions configures a folder import.
type ForwardOptions struct {
	Input       string
	Node        string
	CallingAET  string
	Hostname    string
	JournalFile string
	Recursive   bool
	RetryFailed bool
	DryRun      bool
}

// NewForwardCommand sends a folder of DICOM files through a forward node.
func NewForwardCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ForwardOptions{}
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Forward a folder of DICOM files through a node",
		Long: `Sends every DICOM file of a folder through a forward node, as if it had
been received from --calling. Progress is kept in a journal next to the
folder so an interrupted run resumes where it stopped.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForward(rootOpts, opts, cmd)
		},
	}
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "input folder (required)")
	cmd.Flags().StringVar(&opts.Node, "node", "", "called AE title of the forward node (required)")
	cmd.Flags().StringVar(&opts.CallingAET, "calling", "IMPORT", "calling AE title checked against the node sources")
	cmd.Flags().StringVar(&opts.Hostname, "host", "", "source hostname checked against the node sources")
	cmd.Flags().StringVarP(&opts.JournalFile, "journal", "j", "", "journal file (default: {parent}/forward_journal.json)")
	cmd.Flags().BoolVarP(&opts.Recursive, "recursive", "r", true, "search subdirectories")
	cmd.Flags().BoolVar(&opts.RetryFailed, "retry", false, "retry files that failed in a previous run")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "list the files without sending")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func runForward(rootOpts *RootOptions, opts *ForwardOptions, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	info, err := os.Stat(opts.Input)
	if err != nil {
		return fmt.Errorf("input folder does not exist: %s", opts.Input)
	}
	if !info.IsDir() {
		return fmt.Errorf("input path is not a directory: %s", opts.Input)
	}
	parent := filepath.Dir(filepath.Clean(opts.Input))
	if opts.JournalFile == "" {
		opts.JournalFile = filepath.Join(parent, "forward_journal.json")
	}

	cfg, logger, err := setup(rootOpts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	comp, err := cfg.Build(logger)
	if err != nil {
		return err
	}
	node, err := comp.Registry.Lookup(opts.Node)
	if err != nil {
		return err
	}
	if needsStoreSCU(node.Destinations) {
		if err := checkDcmtkStatus(cmd.InOrStdin(), out, "storescu"); err != nil {
			return err
		}
	}

	errlog, err := progress.NewErrorLogger(filepath.Join(parent, "forward_errors.log"))
	if err != nil {
		return err
	}
	defer errlog.Close()
	tracker := progress.NewTracker(opts.JournalFile, logger)

	printHeader(out, opts, node)
	if opts.DryRun {
		fmt.Fprintln(out, "\n[DRY RUN MODE]")
	}
	fmt.Fprintln(out)

	pb := newProgressBar(out, 50)
	scp := gateway.NewStoreSCP(comp.Registry, comp.Orchestrator, logger)
	stats, err := gateway.ForwardFolder(cmd.Context(), scp, gateway.BatchOptions{
		Input:       opts.Input,
		Recursive:   opts.Recursive,
		CalledAET:   opts.Node,
		CallingAET:  opts.CallingAET,
		Hostname:    opts.Hostname,
		DryRun:      opts.DryRun,
		RetryFailed: opts.RetryFailed,
	}, tracker, errlog, func(current, total int, filename, status string) {
		pb.update(current, total)
	})
	if err != nil {
		return fmt.Errorf("forwarding failed: %w", err)
	}

	done := stats.Success + stats.Failed + stats.Skipped + stats.Rejected + stats.Filtered
	if done > 0 {
		pb.update(done, stats.Total)
		fmt.Fprintln(out)
	}
	printSummary(out, stats, opts, errlog)
	return nil
}

func needsStoreSCU(dests []*forward.Destination) bool {
	for _, d := range dests {
		if d.Active && d.Type == forward.TypeDICOM {
			return true
		}
	}
	return false
}

func printHeader(w io.Writer, opts *ForwardOptions, node *gateway.Node) {
	fmt.Fprintln(w, "DICOM Gateway")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintf(w, "Input:     %s\n", opts.Input)
	fmt.Fprintf(w, "Node:      %s (from %s)\n", node.AETitle, opts.CallingAET)
	fmt.Fprintf(w, "Journal:   %s\n", opts.JournalFile)

	var names []string
	for _, d := range node.Destinations {
		name := d.Name
		switch {
		case !d.Active:
			name += " (inactive)"
		case d.Deidentify:
			name += " (" + d.Project + ")"
		}
		names = append(names, name)
	}
	fmt.Fprintf(w, "Sending:   %s\n", strings.Join(names, ", "))

	var options []string
	if opts.Recursive {
		options = append(options, "Recursive")
	}
	if opts.RetryFailed {
		options = append(options, "Retry failed")
	}
	if opts.DryRun {
		options = append(options, "Dry run")
	}
	if len(options) > 0 {
		fmt.Fprintf(w, "Options:   %s\n", strings.Join(options, ", "))
	}
}

func printSummary(w io.Writer, stats *gateway.BatchStats, opts *ForwardOptions, errlog *progress.ErrorLogger) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("=", 50))
	if opts.DryRun {
		fmt.Fprintf(w, "%d files would be forwarded\n", stats.Total)
		return
	}
	fmt.Fprintf(w, "Complete! %d forwarded, %d failed, %d skipped\n", stats.Success, stats.Failed, stats.Skipped)
	if stats.Rejected > 0 || stats.Filtered > 0 {
		fmt.Fprintf(w, "Refused:   %d rejected, %d matched no destination\n", stats.Rejected, stats.Filtered)
	}
	if n := stats.Outcomes[forward.PartialFailure]; n > 0 {
		fmt.Fprintf(w, "Partial:   %d files reached only some destinations, run again to retry\n", n)
	}
	fmt.Fprintf(w, "Errors:    %s\n", errlog.Summary())
}

// progressBar draws a terminal progress bar.
type progressBar struct {
	w     io.Writer
	width int
}

func newProgressBar(w io.Writer, width int) *progressBar {
	return &progressBar{w: w, width: width}
}

func (pb *progressBar) update(current, total int) {
	if total == 0 {
		return
	}
	percent := float64(current) / float64(total)
	filled := int(percent * float64(pb.width))
	if filled > pb.width {
		filled = pb.width
	}
	bar := strings.Repeat("#", filled) + strings.Repeat("-", pb.width-filled)
	fmt.Fprintf(pb.w, "\r[%s] %3.0f%%  (%d/%d)", bar, percent*100, current, total)
}
