package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobwatch/internal/progress"
	"github.com/JakeFAU/jobwatch/internal/syncer"
)

// Exit codes for watch.
const (
	ExitCompleted   = 0
	ExitFailed      = 1
	ExitUnreachable = 2
	ExitInterrupted = 130
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <job_id>",
		Short: "Follow a job until it completes or fails",
		Long: `Binds to the job and prints one line per progress change. Exits 0 when
the job completes, 1 when it fails, and 2 when its status can no longer be
reached. An interrupt detaches cleanly.`,
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationProgressLines: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0])
		},
	}
	cmd.Flags().String("listen", "", "serve the snapshot mirror on this address (e.g. :9464)")
	return cmd
}

func runWatch(cmd *cobra.Command, jobID string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	snap, err := appInstance.Watch(cmd.Context(), jobID)
	if cerr := closeApp(cmd); cerr != nil && err == nil {
		err = cerr
	}
	return watchOutcome(cmd, jobID, snap, err)
}

func watchOutcome(cmd *cobra.Command, jobID string, snap progress.Snapshot, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(cmd.ErrOrStderr(), "detached from %s at %s %.1f%%\n", jobID, snap.Stage, snap.Progress)
			return &ExitError{Code: ExitInterrupted}
		}
		if errors.Is(err, syncer.ErrUnreachable) {
			return &ExitError{Code: ExitUnreachable, Err: fmt.Errorf("%s unreachable at %s %.1f%%: %w", jobID, snap.Stage, snap.Progress, err)}
		}
		return err
	}
	switch snap.Stage {
	case progress.StageCompleted:
		if snap.HasReport() {
			fmt.Fprintf(cmd.OutOrStdout(), "%s completed, report %s\n", jobID, snap.ReportID)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s completed\n", jobID)
		}
		return nil
	default:
		return &ExitError{Code: ExitFailed, Err: fmt.Errorf("%s %s with %d error(s)", jobID, snap.Stage, len(snap.Errors))}
	}
}
