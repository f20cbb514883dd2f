package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobwatch/internal/api"
)

func newStartCmd() *cobra.Command {
	var (
		req   api.StartRequest
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "start <file>",
		Short: "Start an analysis job for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req.FilePath = args[0]
			resp, err := appInstance.StartJob(cmd.Context(), req)
			if err != nil {
				_ = closeApp(cmd)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.JobID)
			if !watch {
				return nil
			}
			return runWatch(cmd, resp.JobID)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow the job after starting it")
	cmd.Flags().StringVar(&req.DQCPath, "dqc", "", "path of the checklist to evaluate against")
	cmd.Flags().StringVar(&req.User, "user", "", "user recorded as the job owner")
	cmd.Flags().String("listen", "", "with --watch, serve the snapshot mirror on this address")
	return cmd
}
