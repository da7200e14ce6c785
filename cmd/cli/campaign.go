package main

import (
	"fmt"

	"github.com/nimasrn/campaign-pipeline/internal/executor"
	"github.com/spf13/cobra"
)

var (
	campaignID int64
	tenantID   string
	dryRun     bool
	mode       string
	runID      int64
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Start a run of a campaign",
	Long: `Resolve the campaign audience, create one delivery job per recipient and
dispatch them. In sync mode the command returns once every job is final; in
async mode it returns once the jobs are on the work queue.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Executor.Execute(cmd.Context(), executor.ExecuteRequest{
			CampaignID: campaignID,
			TenantID:   tenantID,
			DryRun:     dryRun,
			Mode:       executor.Mode(mode),
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a scheduled or running campaign",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Executor.Cancel(cmd.Context(), tenantID, campaignID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "campaign %d cancelled\n", campaignID)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the counters of a campaign run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.Executor.GetExecutionStats(cmd.Context(), runID)
		if err != nil {
			return err
		}
		return printJSON(cmd, stats)
	},
}

func init() {
	for _, c := range []*cobra.Command{executeCmd, cancelCmd} {
		c.Flags().Int64Var(&campaignID, "campaign", 0, "campaign id")
		c.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
		_ = c.MarkFlagRequired("campaign")
		_ = c.MarkFlagRequired("tenant")
	}
	executeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "only count the audience")
	executeCmd.Flags().StringVar(&mode, "mode", "", "dispatch mode: sync or async (default DISPATCH_MODE)")

	statsCmd.Flags().Int64Var(&runID, "run", 0, "run id")
	_ = statsCmd.MarkFlagRequired("run")
}
