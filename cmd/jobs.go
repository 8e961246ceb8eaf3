package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/store"
)

var (
	jobsStatus string
	jobsType   string
	jobsQueue  string
	jobsLimit  int
	jobsOffset int
	deadLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the persistent job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListJobRuns(cmd.Context(), store.JobFilter{
			Status: model.JobStatus(jobsStatus),
			Type:   model.JobType(jobsType),
			Queue:  jobsQueue,
			Limit:  jobsLimit,
			Offset: jobsOffset,
		})
		if err != nil {
			return err
		}
		printJobs(cmd.OutOrStdout(), runs)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJobRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDeadLetters(cmd.Context(), deadLimit)
		if err != nil {
			return err
		}
		total, err := st.CountDeadLetters(cmd.Context())
		if err != nil {
			return err
		}
		printDeadLetters(cmd.OutOrStdout(), entries, total)
		return nil
	},
}

func init() {
	f := jobsListCmd.Flags()
	f.StringVar(&jobsStatus, "status", "", "filter by status")
	f.StringVar(&jobsType, "type", "", "filter by job type")
	f.StringVar(&jobsQueue, "queue", "", "filter by queue")
	f.IntVar(&jobsLimit, "limit", 50, "max rows")
	f.IntVar(&jobsOffset, "offset", 0, "skip rows")
	jobsDeadCmd.Flags().IntVar(&deadLimit, "limit", 50, "max rows")

	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsDeadCmd)
	rootCmd.AddCommand(jobsCmd)
}

func printJobs(w io.Writer, runs []model.JobRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tQUEUE\tSTATUS\tATTEMPTS\tRUN AT\tERROR")
	for _, j := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.Queue, j.Status, j.Attempts, j.MaxAttempts,
			j.RunAt.Format(time.RFC3339), truncate(j.Error, 60))
	}
	_ = tw.Flush()
}

func printDeadLetters(w io.Writer, entries []model.DeadLetterEntry, total int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tTYPE\tATTEMPTS\tERROR TYPE\tCREATED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.JobID, e.JobType, e.Attempts, e.ErrorType,
			e.CreatedAt.Format(time.RFC3339), truncate(e.FinalError, 60))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d dead-lettered job(s)\n", total)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
