package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/deadonfilm/enrich-cli/internal/model"
	"github.com/deadonfilm/enrich-cli/internal/queue"
)

var (
	enqueuePayload  string
	enqueueSubject  int64
	enqueuePriority int
	enqueueDelay    time.Duration
	enqueueAttempts int
	enqueueDryRun   bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <job-type>",
	Short: "Submit a job to the persistent queue",
	Long:  "Validates the payload against the job type's schema and records the job. A running worker picks it up.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		jobType := model.JobType(args[0])

		payload, err := enqueuePayloadFor(jobType)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rt := queue.New(queue.ConfigFromApp(cfg), st)
		job, err := rt.Enqueue(ctx, queue.EnqueueRequest{
			Type:        jobType,
			Payload:     payload,
			Priority:    enqueuePriority,
			Delay:       enqueueDelay,
			MaxAttempts: enqueueAttempts,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", job.ID, job.Type, job.Status)
		return nil
	},
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqueuePayload, "payload", "", "raw JSON payload")
	f.Int64Var(&enqueueSubject, "subject", 0, "subject id for enrich_subject jobs")
	f.BoolVar(&enqueueDryRun, "dry-run", false, "mark an enrich_subject job as dry run")
	f.IntVar(&enqueuePriority, "priority", 0, "lower runs first")
	f.DurationVar(&enqueueDelay, "delay", 0, "run no earlier than this from now")
	f.IntVar(&enqueueAttempts, "max-attempts", 0, "attempts before dead-lettering (default from config)")
	rootCmd.AddCommand(enqueueCmd)
}

// enqueuePayloadFor builds the payload from --payload, or from --subject
// for enrich_subject jobs.
func enqueuePayloadFor(t model.JobType) (json.RawMessage, error) {
	if enqueuePayload != "" {
		if !json.Valid([]byte(enqueuePayload)) {
			return nil, eris.New("--payload is not valid JSON")
		}
		return json.RawMessage(enqueuePayload), nil
	}
	switch t {
	case model.JobTypeEnrichSubject:
		if enqueueSubject <= 0 {
			return nil, eris.New("enrich_subject needs --subject or --payload")
		}
		return json.Marshal(queue.EnrichSubjectPayload{SubjectID: enqueueSubject, DryRun: enqueueDryRun})
	case model.JobTypePruneCache:
		return json.RawMessage("{}"), nil
	}
	return nil, eris.Errorf("%s needs --payload", t)
}
