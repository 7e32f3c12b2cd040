package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/example/appt-scheduler/internal/app"
	"github.com/example/appt-scheduler/internal/classify"
	"github.com/example/appt-scheduler/internal/jobs"
	"github.com/spf13/cobra"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage monitoring jobs (non-UI)",
	}
	cmd.AddCommand(newJobCreateCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobStopCmd())
	cmd.AddCommand(newJobEventsCmd())
	return cmd
}

func newJobCreateCmd() *cobra.Command {
	var (
		profileID   string
		service     string
		interval    time.Duration
		maxAttempts int
		autoBook    bool
	)

	c := &cobra.Command{
		Use:   "create",
		Short: "Create a job that watches for appointments for a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.CreateJob(ctx, app.JobRequest{
				ProfileID:   profileID,
				Service:     classify.Tag(service),
				Interval:    interval,
				MaxAttempts: maxAttempts,
				AutoBook:    autoBook,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job id=%s service=%s interval=%s max_attempts=%d\n",
				j.ID, j.Service.Tag, j.Interval, j.MaxAttempts)
			return nil
		},
	}

	c.Flags().StringVar(&profileID, "profile-id", "", "profile to book for")
	c.Flags().StringVar(&service, "service", "", "service tag; defaults to the profile's recommendation")
	c.Flags().DurationVar(&interval, "interval", 5*time.Minute, "time between checks")
	c.Flags().IntVar(&maxAttempts, "max-attempts", 100, "give up after this many attempts")
	c.Flags().BoolVar(&autoBook, "auto-book", false, "book the first matching slot instead of only reporting it")
	_ = c.MarkFlagRequired("profile-id")
	return c
}

func newJobListCmd() *cobra.Command {
	var (
		profileID string
		statuses  string
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := jobs.Filter{ProfileID: profileID}
			for _, s := range splitCSV(statuses) {
				st := jobs.Status(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}

			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			js, err := a.Machine.List(ctx, f)
			if err != nil {
				return err
			}
			for _, j := range js {
				line := fmt.Sprintf("id=%s profile=%s service=%s status=%s attempts=%d/%d",
					j.ID, j.ProfileID, j.Service.Tag, j.Status, j.Attempts, j.MaxAttempts)
				if j.Appointment != nil {
					line += fmt.Sprintf(" appointment=%q", j.Appointment.Location+" "+j.Appointment.String())
				}
				if j.LastError != "" {
					line += fmt.Sprintf(" last_error=%q", j.LastError)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
	c.Flags().StringVar(&profileID, "profile-id", "", "only jobs for this profile")
	c.Flags().StringVar(&statuses, "status", "", "comma-separated statuses")
	return c
}

func newJobStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop JOB_ID",
		Short: "Stop a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.StopJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", j.ID, j.Status)
			return nil
		},
	}
}

func newJobEventsCmd() *cobra.Command {
	var (
		since int64
		limit int
	)
	c := &cobra.Command{
		Use:   "events JOB_ID",
		Short: "Print a job's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			evs, err := a.Machine.Events(ctx, args[0], since, limit)
			if err != nil {
				return err
			}
			for _, e := range evs {
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s %-7s %-10s %s\n",
					e.Seq, e.Time.Format(time.RFC3339), e.Level, e.Kind, e.Message)
			}
			return nil
		},
	}
	c.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	c.Flags().IntVar(&limit, "limit", 0, "maximum events to print (0 for all)")
	return c
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
