// Command swarmq is a command line tool to inspect and manage swarmq
// queues. The Redis connection is taken from the SWARMQ_REDIS_URI
// environment variable (a .env file is honored) or the --uri flag.
package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/priyansh/swarmq"
	"github.com/spf13/cobra"
)

type connConfig struct {
	RedisURI string `env:"SWARMQ_REDIS_URI" envDefault:"redis://localhost:6379"`
}

var flagURI string

// connOpt resolves the Redis connection from the flag, the environment
// and an optional .env file, in that order of precedence.
func connOpt() (swarmq.RedisConnOpt, error) {
	if flagURI != "" {
		return swarmq.ParseRedisURI(flagURI)
	}
	_ = godotenv.Load()
	var cfg connConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	return swarmq.ParseRedisURI(cfg.RedisURI)
}

func newInspector() (*swarmq.Inspector, error) {
	opt, err := connOpt()
	if err != nil {
		return nil, err
	}
	return swarmq.NewInspector(opt)
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func main() {
	root := &cobra.Command{
		Use:          "swarmq",
		Short:        "A tool to inspect and manage swarmq queues",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagURI, "uri", "", "Redis connection URI (overrides SWARMQ_REDIS_URI)")

	root.AddCommand(
		statsCmd(),
		queuesCmd(),
		jobsCmd(),
		jobCmd(),
		serversCmd(),
		pauseCmd(),
		resumeCmd(),
		cancelCmd(),
		deleteCmd(),
		enqueueCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show current counts for every queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()
			ctx := cmd.Context()

			qnames, err := insp.Queues(ctx)
			if err != nil {
				return err
			}
			sort.Strings(qnames)

			tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tIN FLIGHT\tSCHEDULED\tRETRY\tCOMPLETED\tFAILED\tPROCESSED\tPAUSED")
			for _, qname := range qnames {
				s, err := insp.GetQueueStats(ctx, qname)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%t\n",
					s.Queue, s.Pending, s.InFlight, s.Scheduled, s.Retry,
					s.Completed, s.Failed, s.Processed, s.Paused)
			}
			return tw.Flush()
		},
	}
}

func queuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List all queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			qnames, err := insp.Queues(cmd.Context())
			if err != nil {
				return err
			}
			sort.Strings(qnames)
			for _, qname := range qnames {
				fmt.Println(qname)
			}
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	var (
		state    string
		pageSize int
		pageNum  int
	)
	cmd := &cobra.Command{
		Use:   "jobs <queue>",
		Short: "List jobs in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()
			ctx := cmd.Context()
			qname := args[0]
			opts := []swarmq.ListOption{swarmq.PageSize(pageSize), swarmq.Page(pageNum)}

			var jobs []*swarmq.JobInfo
			switch state {
			case "pending":
				jobs, err = insp.ListPendingJobs(ctx, qname, opts...)
			case "in_flight":
				jobs, err = insp.ListInFlightJobs(ctx, qname, opts...)
			case "scheduled":
				jobs, err = insp.ListScheduledJobs(ctx, qname, opts...)
			case "retry":
				jobs, err = insp.ListRetryJobs(ctx, qname, opts...)
			case "completed":
				jobs, err = insp.ListCompletedJobs(ctx, qname, opts...)
			case "failed":
				jobs, err = insp.ListFailedJobs(ctx, qname, opts...)
			default:
				return fmt.Errorf("unknown state %q; want one of pending, in_flight, scheduled, retry, completed, failed", state)
			}
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tMAX RETRIES\tNEXT ELIGIBLE\tLAST ERROR")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					j.ID, j.Status, j.Attempts, j.MaxRetries, fmtTime(j.NextEligibleAt), j.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "pending", "job state to list (pending, in_flight, scheduled, retry, completed, failed)")
	cmd.Flags().IntVar(&pageSize, "size", 30, "number of jobs per page")
	cmd.Flags().IntVar(&pageNum, "page", 1, "page number, starting at 1")
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <queue> <id>",
		Short: "Show details of a job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			j, err := insp.GetJobInfo(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintf(tw, "ID:\t%s\n", j.ID)
			fmt.Fprintf(tw, "Queue:\t%s\n", j.Queue)
			fmt.Fprintf(tw, "Status:\t%s\n", j.Status)
			fmt.Fprintf(tw, "Attempts:\t%d\n", j.Attempts)
			fmt.Fprintf(tw, "Max retries:\t%d\n", j.MaxRetries)
			fmt.Fprintf(tw, "Timeout:\t%s\n", j.Timeout)
			fmt.Fprintf(tw, "Backoff:\t%s\n", j.Backoff)
			fmt.Fprintf(tw, "Created:\t%s\n", fmtTime(j.CreatedAt))
			fmt.Fprintf(tw, "Next eligible:\t%s\n", fmtTime(j.NextEligibleAt))
			fmt.Fprintf(tw, "Last error:\t%s\n", j.LastError)
			fmt.Fprintf(tw, "Last failed:\t%s\n", fmtTime(j.LastFailedAt))
			fmt.Fprintf(tw, "Completed:\t%s\n", fmtTime(j.CompletedAt))
			fmt.Fprintf(tw, "Payload:\t%s\n", j.Payload)
			return tw.Flush()
		},
	}
}

func serversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List running manager instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()

			servers, err := insp.Servers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "HOST\tPID\tSTATUS\tQUEUES\tACTIVE WORKERS\tSTARTED")
			for _, s := range servers {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%v\t%d\t%s\n",
					s.Host, s.PID, s.Status, s.Queues, len(s.ActiveWorkers), fmtTime(s.Started))
			}
			return tw.Flush()
		},
	}
}

func pauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <queue>",
		Short: "Pause claims on a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()
			if err := insp.PauseQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Queue %q paused\n", args[0])
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <queue>",
		Short: "Resume claims on a paused queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()
			if err := insp.UnpauseQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Queue %q resumed\n", args[0])
			return nil
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel processing of an in-flight job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()
			if err := insp.CancelProcessing(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelation signal sent for job %q\n", args[0])
			return nil
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <queue> <id>",
		Short: "Delete a job that is not in flight",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			insp, err := newInspector()
			if err != nil {
				return err
			}
			defer insp.Close()
			if err := insp.DeleteJob(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Job %q deleted from queue %q\n", args[1], args[0])
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		jobID      string
		maxRetries int
		timeout    time.Duration
		backoff    time.Duration
		processIn  time.Duration
		retention  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <payload>",
		Short: "Enqueue a job with the given payload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := connOpt()
			if err != nil {
				return err
			}
			mgr, err := swarmq.NewManager(opt, swarmq.Config{LogLevel: swarmq.FatalLevel})
			if err != nil {
				return err
			}
			qs, err := mgr.CreateQueue(args[0], maxRetries)
			if err != nil {
				return err
			}
			var opts []swarmq.Option
			if jobID != "" {
				opts = append(opts, swarmq.JobID(jobID))
			}
			if timeout > 0 {
				opts = append(opts, swarmq.Timeout(timeout))
			}
			if backoff > 0 {
				opts = append(opts, swarmq.Backoff(backoff))
			}
			if processIn > 0 {
				opts = append(opts, swarmq.ProcessIn(processIn))
			}
			if retention > 0 {
				opts = append(opts, swarmq.Retention(retention))
			}
			id, err := qs.AddToQueueContext(cmd.Context(), []byte(args[1]), opts...)
			if err != nil {
				return err
			}
			fmt.Printf("Enqueued job %q on queue %q\n", id, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "id", "", "job identifier (default generated)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "maximum number of retries after the first failed attempt")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-invocation processing timeout")
	cmd.Flags().DurationVar(&backoff, "backoff", 0, "base retry delay")
	cmd.Flags().DurationVar(&processIn, "in", 0, "delay before the job becomes eligible")
	cmd.Flags().DurationVar(&retention, "retention", 0, "how long to retain the completed record")
	return cmd
}
