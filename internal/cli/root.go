package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"device-control/internal/models"
)

type rootOptions struct {
	server  string
	timeout time.Duration
	retries int
	client  *Client
}

// NewRootCmd builds the devicectl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "devicectl",
		Short:         "Trigger and follow firmware builds on a device control server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.server == "" {
				return errors.New("no server: pass --server or set DEVICECTL_SERVER")
			}
			c, err := NewClient(opts.server, opts.timeout, opts.retries)
			if err != nil {
				return err
			}
			opts.client = c
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.server, "server", os.Getenv("DEVICECTL_SERVER"), "Base URL of the device control API")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Per-request timeout")
	root.PersistentFlags().IntVar(&opts.retries, "retries", 2, "Retries for read requests")

	root.AddCommand(newBuildCmd(opts), newStatusCmd(opts), newDescribeCmd(opts), newAbortCmd(opts))
	return root
}

// Execute runs devicectl and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newBuildCmd(opts *rootOptions) *cobra.Command {
	var (
		wakeWord string
		wait     bool
		interval time.Duration
		deadline time.Duration
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Start a firmware build for a wake word",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := opts.client.Trigger(ctx, wakeWord)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s started\n", id)
			if !wait {
				return nil
			}
			if deadline > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, deadline)
				defer cancel()
			}
			return waitForJob(ctx, cmd.OutOrStdout(), opts.client, id, interval)
		},
	}
	cmd.Flags().StringVar(&wakeWord, "wake-word", "", "Wake keyword to bake into the firmware")
	cmd.Flags().BoolVar(&wait, "wait", false, "Follow the job until it finishes")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "Poll interval when waiting")
	cmd.Flags().DurationVar(&deadline, "wait-timeout", 35*time.Minute, "Give up waiting after this long")
	_ = cmd.MarkFlagRequired("wake-word")
	return cmd
}

func waitForJob(ctx context.Context, out io.Writer, c *Client, id models.JobID, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := models.JobState("")
	for {
		view, err := c.Describe(ctx, id)
		if err != nil {
			return err
		}
		if state := view.Job.State; state != last {
			fmt.Fprintf(out, "job %s: %s\n", id, state)
			last = state
		}
		if view.Job.State.Terminal() {
			if view.Job.State != models.StatePersisted {
				return fmt.Errorf("job %s finished as %s", id, view.Job.State)
			}
			fmt.Fprintf(out, "firmware saved to %s\n", view.Job.ArtifactPath)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for job %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Print the build server's status for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client.Status(cmd.Context(), models.JobID(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d (%s)\n", int(status), status)
			return nil
		},
	}
}

func newDescribeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe ID",
		Short: "Show the local record of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := opts.client.Describe(cmd.Context(), models.JobID(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			job := view.Job
			fmt.Fprintf(out, "id:        %s\n", job.ID)
			fmt.Fprintf(out, "wake word: %s\n", job.WakeKeyword)
			fmt.Fprintf(out, "state:     %s\n", job.State)
			fmt.Fprintf(out, "polls:     %d\n", job.Polls)
			if view.Upstream != nil {
				fmt.Fprintf(out, "upstream:  %s\n", *view.Upstream)
			} else if view.UpstreamError != "" {
				fmt.Fprintf(out, "upstream:  unavailable (%s)\n", view.UpstreamError)
			}
			if job.ArtifactPath != "" {
				fmt.Fprintf(out, "artifact:  %s\n", job.ArtifactPath)
			}
			if job.LastError != nil {
				fmt.Fprintf(out, "error:     %s\n", *job.LastError)
			}
			if len(view.Audit) > 0 {
				fmt.Fprintln(out, "history:")
				for _, a := range view.Audit {
					fmt.Fprintf(out, "  %s  %-16s %s\n", a.Recorded.Format(time.RFC3339), a.Event, a.Detail)
				}
			}
			return nil
		},
	}
}

func newAbortCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "abort ID",
		Short: "Stop following a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := models.JobID(args[0])
			if err := opts.client.Abort(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s aborted\n", id)
			return nil
		},
	}
}
