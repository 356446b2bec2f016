package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/audioq/internal/server/handlers"
	"github.com/3leaps/audioq/pkg/job"
	"github.com/3leaps/audioq/pkg/orchestrator"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the job queue of a running server",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the active job and pending jobs",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <job_id>",
	Short: "Remove a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRemove,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every pending job (the active job keeps running)",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var queueStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active job",
	Args:  cobra.NoArgs,
	RunE:  runQueueStop,
}

var queuePumpCmd = &cobra.Command{
	Use:   "pump",
	Short: "Start the head job now if the orchestrator is idle",
	Args:  cobra.NoArgs,
	RunE:  runQueuePump,
}

var queueEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print orchestrator events",
	Args:  cobra.NoArgs,
	RunE:  runQueueEvents,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueStopCmd)
	queueCmd.AddCommand(queuePumpCmd)
	queueCmd.AddCommand(queueEventsCmd)

	queueListCmd.Flags().Bool("json", false, "Output as JSON")
	queueEventsCmd.Flags().Int64("since", 0, "Only events after this sequence number")
	queueEventsCmd.Flags().Bool("follow", false, "Keep polling for new events")
	queueEventsCmd.Flags().Duration("interval", time.Second, "Poll interval with --follow")
}

func unreachable(err error) error {
	return exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach audioq server", err)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	var snap orchestrator.Snapshot
	if _, err := newControlClient(apiAddr).do(cmd.Context(), http.MethodGet, "/v1/queue", nil, &snap); err != nil {
		return unreachable(err)
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	writeSnapshot(out, snap)
	return nil
}

func writeSnapshot(out io.Writer, snap orchestrator.Snapshot) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATE\tMODE\tTASK\tBATCH\tSEED\tDURATION\tTITLE")
	row := func(j job.Job, state string) {
		dur := "auto"
		if j.Display.DurationSeconds > 0 {
			dur = strconv.FormatFloat(j.Display.DurationSeconds, 'f', -1, 64) + "s"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			j.ID, state, j.Mode, j.Display.TaskType, j.Display.BatchSize, j.Display.SeedLabel, dur, j.Display.Title)
	}
	if snap.Active != nil {
		row(*snap.Active, "running")
	}
	for _, j := range snap.Pending {
		row(j, "pending")
	}
	_ = tw.Flush()
	if snap.Active == nil && len(snap.Pending) == 0 {
		_, _ = fmt.Fprintln(out, "(queue is empty)")
	}
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(args[0]), "#"), 10, 64)
	if err != nil || id <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid job id", fmt.Errorf("%q", args[0]))
	}
	if _, err := newControlClient(apiAddr).do(cmd.Context(), http.MethodDelete, fmt.Sprintf("/v1/jobs/%d", id), nil, nil); err != nil {
		if apiErr, ok := err.(*apiError); ok && apiErr.Status == http.StatusNotFound {
			return exitError(foundry.ExitInvalidArgument, "Job not removed", err)
		}
		return unreachable(err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed #%d\n", id)
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	var resp map[string]int
	if _, err := newControlClient(apiAddr).do(cmd.Context(), http.MethodDelete, "/v1/queue", nil, &resp); err != nil {
		return unreachable(err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d pending job(s)\n", resp["removed"])
	return nil
}

func runQueueStop(cmd *cobra.Command, args []string) error {
	if _, err := newControlClient(apiAddr).do(cmd.Context(), http.MethodPost, "/v1/stop", nil, nil); err != nil {
		if apiErr, ok := err.(*apiError); ok && apiErr.Status == http.StatusConflict {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no job is running")
			return nil
		}
		return unreachable(err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stopping active job")
	return nil
}

func runQueuePump(cmd *cobra.Command, args []string) error {
	var resp map[string]bool
	if _, err := newControlClient(apiAddr).do(cmd.Context(), http.MethodPost, "/v1/pump", nil, &resp); err != nil {
		return unreachable(err)
	}
	if resp["started"] {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "started head job")
	} else {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "nothing started")
	}
	return nil
}

func runQueueEvents(cmd *cobra.Command, args []string) error {
	since, _ := cmd.Flags().GetInt64("since")
	follow, _ := cmd.Flags().GetBool("follow")
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = time.Second
	}

	client := newControlClient(apiAddr)
	out := cmd.OutOrStdout()
	for {
		var resp handlers.EventsResponse
		path := "/v1/events?since=" + strconv.FormatInt(since, 10)
		if _, err := client.do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return unreachable(err)
		}
		for _, e := range resp.Events {
			_, _ = fmt.Fprintln(out, formatEvent(e))
			since = e.Seq
		}
		if !follow {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func formatEvent(e orchestrator.Event) string {
	ts := e.Timestamp.Local().Format("15:04:05")
	switch e.Type {
	case orchestrator.EventFinished:
		code := "?"
		if e.ExitCode != nil {
			code = strconv.Itoa(*e.ExitCode)
		}
		return fmt.Sprintf("%s  #%d finished (exit %s)", ts, e.JobID, code)
	case orchestrator.EventStarted:
		return fmt.Sprintf("%s  #%d started %s", ts, e.JobID, e.Message)
	case orchestrator.EventRenamed:
		return fmt.Sprintf("%s  #%d renamed %s -> %s", ts, e.JobID, e.From, e.To)
	case orchestrator.EventQueue:
		return fmt.Sprintf("%s  queue: %d pending", ts, e.Pending)
	default:
		if e.JobID > 0 {
			return fmt.Sprintf("%s  #%d %s", ts, e.JobID, e.Message)
		}
		return fmt.Sprintf("%s  %s", ts, e.Message)
	}
}
