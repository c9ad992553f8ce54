package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tweetkb/internal/db"
)

// newListActiveTasksCmd creates the list-active-tasks command.
func newListActiveTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-active-tasks",
		Short: "Show running tasks with age and current phase",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.store.ListTasksByStatus(cmd.Context(), db.TaskRunning)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no active tasks")
				return nil
			}
			for _, t := range tasks {
				age := "unknown"
				if t.StartedAt != nil {
					age = time.Since(*t.StartedAt).Round(time.Second).String()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  age=%s  phase=%s  %s\n",
					t.ID, t.Kind, age, t.CurrentPhase, t.CurrentPhaseMessage)
			}
			return nil
		},
	}
}

// newListStaleTasksCmd creates the list-stale-tasks command.
func newListStaleTasksCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "list-stale-tasks",
		Short: "Show pending/running tasks without a recent heartbeat",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			threshold := olderThan
			if threshold <= 0 {
				threshold = a.cfg.Workers.StaleThreshold
			}
			stale, err := a.store.ListStaleTasks(cmd.Context(), time.Now().Add(-threshold))
			if err != nil {
				return err
			}
			if len(stale) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stale tasks")
				return nil
			}
			for _, t := range stale {
				beat := t.CreatedAt
				if t.LastHeartbeatAt != nil {
					beat = *t.LastHeartbeatAt
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  status=%s  last_heartbeat=%s\n",
					t.ID, t.Kind, t.Status, beat.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "stale threshold (default from WORKER_STALE_THRESHOLD)")
	return cmd
}

// newCancelTaskCmd creates the cancel-task command.
func newCancelTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-task <task_id>",
		Short: "Request cancellation of a task",
		Long: `Cancel a task. Queued tasks move straight to canceled; running
tasks observe the cancel at their next heartbeat and stop at the next
item boundary.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			return cancelTask(cmd, a, args[0])
		},
	}
}

func cancelTask(cmd *cobra.Command, a *app, taskID string) error {
	ctx := cmd.Context()
	t, err := a.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if db.TerminalStatus(t.Status) {
		return fmt.Errorf("task %s already terminal (%s)", taskID, t.Status)
	}
	if err := a.store.DequeueTask(ctx, taskID); err != nil {
		return err
	}
	if err := a.store.UpdateTaskStatus(ctx, taskID, db.TaskCanceled, "canceled by operator"); err != nil {
		return err
	}
	if err := a.store.ClearAgentStateIf(ctx, taskID); err != nil {
		a.logger.Warn("clear agent state failed", "task", taskID, "error", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "canceled %s\n", taskID)
	return nil
}

// newRevokeAllCmd creates the revoke-all command.
func newRevokeAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-all",
		Short: "Cancel every pending and running task",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			n := 0
			for _, status := range []string{db.TaskRunning, db.TaskPending} {
				tasks, err := a.store.ListTasksByStatus(cmd.Context(), status)
				if err != nil {
					return err
				}
				for _, t := range tasks {
					if err := cancelTask(cmd, a, t.ID); err != nil {
						a.logger.Warn("revoke failed", "task", t.ID, "error", err)
						continue
					}
					n++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d task(s)\n", n)
			return nil
		},
	}
}

// newResetAgentStateCmd creates the reset-agent-state command.
func newResetAgentStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-agent-state",
		Short: "Clear the agent singleton",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.ClearAgentState(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "agent state cleared")
			return nil
		},
	}
}
