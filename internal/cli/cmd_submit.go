package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tweetkb/internal/task"
)

// newSubmitTaskCmd creates the submit-task command.
func newSubmitTaskCmd() *cobra.Command {
	var preferences string
	var priority int

	cmd := &cobra.Command{
		Use:   "submit-task {kind}",
		Short: "Queue a task for the worker pool",
		Long: `Queue a task of the given kind. The worker pool (serve-worker)
picks it up in priority-then-FIFO order. Prints the task id.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			reg := task.NewRegistry(a.store)
			registerKnownKinds(reg, nil)

			id, err := reg.SubmitTask(cmd.Context(), args[0], preferences, priority)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&preferences, "preferences", "{}", "preferences JSON object")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority (higher runs first)")
	return cmd
}

// registerKnownKinds registers every built-in task kind. Submission
// only needs the kind names; serve-worker passes the real handler.
func registerKnownKinds(reg *task.Registry, pipelineHandler task.HandlerFunc) {
	reg.Register(task.KindProcessBookmarks, true, pipelineHandler)
}
