package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

// newStatsCmd creates the stats command.
func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Per-status task counts, queue depth, and item flag counts",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			counts, err := a.store.CountTasksByStatus(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "tasks:")
			statuses := make([]string, 0, len(counts))
			for s := range counts {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(out, "  %-10s %d\n", s, counts[s])
			}

			queued, err := a.store.CountQueueEntries(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "queue depth: %d\n", queued)

			state, err := a.store.GetAgentState(ctx)
			if err != nil {
				return err
			}
			if state.IsRunning {
				fmt.Fprintf(out, "agent: running task %s (%s)\n", state.CurrentTaskID, state.CurrentPhaseMessage)
			} else {
				fmt.Fprintln(out, "agent: idle")
			}

			flags, err := a.store.CountItemFlags(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "items:")
			fmt.Fprintf(out, "  total                %d\n", flags.Total)
			fmt.Fprintf(out, "  cache_complete       %d\n", flags.CacheComplete)
			fmt.Fprintf(out, "  media_processed      %d\n", flags.MediaProcessed)
			fmt.Fprintf(out, "  categories_processed %d\n", flags.CategoriesProcessed)
			fmt.Fprintf(out, "  article_created      %d\n", flags.ArticleCreated)
			fmt.Fprintf(out, "  db_synced            %d\n", flags.DBSynced)
			fmt.Fprintf(out, "  processed            %d\n", flags.Processed)
			return nil
		},
	}
}
