package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/tweetkb/internal/pipeline"
)

// newCacheAuditCmd creates the cache-audit command.
func newCacheAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cache-audit",
		Short: "Report flag/disk mismatches, path collisions, and orphaned article dirs",
		Long: `Run the consistency validator across the whole state store without
repairing anything. Reports item flags that disagree with disk or row
state, duplicate kb_dir_path claims, and article directories on disk
that no item references.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			out := cmd.OutOrStdout()

			v := pipeline.NewValidator(a.store, a.cfg, nil, a.logger)
			report, err := v.Audit(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "items checked: %d\n", report.ItemsChecked)

			fmt.Fprintf(out, "violations: %d\n", len(report.Violations))
			for _, msg := range report.Violations {
				fmt.Fprintf(out, "  %s\n", msg)
			}

			fmt.Fprintf(out, "kb path collisions: %d\n", len(report.Collisions))
			paths := make([]string, 0, len(report.Collisions))
			for p := range report.Collisions {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			for _, p := range paths {
				fmt.Fprintf(out, "  %s claimed by %v\n", p, report.Collisions[p])
			}

			fmt.Fprintf(out, "orphaned dirs: %d\n", len(report.OrphanedDirs))
			for _, dir := range report.OrphanedDirs {
				fmt.Fprintf(out, "  %s\n", dir)
			}
			return nil
		},
	}
}
