package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/controller"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resolve barrier groups that are complete or timed out",
	Long: `Siblings that have not reported within policy.barrier_timeout get a
synthetic FAIL:HIGH result so a hung worker cannot stall the pipeline. Sweeps
the --session run, or every stored run with --all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		results := map[string][]controller.GroupOutcome{}
		if all {
			results, err = ctl.SweepAll(cmd.Context())
			if err != nil {
				return err
			}
		} else {
			session, err := requireSession()
			if err != nil {
				return err
			}
			outs, err := ctl.Sweep(cmd.Context(), session)
			if err != nil {
				return err
			}
			if len(outs) > 0 {
				results[session] = outs
			}
		}

		if jsonFormat(cmd) {
			return writeJSON(cmd, results)
		}
		if len(results) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to sweep.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tGROUP\tVERDICT\tTIMED OUT\tACTION\tNEXT")
		for session, outs := range results {
			for _, o := range outs {
				next := strings.Join(o.Next, ",")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					session, o.Group, o.Verdict, dash(strings.Join(o.TimedOut, ",")), o.Action, dash(next))
			}
		}
		return w.Flush()
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cancelled, completed and idle runs",
	Long: `Deletes cancelled runs, completed runs older than policy.completion_grace
and runs untouched for longer than policy.idle_expiry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		pruned, err := ctl.Prune(cmd.Context())
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, pruned)
		}
		if len(pruned) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to prune.")
			return nil
		}
		for _, p := range pruned {
			fmt.Fprintf(cmd.OutOrStdout(), "  pruned %s (%s)\n", p.Session, p.Reason)
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().Bool("all", false, "sweep every stored run")
	sweepCmd.Flags().String("format", "text", "Output format: text or json")
	pruneCmd.Flags().String("format", "text", "Output format: text or json")
}
