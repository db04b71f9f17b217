package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/controller"
	"github.com/lucasnoah/stagegate/internal/events"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session's pipeline, or every run with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if all {
			infos, err := ctl.StatusAll(cmd.Context())
			if err != nil {
				return err
			}
			if jsonFormat(cmd) {
				return writeJSON(cmd, infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pipelines found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tTEMPLATE\tPHASE\tACTIVE\tREADY\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					info.Session, info.Template, info.Phase,
					dash(strings.Join(info.Active, ",")), dash(strings.Join(info.Ready, ",")),
					info.LastTransition.Format(time.RFC3339))
			}
			return w.Flush()
		}

		session, err := requireSession()
		if err != nil {
			return err
		}
		info, err := ctl.Status(cmd.Context(), session)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, info)
		}
		printStatus(cmd, info)
		return nil
	},
}

func printStatus(cmd *cobra.Command, info *controller.StatusInfo) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:  %s\n", info.Session)
	fmt.Fprintf(out, "Template: %s\n", dash(info.Template))
	fmt.Fprintf(out, "Phase:    %s\n", info.Phase)
	if info.PendingRetry != nil {
		fmt.Fprintf(out, "Retry:    %s (from %s) %s\n", info.PendingRetry.Stage, info.PendingRetry.From, info.PendingRetry.Reason)
	}
	if info.DirectWrites > 0 {
		fmt.Fprintf(out, "Writes:   %d direct\n", info.DirectWrites)
	}
	if len(info.Stages) == 0 {
		return
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tKIND\tSTATUS\tAGENT\tVERDICT\tRETRIES")
	for _, s := range info.Stages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", s.ID, s.Kind, s.Status, dash(s.Agent), dash(s.Verdict), s.Retries)
	}
	w.Flush()

	if len(info.Barriers) == 0 {
		return
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BARRIER\tREPORTED\tNEXT\tRESOLVED\tROUND")
	for _, b := range info.Barriers {
		fmt.Fprintf(w, "%s\t%d/%d\t%s\t%v\t%d\n", b.Group, len(b.Completed), b.Total, dash(b.Next), b.Resolved, b.Round)
	}
	w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the session's event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		typeNames, _ := cmd.Flags().GetStringSlice("type")
		types := make([]events.Type, 0, len(typeNames))
		for _, t := range typeNames {
			types = append(types, events.Type(t))
		}
		limit, _ := cmd.Flags().GetInt("limit")

		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		evs, err := ctl.Events(cmd.Context(), session, types...)
		if err != nil {
			return err
		}
		if limit > 0 && len(evs) > limit {
			evs = evs[len(evs)-limit:]
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, evs)
		}
		if len(evs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tSTAGE\tDETAIL")
		for _, e := range evs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.Type, dash(e.Stage), formatDetail(e.Detail))
		}
		return w.Flush()
	},
}

func formatDetail(d map[string]any) string {
	if len(d) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	s := strings.Join(parts, " ")
	if len(s) > 80 {
		s = s[:77] + "..."
	}
	return s
}

var briefCmd = &cobra.Command{
	Use:   "brief <stage>",
	Short: "Print the working brief for a stage",
	Long: `Shows what a worker starting the stage needs: the phase checklist it owns,
the hint of the failure that sent the run back to it, and the context files
its dependencies left behind.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		b, err := ctl.Brief(cmd.Context(), session, args[0])
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, b)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Stage: %s (%s, %s)\n", b.Stage, b.Kind, b.Status)
		if b.Phase != nil {
			fmt.Fprintf(out, "Phase: %d %s\n", b.Phase.Index, b.Phase.Name)
		}
		if b.RetryHint != "" {
			fmt.Fprintf(out, "Retry %d: %s\n", b.Attempt, b.RetryHint)
		}
		if len(b.Tasks) > 0 {
			fmt.Fprintln(out, "Tasks:")
			for _, t := range b.Tasks {
				fmt.Fprintf(out, "  - [ ] %s\n", t)
			}
		}
		if len(b.ContextFiles) > 0 {
			fmt.Fprintln(out, "Context:")
			for _, f := range b.ContextFiles {
				fmt.Fprintf(out, "  %s\n", f)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("all", false, "show every stored run")
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	eventsCmd.Flags().StringSlice("type", nil, "only show these event types")
	eventsCmd.Flags().Int("limit", 0, "only show the last N events")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
	briefCmd.Flags().String("format", "text", "Output format: text or json")
}
