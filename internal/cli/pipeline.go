package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/controller"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [task text...]",
	Short: "Classify a task and install its stage pipeline",
	Long: `Picks a template for the task (explicit --template, classifier rules, then
size heuristics) and installs its DAG for the session. With --tasks and a
template that names a phase template, the phase breakdown is compiled into a
per-phase DAG instead; an unusable breakdown falls back to the flat template.

Reclassifying a session resets its stage records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		text, err := readInput(cmd, file, args)
		if err != nil {
			return err
		}
		template, _ := cmd.Flags().GetString("template")
		opts := controller.ClassifyOpts{Template: template}
		if tasks, _ := cmd.Flags().GetString("tasks"); tasks != "" {
			doc, err := readInput(cmd, tasks, nil)
			if err != nil {
				return err
			}
			opts.TasksDoc = doc
		}

		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := ctl.Classify(cmd.Context(), session, text, opts)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, res)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Template: %s (%s, %s)\n", res.TemplateID, res.TaskType, res.Method)
		if res.Phases > 0 {
			fmt.Fprintf(w, "Phases:   %d\n", res.Phases)
		}
		if !res.PipelineActive {
			fmt.Fprintln(w, "No pipeline: direct writes are allowed up to the write limit.")
			return nil
		}
		fmt.Fprintf(w, "Stages:   %s\n", strings.Join(res.Stages, " → "))
		fmt.Fprintf(w, "Ready:    %s\n", strings.Join(res.Ready, ", "))
		return nil
	},
}

var delegateCmd = &cobra.Command{
	Use:   "delegate <agent> [stage]",
	Short: "Record that an agent was assigned a stage",
	Long: `Marks the stage active for the agent. Without a stage the --prompt text is
searched for a ready stage id or base name; a single ready stage is assumed.
A stage held by another agent, or one whose dependencies are not done, is
rejected.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		in := controller.DelegateInput{}
		if len(args) == 2 {
			in.Stage = args[1]
		}
		in.Prompt, _ = cmd.Flags().GetString("prompt")

		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := ctl.Delegate(cmd.Context(), session, args[0], in)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, res)
		}
		line := res.Action
		if res.Stage != "" {
			line += " " + res.Stage
		}
		if res.Message != "" {
			line += ": " + res.Message
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
		if res.Action == controller.ActionRejected {
			return fmt.Errorf("delegation rejected")
		}
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <agent>",
	Short: "Report a stage's output and advance the pipeline",
	Long: `Reads the worker output (--file, "-" for stdin), extracts its ROUTE decision,
applies policy corrections and then waits at the barrier, rolls back to the
dev stage, or lists the stages that are ready next.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		file, _ := cmd.Flags().GetString("file")
		output, err := readInput(cmd, file, nil)
		if err != nil {
			return err
		}
		stage, _ := cmd.Flags().GetString("stage")
		ctxFile, _ := cmd.Flags().GetString("context-file")

		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := ctl.Complete(cmd.Context(), session, args[0], controller.CompleteInput{
			Output:      output,
			Stage:       stage,
			ContextFile: ctxFile,
		})
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, res)
		}
		printCompletion(cmd, res)
		return nil
	},
}

func printCompletion(cmd *cobra.Command, res *controller.CompleteResult) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Stage:\t%s\n", res.Stage)
	fmt.Fprintf(w, "Action:\t%s\n", res.Action)
	if res.Route != nil {
		fmt.Fprintf(w, "Route:\t%s (%s)\n", res.Route, res.Source)
	}
	for _, c := range res.Corrections {
		fmt.Fprintf(w, "Corrected:\t%s\n", c)
	}
	if b := res.Barrier; b != nil {
		state := "waiting on " + strings.Join(b.Missing, ", ")
		if b.Resolved && b.Merged != nil {
			state = "resolved " + string(b.Merged.Verdict)
		}
		fmt.Fprintf(w, "Barrier:\t%s %s\n", b.Group, state)
	}
	if res.RollbackTarget != "" {
		fmt.Fprintf(w, "Rollback:\t%s\n", res.RollbackTarget)
	}
	if len(res.Next) > 0 {
		fmt.Fprintf(w, "Next:\t%s\n", strings.Join(res.Next, ", "))
	}
	if res.Message != "" {
		fmt.Fprintf(w, "Message:\t%s\n", res.Message)
	}
	w.Flush()
}

var canProceedCmd = &cobra.Command{
	Use:   "can-proceed <operation> [target]",
	Short: "Ask the access gate whether an operation is allowed",
	Long: `Evaluates the operation (a host tool name such as Edit or Bash) against the
session's run. Exits 2 when the operation is blocked.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		target := ""
		if len(args) == 2 {
			target = args[1]
		}

		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := ctl.CanProceed(cmd.Context(), session, args[0], target)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			if err := writeJSON(cmd, d); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", d.Action, d.Rule, d.Reason)
		}
		if !d.Allowed() {
			return &ExitError{Code: 2, Msg: d.Reason}
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop enforcing the session's pipeline",
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

		was, err := ctl.Cancel(cmd.Context(), session)
		if err != nil {
			return err
		}
		if was {
			fmt.Fprintf(cmd.OutOrStdout(), "Pipeline for %s cancelled.\n", session)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "No active pipeline for %s.\n", session)
		}
		return nil
	},
}

var crashCmd = &cobra.Command{
	Use:   "crash <agent>",
	Short: "Record that an agent died without reporting",
	Long: `Retries the agent's stage under its retry budget. Once the budget is spent,
or when the stage is a barrier sibling, the crash counts as a FAIL:HIGH report.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := requireSession()
		if err != nil {
			return err
		}
		stage, _ := cmd.Flags().GetString("stage")
		reason, _ := cmd.Flags().GetString("reason")

		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		res, err := ctl.RecordCrash(cmd.Context(), session, args[0], stage, reason)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, res)
		}
		printCompletion(cmd, res)
		return nil
	},
}

func init() {
	classifyCmd.Flags().String("template", "", "force a template instead of classifying")
	classifyCmd.Flags().String("tasks", "", "phase breakdown document (\"-\" for stdin)")
	classifyCmd.Flags().StringP("file", "F", "", "read the task text from a file (\"-\" for stdin)")
	classifyCmd.Flags().String("format", "text", "Output format: text or json")

	delegateCmd.Flags().String("prompt", "", "delegation prompt, used to infer the stage")
	delegateCmd.Flags().String("format", "text", "Output format: text or json")

	completeCmd.Flags().StringP("file", "F", "-", "worker output file (\"-\" for stdin)")
	completeCmd.Flags().String("stage", "", "stage the agent is finishing when it holds several")
	completeCmd.Flags().String("context-file", "", "detail artifact the worker wrote")
	completeCmd.Flags().String("format", "text", "Output format: text or json")

	canProceedCmd.Flags().String("format", "text", "Output format: text or json")

	crashCmd.Flags().String("stage", "", "stage the agent held")
	crashCmd.Flags().String("reason", "", "what happened to the worker")
	crashCmd.Flags().String("format", "text", "Output format: text or json")
}
