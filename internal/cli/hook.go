package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagegate/internal/controller"
	"github.com/lucasnoah/stagegate/internal/gate"
	"github.com/lucasnoah/stagegate/internal/hooks"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Entry points called by the host agent's tool hooks",
}

var hookPreToolUseCmd = &cobra.Command{
	Use:   "pre-tool-use",
	Short: "Gate a tool call (reads the hook payload on stdin)",
	Long: `Evaluates the tool call against the session's run. A blocked call prints
the reason on stderr and exits 2, which the host treats as a refusal and
shows to the model. Delegation tools are also recorded as stage assignments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := hooks.ParseInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		ctx := cmd.Context()

		if ctl.Gate().Kind(in.ToolName) == gate.OpDelegation {
			res, err := ctl.Delegate(ctx, in.SessionID, in.Agent(), controller.DelegateInput{Prompt: in.StageHint()})
			switch {
			case errors.Is(err, controller.ErrUnknownStage):
			case err != nil:
				return err
			case res.Action == controller.ActionRejected:
				fmt.Fprintf(cmd.ErrOrStderr(), "stagegate: %s\n", res.Message)
			}
		}

		d, err := ctl.CanProceed(ctx, in.SessionID, in.ToolName, in.Target())
		if err != nil {
			return err
		}
		if !d.Allowed() {
			fmt.Fprintf(cmd.ErrOrStderr(), "stagegate: %s\n", d.Reason)
			return &ExitError{Code: 2, Msg: d.Reason}
		}
		return nil
	},
}

var hookPostToolUseCmd = &cobra.Command{
	Use:   "post-tool-use",
	Short: "Report a finished delegation (reads the hook payload on stdin)",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := hooks.ParseInput(cmd.InOrStdin())
		if err != nil {
			return err
		}
		ctl, _, cleanup, err := newController(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if ctl.Gate().Kind(in.ToolName) != gate.OpDelegation {
			return nil
		}
		res, err := ctl.Complete(cmd.Context(), in.SessionID, in.Agent(), controller.CompleteInput{Output: in.Output()})
		if err != nil {
			return err
		}
		// Anything printed here reaches the orchestrating model.
		switch res.Action {
		case controller.ActionRolledBack:
			fmt.Fprintf(cmd.OutOrStdout(), "stagegate: %s failed, re-delegate %s\n", res.Stage, res.RollbackTarget)
		case controller.ActionAdvanced:
			if len(res.Next) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "stagegate: %s done, next: %v\n", res.Stage, res.Next)
			}
		case controller.ActionBarrierWaiting:
			fmt.Fprintf(cmd.OutOrStdout(), "stagegate: %s done, waiting on %v\n", res.Stage, res.Barrier.Missing)
		case controller.ActionComplete:
			fmt.Fprintln(cmd.OutOrStdout(), "stagegate: pipeline complete")
		}
		return nil
	},
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Manage the host agent hook configuration",
}

var hooksInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Write the stagegate hooks into <dir>/.claude/settings.local.json",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		if _, err := os.Stat(dir); err != nil {
			return fmt.Errorf("project dir: %w", err)
		}
		bin, _ := cmd.Flags().GetString("bin")
		path, err := hooks.WriteHooksFile(dir, hooks.GenerateHooksConfig(bin))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Hooks written to %s\n", path)
		return nil
	},
}

func init() {
	hookCmd.AddCommand(hookPreToolUseCmd)
	hookCmd.AddCommand(hookPostToolUseCmd)
	hooksInstallCmd.Flags().String("bin", "", "stagegate binary the hooks call (default: this executable)")
	hooksCmd.AddCommand(hooksInstallCmd)
}
