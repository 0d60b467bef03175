package cli

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/localagent/localagent/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the loaded policy",
}

var policyHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the stable hash of the effective policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadEffectivePolicy()
		if err != nil {
			return err
		}
		fmt.Println(store.Hash())
		return nil
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <tool> [key=value ...]",
	Short: "Evaluate a hypothetical tool call against the policy",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := loadEffectivePolicy()
		if err != nil {
			return err
		}
		callArgs := map[string]any{}
		for _, pair := range args[1:] {
			k, v, ok := strings.Cut(pair, "=")
			if !ok {
				return fmt.Errorf("argument %q is not key=value", pair)
			}
			callArgs[k] = v
		}
		d := store.Decide(args[0], callArgs)
		switch d.Effect {
		case policy.Allow:
			color.Green("allow (rule %s)", d.RuleID)
		case policy.RequireApproval:
			color.Yellow("require_approval (rule %s)", d.RuleID)
		default:
			color.Red("deny (rule %s, kind %s): %s", d.RuleID, d.DenyKind, d.Reason)
		}
		return nil
	},
}

func loadEffectivePolicy() (*policy.Store, error) {
	cfg, err := loadWorkdirConfig()
	if err != nil {
		return nil, err
	}
	return loadPolicy(cfg)
}

func init() {
	policyCmd.AddCommand(policyHashCmd)
	policyCmd.AddCommand(policyCheckCmd)
}
