package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/localagent/localagent/internal/approval"
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and manage the durable approvals store",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently-valid approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		requests, store, err := openRequestStores()
		if err != nil {
			return err
		}
		valid := store.Valid()
		if len(valid) == 0 {
			fmt.Println("no valid approvals")
		}
		for _, a := range valid {
			line := fmt.Sprintf("%s  %-12s  fp=%s", a.ID, a.Tool, short(a.ArgsFingerprint))
			if a.ExpiresAt != nil {
				line += fmt.Sprintf("  expires=%s", a.ExpiresAt.Format(time.RFC3339))
			}
			if a.RemainingUses != nil {
				line += fmt.Sprintf("  uses=%d", *a.RemainingUses)
			}
			if a.Auto {
				line += "  auto"
			}
			fmt.Println(line)
		}
		if pending := requests.Pending(); len(pending) > 0 {
			fmt.Println("pending requests (localagent approve <id> / deny <id>):")
			for _, r := range pending {
				fmt.Printf("%s  %-12s  fp=%s\n", r.ID, r.Tool, short(r.ArgsFingerprint))
			}
		}
		return nil
	},
}

var grantFlags struct {
	ttl     time.Duration
	maxUses int
}

var approvalsGrantCmd = &cobra.Command{
	Use:   "grant <tool> <args-fingerprint>",
	Short: "Grant an approval for a tool and argument fingerprint",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openApprovals()
		if err != nil {
			return err
		}
		id, err := store.Grant(args[0], args[1], grantFlags.ttl, grantFlags.maxUses, false)
		if err != nil {
			return err
		}
		color.Green("granted %s", id)
		return nil
	},
}

var approvalsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired and consumed approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openApprovals()
		if err != nil {
			return err
		}
		removed, err := store.Prune()
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d approvals\n", removed)
		return nil
	},
}

func openApprovals() (*approval.Store, error) {
	cfg, err := loadWorkdirConfig()
	if err != nil {
		return nil, err
	}
	return approval.Open(cfg.ApprovalsPath())
}

func init() {
	approvalsGrantCmd.Flags().DurationVar(&grantFlags.ttl, "ttl", 0, "grant lifetime (0 = no expiry)")
	approvalsGrantCmd.Flags().IntVar(&grantFlags.maxUses, "max-uses", 0, "use count (0 = unlimited)")
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsGrantCmd)
	approvalsCmd.AddCommand(approvalsPruneCmd)
}
