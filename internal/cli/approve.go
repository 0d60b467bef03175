package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/localagent/localagent/internal/approval"
)

var approveFlags struct {
	ttl     time.Duration
	maxUses int
}

var approveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending tool request and grant its fingerprint",
	Long: "Approve a request recorded by a run that hit approval_required in fail\n" +
		"mode. The grant lands in the approvals store; re-run the agent to use it.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requests, approvals, err := openRequestStores()
		if err != nil {
			return err
		}
		msg, err := resolveApprovalRequest(requests, approvals, args[0], true, approveFlags.ttl, approveFlags.maxUses)
		if err != nil {
			return err
		}
		color.Green(msg)
		return nil
	},
}

var denyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending tool request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requests, approvals, err := openRequestStores()
		if err != nil {
			return err
		}
		msg, err := resolveApprovalRequest(requests, approvals, args[0], false, 0, 0)
		if err != nil {
			return err
		}
		color.Yellow(msg)
		return nil
	},
}

// resolveApprovalRequest applies an operator decision to a recorded
// request. Approval grants the request's (tool, fingerprint) in the
// approvals store; denial only closes the request, so an identical later
// call still requires approval.
func resolveApprovalRequest(requests *approval.RequestStore, approvals *approval.Store, id string, approve bool, ttl time.Duration, maxUses int) (string, error) {
	req, ok := requests.Get(id)
	if !ok {
		return "", fmt.Errorf("no approval request with id %s", id)
	}
	if req.Status != approval.StatusPending {
		return "", fmt.Errorf("request %s already %s", id, req.Status)
	}
	if !approve {
		if err := requests.Resolve(id, approval.StatusDenied); err != nil {
			return "", err
		}
		return fmt.Sprintf("denied request %s (%s)", id, req.Tool), nil
	}
	grantID, err := approvals.Grant(req.Tool, req.ArgsFingerprint, ttl, maxUses, false)
	if err != nil {
		return "", err
	}
	if err := requests.Resolve(id, approval.StatusApproved); err != nil {
		return "", err
	}
	return fmt.Sprintf("approved request %s (%s), grant %s", id, req.Tool, grantID), nil
}

func openRequestStores() (*approval.RequestStore, *approval.Store, error) {
	cfg, err := loadWorkdirConfig()
	if err != nil {
		return nil, nil, err
	}
	requests, err := approval.OpenRequests(cfg.RequestsPath())
	if err != nil {
		return nil, nil, err
	}
	approvals, err := approval.Open(cfg.ApprovalsPath())
	if err != nil {
		return nil, nil, err
	}
	return requests, approvals, nil
}

func init() {
	approveCmd.Flags().DurationVar(&approveFlags.ttl, "ttl", 0, "grant lifetime (0 = no expiry)")
	approveCmd.Flags().IntVar(&approveFlags.maxUses, "max-uses", 0, "grant use count (0 = unlimited)")
}
