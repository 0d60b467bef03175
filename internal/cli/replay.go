package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/localagent/localagent/internal/runrecord"
)

var replayFlags struct {
	checkPolicy bool
}

var replayCmd = &cobra.Command{
	Use:   "replay <run-id>",
	Short: "Verify a run record and replay its gate decisions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadWorkdirConfig()
		if err != nil {
			return err
		}
		path := filepath.Join(cfg.RunsDir(), args[0]+".json")
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read run record: %w", err)
		}
		record, err := runrecord.Unmarshal(raw)
		if err != nil {
			return err
		}

		// Round-trip integrity: re-serializing must reproduce the bytes.
		again, err := record.Marshal()
		if err != nil {
			return err
		}
		if bytes.Equal(bytes.TrimSpace(raw), bytes.TrimSpace(again)) {
			color.Green("record %s: round-trip stable", record.RunID)
		} else {
			color.Red("record %s: round-trip UNSTABLE", record.RunID)
		}

		fmt.Printf("provider=%s model=%s exit=%s\n", record.Provider, record.Model, record.ExitReason)
		fmt.Printf("policy=%s approvals=%s mcp_catalog=%s\n",
			short(record.PolicyHash), short(record.ApprovalsHash), short(record.MCPCatalogHash))
		fmt.Printf("%d events, %d messages, %d tool decisions\n",
			len(record.Events), len(record.Conversation), len(record.ToolDecisions))

		if !replayFlags.checkPolicy {
			return nil
		}
		store, err := loadPolicy(cfg)
		if err != nil {
			return err
		}
		if store.Hash() != record.PolicyHash {
			color.Yellow("current policy differs from the recorded one (%s vs %s)",
				short(store.Hash()), short(record.PolicyHash))
		}
		drifted := 0
		for _, d := range record.ToolDecisions {
			now := store.Decide(d.Tool, decisionArgs(record, d.ToolCallID))
			if now.Effect.String() != d.Decision && !(d.Decision == "schema_violation") {
				drifted++
				fmt.Printf("  step %d %s: recorded %s, now %s (rule %s)\n",
					d.Step, d.Tool, d.Decision, now.Effect, now.RuleID)
			}
		}
		if drifted == 0 {
			color.Green("all recorded gate decisions match the current policy")
		} else {
			color.Yellow("%d decisions would change under the current policy", drifted)
		}
		return nil
	},
}

// decisionArgs recovers the proposal arguments for a tool call id from
// the recorded conversation.
func decisionArgs(record *runrecord.Record, toolCallID string) map[string]any {
	for _, m := range record.Conversation {
		for _, tc := range m.ToolCalls {
			if tc.ID == toolCallID {
				return tc.Arguments
			}
		}
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func init() {
	replayCmd.Flags().BoolVar(&replayFlags.checkPolicy, "check-policy", false, "re-evaluate recorded decisions against the current policy")
}
