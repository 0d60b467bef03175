package agent

import (
	"fmt"
	"testing"

	"github.com/localagent/localagent/internal/provider"
)

func TestConversationAppendIsImmutableHistory(t *testing.T) {
	c := NewConversation([]provider.Message{{Role: provider.RoleSystem, Content: "sys"}}, nil)
	c.Append(provider.Message{Role: provider.RoleUser, Content: "hi"})

	snapshot := c.Messages()
	snapshot[0].Content = "mutated"
	if c.Messages()[0].Content != "sys" {
		t.Error("Messages() must return a copy")
	}
}

func TestWindowKeepsSystemPrefixAndRecentTail(t *testing.T) {
	seed := []provider.Message{
		{Role: provider.RoleSystem, Content: "sys"},
		{Role: provider.RoleDeveloper, Content: "dev"},
	}
	c := NewConversation(seed, nil)
	for i := 0; i < 20; i++ {
		c.Append(provider.Message{Role: provider.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	win := c.Window(6)
	if len(win) != 6 {
		t.Fatalf("window length = %d", len(win))
	}
	if win[0].Content != "sys" || win[1].Content != "dev" {
		t.Errorf("system prefix lost: %v", win[:2])
	}
	if win[len(win)-1].Content != "m19" {
		t.Errorf("most recent message lost: %v", win[len(win)-1])
	}
	// The underlying history is untouched.
	if c.Len() != 22 {
		t.Errorf("history length = %d", c.Len())
	}
}

func TestWindowNoopWhenSmall(t *testing.T) {
	c := NewConversation(nil, nil)
	c.Append(provider.Message{Role: provider.RoleUser, Content: "a"})
	if got := len(c.Window(10)); got != 1 {
		t.Errorf("window = %d messages", got)
	}
	if got := len(c.Window(0)); got != 1 {
		t.Errorf("unbounded window = %d messages", got)
	}
}

func TestExitReasonStringsAndCodes(t *testing.T) {
	cases := []struct {
		reason ExitReason
		str    string
		code   int
	}{
		{ExitReason{Kind: ExitCompleted}, "completed", 0},
		{ExitReason{Kind: ExitBudgetExceeded, Detail: BudgetToolCalls}, "budget_exceeded:tool_calls", 2},
		{ExitReason{Kind: ExitPolicyDenied, Detail: "terminal"}, "policy_denied:terminal", 3},
		{ExitReason{Kind: ExitApprovalDenied}, "approval_denied", 4},
		{ExitReason{Kind: ExitProviderFailed, Detail: "transient"}, "provider_failed:transient", 5},
		{ExitReason{Kind: ExitMCPFailed, Detail: "drift"}, "mcp_failed:drift", 6},
		{ExitReason{Kind: ExitCancelled}, "cancelled", 7},
		{ExitReason{Kind: ExitInternalError, Detail: "gate"}, "internal_error:gate", 1},
	}
	for _, tc := range cases {
		if got := tc.reason.String(); got != tc.str {
			t.Errorf("String() = %s, want %s", got, tc.str)
		}
		if got := tc.reason.ExitCode(); got != tc.code {
			t.Errorf("%s: ExitCode() = %d, want %d", tc.str, got, tc.code)
		}
	}
}
