package runtime

import (
	"context"

	"github.com/seanchangg/dyno/internal/policy"
)

// Approver decides tool calls that are not auto-approved by policy.
type Approver interface {
	// Approve returns whether the tool may run, plus a short reason shown
	// to the model when it may not.
	Approve(ctx context.Context, tool string, args []byte) (bool, string)
}

// AllowlistApprover approves exactly the tools in its set. It backs
// headless runs, where no human is available to decide.
type AllowlistApprover map[string]struct{}

func (a AllowlistApprover) Approve(ctx context.Context, tool string, args []byte) (bool, string) {
	if _, ok := a[tool]; ok {
		return true, ""
	}
	return false, "tool not permitted in headless runs"
}

// HeadlessApprover is the fixed allowlist used by heartbeat action runs.
func HeadlessApprover() AllowlistApprover {
	return AllowlistApprover(policy.HeartbeatAllowedTools)
}

// denyAllApprover rejects everything. Used when a run has no approver
// configured, so non-auto tools fail closed.
type denyAllApprover struct{}

func (denyAllApprover) Approve(ctx context.Context, tool string, args []byte) (bool, string) {
	return false, "no approver available for this tool"
}
