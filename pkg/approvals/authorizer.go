package approvals

import (
	"strings"

	"github.com/flowgate/flowgate/pkg/types"
)

// CanResolve reports whether actor may decide requests for the automation.
// The automation's owner can always decide; otherwise the actor must appear
// in the configured recipient list. Recipients are matched case-insensitively
// since they may be entered as either account identities or contact
// addresses.
func CanResolve(a *types.Automation, actor string) bool {
	if a == nil || actor == "" {
		return false
	}
	if actor == a.OwnerID {
		return true
	}
	for _, r := range a.ApprovalRecipients {
		if strings.EqualFold(strings.TrimSpace(r), actor) {
			return true
		}
	}
	return false
}
