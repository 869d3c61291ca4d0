package refund

import (
	"github.com/warp/ticket-engine/generic"
	"github.com/warp/ticket-engine/order"
)

// =============================================================================
// APPROVAL POLICY
// =============================================================================

// ApprovalPolicy decides how many distinct approvers a refund needs.
type ApprovalPolicy interface {
	RequiredApprovals(o *order.Order, amount generic.Money) int
}

// ThresholdPolicy requires no approver below AutoApproveBelow, two above
// DualApprovalAbove and one in between. Refunds of checked-in orders always
// need at least one.
type ThresholdPolicy struct {
	AutoApproveBelow  generic.Money `yaml:"auto_approve_below"`
	DualApprovalAbove generic.Money `yaml:"dual_approval_above"`
}

// DefaultThresholds is ₹500 / ₹5,000 in paise.
func DefaultThresholds() ThresholdPolicy {
	return ThresholdPolicy{AutoApproveBelow: 50000, DualApprovalAbove: 500000}
}

func (p ThresholdPolicy) RequiredApprovals(o *order.Order, amount generic.Money) int {
	required := 1
	switch {
	case amount < p.AutoApproveBelow:
		required = 0
	case amount > p.DualApprovalAbove:
		required = 2
	}
	if required == 0 && o != nil && o.EntryUsed {
		required = 1
	}
	return required
}

// EventPolicies picks a per-event override, falling back to Default.
type EventPolicies struct {
	Default  ApprovalPolicy
	PerEvent map[string]ApprovalPolicy
}

func (p EventPolicies) RequiredApprovals(o *order.Order, amount generic.Money) int {
	if o != nil {
		if override, ok := p.PerEvent[o.EventID]; ok {
			return override.RequiredApprovals(o, amount)
		}
	}
	if p.Default == nil {
		return DefaultThresholds().RequiredApprovals(o, amount)
	}
	return p.Default.RequiredApprovals(o, amount)
}
