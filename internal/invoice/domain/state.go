package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Trigger names a lifecycle transition request.
type Trigger string

const (
	TriggerMarkSent           Trigger = "mark_sent"
	TriggerOverdueTick        Trigger = "overdue_tick"
	TriggerApplyPaymentFull   Trigger = "apply_payment_full"
	TriggerApplyPaymentPart   Trigger = "apply_payment_partial"
	TriggerRevertPayments     Trigger = "revert_payments"
	TriggerRefundFull         Trigger = "refund_full"
	TriggerCancel             Trigger = "cancel"
)

var allowedSources = map[Trigger][]Status{
	TriggerMarkSent:         {StatusDraft, StatusPending},
	TriggerOverdueTick:      {StatusPending, StatusSent, StatusPartiallyPaid},
	TriggerApplyPaymentFull: {StatusDraft, StatusPending, StatusSent, StatusOverdue, StatusPartiallyPaid},
	TriggerApplyPaymentPart: {StatusDraft, StatusPending, StatusSent, StatusOverdue, StatusPartiallyPaid},
	TriggerRevertPayments:   {StatusPaid, StatusPartiallyPaid, StatusSent, StatusOverdue},
	TriggerRefundFull:       {StatusPaid, StatusPartiallyPaid, StatusSent, StatusOverdue},
}

// CanTrigger reports whether the trigger is legal from the current status.
func (inv *Invoice) CanTrigger(trigger Trigger) bool {
	if trigger == TriggerCancel {
		return inv.Status != StatusPaid && inv.Status != StatusRefunded
	}
	sources, ok := allowedSources[trigger]
	if !ok {
		return false
	}
	for _, s := range sources {
		if s == inv.Status {
			return true
		}
	}
	return false
}

// Transition applies the trigger, returning the new status. The caller is
// responsible for having validated via CanTrigger; an illegal trigger returns
// ErrIllegalTransition.
func (inv *Invoice) Transition(trigger Trigger, now time.Time) (Status, error) {
	if !inv.CanTrigger(trigger) {
		return inv.Status, ErrIllegalTransition
	}

	switch trigger {
	case TriggerMarkSent:
		inv.Status = StatusSent
	case TriggerOverdueTick:
		inv.Status = StatusOverdue
	case TriggerApplyPaymentFull:
		inv.Status = StatusPaid
		paidAt := now
		inv.PaidAt = &paidAt
	case TriggerApplyPaymentPart:
		inv.Status = StatusPartiallyPaid
	case TriggerRevertPayments:
		inv.PaidAt = nil
		inv.Status = inv.unpaidStatusFor(now)
	case TriggerRefundFull:
		inv.Status = StatusRefunded
	case TriggerCancel:
		inv.Status = StatusCancelled
	}
	return inv.Status, nil
}

// unpaidStatusFor picks the post-revert status from the due date.
func (inv *Invoice) unpaidStatusFor(now time.Time) Status {
	if inv.DueAt != nil && inv.DueAt.Before(now) {
		return StatusOverdue
	}
	if len(inv.DeliveryLog) > 0 {
		return StatusSent
	}
	return StatusPending
}

// Touch stamps updater metadata. The version token is bumped by the store on
// save, never here.
func (inv *Invoice) Touch(actor snowflake.ID, now time.Time) {
	if actor != 0 {
		inv.UpdatedBy = actor
	}
	inv.UpdatedAt = now
}

// PushActivity appends a human-readable action for user-visible transitions.
func (inv *Invoice) PushActivity(entry ActivityEntry) {
	inv.ActivityLog = append(inv.ActivityLog, entry)
}
