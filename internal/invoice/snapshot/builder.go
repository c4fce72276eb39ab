// Package snapshot freezes guardian financial configuration onto invoices.
package snapshot

import (
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/waraqaweb/billingcore/internal/money"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
)

// BuildGuardianFinancialSnapshot captures the guardian's current hourly rate
// and transfer-fee configuration. Once written to an invoice the snapshot is
// the authority; later profile edits do not propagate unless an admin
// explicitly re-snapshots via a coverage update.
func BuildGuardianFinancialSnapshot(g userdomain.Guardian) invoicedomain.FinancialSnapshot {
	mode := invoicedomain.TransferFeeFixed
	if g.TransferFeeMode == userdomain.TransferFeePercent {
		mode = invoicedomain.TransferFeePercent
	}
	return invoicedomain.FinancialSnapshot{
		HourlyRate: money.Round2(g.HourlyRate),
		TransferFee: invoicedomain.TransferFee{
			Mode:   mode,
			Value:  g.TransferFeeValue,
			Source: invoicedomain.TransferFeeSourceGuardianDefault,
		},
		PreferredPaymentMethod: g.PreferredPaymentMethod,
	}
}

// PartySnapshotFor freezes a student's or teacher's identity for a line item.
func PartySnapshotFor(firstName, lastName, email string) invoicedomain.PartySnapshot {
	return invoicedomain.PartySnapshot{
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
	}
}
