package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/waraqaweb/billingcore/internal/money"
	"gorm.io/gorm"
)

// distributeTip splits the net tip (after the platform cut) across the
// invoice's teachers proportionally to each teacher's sum of item amounts.
// The rounding remainder goes to the largest-share teacher; ties break by
// ascending teacher id so the assignment is deterministic.
func (s *Service) distributeTip(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, tip float64, actor snowflake.ID, processedAt time.Time) error {
	net := money.Round2(tip * (1 - s.cfg.TipPlatformCut))
	if net <= 0 {
		return nil
	}

	amounts := map[snowflake.ID]float64{}
	var pool float64
	for _, item := range inv.Items {
		if item.TeacherID == 0 || item.ExcludeFromTeacherPayment {
			continue
		}
		amounts[item.TeacherID] += item.Amount
		pool += item.Amount
	}
	if len(amounts) == 0 || pool <= 0 {
		return nil
	}

	teachers := make([]snowflake.ID, 0, len(amounts))
	for id := range amounts {
		teachers = append(teachers, id)
	}
	sort.Slice(teachers, func(i, j int) bool { return teachers[i] < teachers[j] })

	shares := map[snowflake.ID]float64{}
	var distributed float64
	largest := teachers[0]
	for _, id := range teachers {
		share := money.Round2(net * amounts[id] / pool)
		shares[id] = share
		distributed += share
		if amounts[id] > amounts[largest] {
			largest = id
		}
	}
	if remainder := money.Round2(net - distributed); remainder != 0 {
		shares[largest] = money.Round2(shares[largest] + remainder)
	}

	for _, id := range teachers {
		share := shares[id]
		if share <= 0 {
			continue
		}
		inv.PaymentLog = append(inv.PaymentLog, invoicedomain.PaymentLogEntry{
			Amount:      share,
			Method:      invoicedomain.MethodTipDistribution,
			ProcessedAt: processedAt,
			ActorID:     actor,
			Snapshot:    map[string]any{"teacher_id": id.String()},
		})
		if err := s.ledgerSvc.AdjustTeacherMonth(ctx, tx, id, processedAt.Year(), int(processedAt.Month()), 0, 0, share); err != nil {
			return err
		}
	}
	return nil
}
