package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/waraqaweb/billingcore/internal/clock"
	ledgerdomain "github.com/waraqaweb/billingcore/internal/ledger/domain"
	"github.com/waraqaweb/billingcore/internal/money"
	userdomain "github.com/waraqaweb/billingcore/internal/user/domain"
	"github.com/waraqaweb/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	caps  db.Capabilities
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
		caps:  db.CapabilitiesFor(p.DB),
	}
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}

func (s *Service) AdjustGuardianTotal(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, delta float64, clearAuto bool) error {
	if delta == 0 && !clearAuto {
		return nil
	}
	updates := map[string]any{
		"total_hours": gorm.Expr("ROUND(total_hours + ?, 3)", money.Round3(delta)),
		"updated_at":  s.clock.Now().UTC(),
	}
	if clearAuto {
		updates["auto_total_hours"] = false
	}
	result := s.conn(tx).WithContext(ctx).
		Model(&userdomain.Guardian{}).
		Where("id = ?", guardianID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrGuardianNotFound
	}
	return nil
}

func (s *Service) AdjustGuardianConsumed(ctx context.Context, tx *gorm.DB, guardianID snowflake.ID, delta float64) error {
	if delta == 0 {
		return nil
	}
	result := s.conn(tx).WithContext(ctx).
		Model(&userdomain.Guardian{}).
		Where("id = ?", guardianID).
		Updates(map[string]any{
			"consumed_hours": gorm.Expr("ROUND(consumed_hours + ?, 3)", money.Round3(delta)),
			"updated_at":     s.clock.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ledgerdomain.ErrGuardianNotFound
	}
	return nil
}

func (s *Service) AdjustStudentRemaining(ctx context.Context, tx *gorm.DB, studentID snowflake.ID, delta float64) (float64, error) {
	conn := s.conn(tx).WithContext(ctx)

	var student userdomain.Student
	stmt := conn
	if s.caps.RowLocking {
		stmt = stmt.Raw(`SELECT * FROM students WHERE id = ? FOR UPDATE`, studentID)
	} else {
		stmt = stmt.Raw(`SELECT * FROM students WHERE id = ?`, studentID)
	}
	if err := stmt.Scan(&student).Error; err != nil {
		return 0, err
	}
	if student.ID == 0 {
		return 0, ledgerdomain.ErrStudentNotFound
	}

	next := money.Round3(student.RemainingHours + delta)
	applied := delta
	if next < 0 {
		// Never reduce below zero; the unapplied part stays unallocated.
		applied = -student.RemainingHours
		next = 0
	}

	err := conn.Model(&userdomain.Student{}).
		Where("id = ?", studentID).
		Updates(map[string]any{
			"remaining_hours": next,
			"updated_at":      s.clock.Now().UTC(),
		}).Error
	if err != nil {
		return 0, err
	}
	return money.Round3(applied), nil
}

func (s *Service) AdjustTeacherMonth(ctx context.Context, tx *gorm.DB, teacherID snowflake.ID, year, month int, hours, earnings, tips float64) error {
	if hours == 0 && earnings == 0 && tips == 0 {
		return nil
	}
	conn := s.conn(tx).WithContext(ctx)
	now := s.clock.Now().UTC()

	err := conn.Exec(
		`INSERT INTO teacher_months (id, teacher_id, year, month, hours, earnings, tips, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, 0, ?)
		 ON CONFLICT (teacher_id, year, month) DO NOTHING`,
		s.genID.Generate(), teacherID, year, month, now,
	).Error
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return err
	}

	return conn.Exec(
		`UPDATE teacher_months
		 SET hours = ROUND(hours + ?, 3),
		     earnings = ROUND(earnings + ?, 2),
		     tips = ROUND(tips + ?, 2),
		     updated_at = ?
		 WHERE teacher_id = ? AND year = ? AND month = ?`,
		money.Round3(hours), money.Round2(earnings), money.Round2(tips), now,
		teacherID, year, month,
	).Error
}

func (s *Service) DebitStudents(ctx context.Context, tx *gorm.DB, debits []ledgerdomain.StudentDebit) error {
	for _, debit := range debits {
		if debit.Hours <= 0 {
			continue
		}
		if _, err := s.AdjustStudentRemaining(ctx, tx, debit.StudentID, -debit.Hours); err != nil {
			return err
		}
	}
	return nil
}
