package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/waraqaweb/billingcore/internal/audit/domain"
	"github.com/waraqaweb/billingcore/internal/clock"
	"github.com/waraqaweb/billingcore/pkg/db/option"
	"github.com/waraqaweb/billingcore/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
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
	repo  repository.Repository[auditdomain.Entry]
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  repository.ProvideStore[auditdomain.Entry](p.DB),
	}
}

func (s *Service) Record(ctx context.Context, req auditdomain.RecordRequest) error {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		return auditdomain.ErrInvalidAction
	}

	targetType := strings.TrimSpace(req.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	severity := req.Severity
	if severity == "" {
		severity = auditdomain.SeverityNormal
	}

	entry := auditdomain.Entry{
		ID:         s.genID.Generate(),
		ActorID:    req.ActorID,
		Action:     action,
		TargetType: targetType,
		Before:     toJSONMap(req.Before),
		After:      toJSONMap(req.After),
		Metadata:   toJSONMap(req.Metadata),
		Severity:   severity,
		CreatedAt:  s.clock.Now().UTC(),
	}
	if target := strings.TrimSpace(req.TargetID); target != "" {
		entry.TargetID = &target
	}

	if err := s.repo.Create(ctx, &entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) ListForTarget(ctx context.Context, targetType, targetID string) ([]auditdomain.Entry, error) {
	filter := &auditdomain.Entry{TargetType: targetType, TargetID: &targetID}
	rows, err := s.repo.Find(ctx, filter,
		option.WithSortBy(option.QuerySortBy{Field: "created_at", Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return nil, err
	}
	entries := make([]auditdomain.Entry, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		entries = append(entries, *row)
	}
	return entries, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*auditdomain.Entry, error) {
	entry, err := s.repo.FindOne(ctx, &auditdomain.Entry{ID: id})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, auditdomain.ErrEntryNotFound
	}
	return entry, nil
}

func toJSONMap(m map[string]any) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	payload := datatypes.JSONMap{}
	for key, value := range m {
		if key == "" {
			continue
		}
		payload[key] = value
	}
	return payload
}
