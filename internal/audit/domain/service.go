package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type RecordRequest struct {
	ActorID    *snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	Before     map[string]any
	After      map[string]any
	Metadata   map[string]any
	Severity   Severity
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) error
	ListForTarget(ctx context.Context, targetType, targetID string) ([]Entry, error)
	Get(ctx context.Context, id snowflake.ID) (*Entry, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
	ErrEntryNotFound = errors.New("audit_entry_not_found")
)
