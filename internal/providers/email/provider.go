// Package email is the notification sink. The core posts structured events
// and never awaits delivery outcome.
package email

import (
	"context"

	"go.uber.org/zap"
)

// Notification is a structured event for the delivery layer.
type Notification struct {
	Kind       string
	TemplateID string
	Recipients []string
	ActionLink string
	Payload    map[string]any
}

type Provider interface {
	Send(ctx context.Context, n Notification) error
}

type logProvider struct {
	log *zap.Logger
}

func (p *logProvider) Send(ctx context.Context, n Notification) error {
	p.log.Info("notification posted",
		zap.String("kind", n.Kind),
		zap.String("template_id", n.TemplateID),
		zap.Int("recipients", len(n.Recipients)),
	)
	return nil
}

// NewProvider returns the default provider. Real delivery transports plug in
// behind the same interface.
func NewProvider(log *zap.Logger) Provider {
	return &logProvider{log: log.Named("providers.email")}
}
