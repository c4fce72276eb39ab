package events

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type capturePublisher struct {
	channels []string
	fail     bool
}

func (p *capturePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if p.fail {
		return assert.AnError
	}
	p.channels = append(p.channels, channel)
	return nil
}

func newOutbox(t *testing.T, name string, publisher *capturePublisher) (*Outbox, *gorm.DB) {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&Record{}))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewOutbox(conn, zap.NewNop(), node, publisher, nil), conn
}

func TestPublishTxAndDispatch(t *testing.T) {
	publisher := &capturePublisher{}
	outbox, conn := newOutbox(t, "outbox_basic", publisher)
	ctx := context.Background()

	err := conn.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(ctx, tx, Event{
			Type:      EventInvoicePaid,
			Payload:   map[string]any{"invoice_id": "1"},
			DedupeKey: "paid:1",
		})
	})
	require.NoError(t, err)

	require.NoError(t, outbox.Dispatch(ctx))
	assert.Equal(t, []string{EventInvoicePaid}, publisher.channels)

	// Dispatched rows are not re-delivered.
	require.NoError(t, outbox.Dispatch(ctx))
	assert.Len(t, publisher.channels, 1)
}

func TestPublishTxDedupes(t *testing.T) {
	publisher := &capturePublisher{}
	outbox, conn := newOutbox(t, "outbox_dedupe", publisher)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := conn.Transaction(func(tx *gorm.DB) error {
			return outbox.PublishTx(ctx, tx, Event{
				Type:      EventInvoiceUpdated,
				Payload:   map[string]any{"invoice_id": "1"},
				DedupeKey: "updated:1:v1",
			})
		})
		require.NoError(t, err)
	}

	require.NoError(t, outbox.Dispatch(ctx))
	assert.Len(t, publisher.channels, 1)
}

func TestDispatchKeepsRowOnPublishFailure(t *testing.T) {
	publisher := &capturePublisher{fail: true}
	outbox, conn := newOutbox(t, "outbox_retry", publisher)
	ctx := context.Background()

	err := conn.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(ctx, tx, Event{Type: EventInvoiceCreated, DedupeKey: "created:1"})
	})
	require.NoError(t, err)

	require.NoError(t, outbox.Dispatch(ctx))

	publisher.fail = false
	require.NoError(t, outbox.Dispatch(ctx))
	assert.Equal(t, []string{EventInvoiceCreated}, publisher.channels)
}
