package sequence

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&Counter{}))
	return conn
}

func TestAllocateNextMonotonic(t *testing.T) {
	conn := newTestDB(t, "seq_monotonic")
	allocator := NewAllocator(conn, zap.NewNop())
	ctx := context.Background()

	var last int64
	for i := 0; i < 10; i++ {
		next, err := allocator.AllocateNext(ctx, nil, "guardian_invoice")
		require.NoError(t, err)
		assert.Greater(t, next, last)
		last = next
	}
	assert.Equal(t, int64(10), last)
}

func TestAllocateNextPerKind(t *testing.T) {
	conn := newTestDB(t, "seq_per_kind")
	allocator := NewAllocator(conn, zap.NewNop())
	ctx := context.Background()

	a, err := allocator.AllocateNext(ctx, nil, "guardian_invoice")
	require.NoError(t, err)
	b, err := allocator.AllocateNext(ctx, nil, "teacher_payment")
	require.NoError(t, err)

	// Kinds count independently.
	assert.Equal(t, int64(1), a)
	assert.Equal(t, int64(1), b)
}

func TestEnsureAtLeast(t *testing.T) {
	conn := newTestDB(t, "seq_ensure")
	allocator := NewAllocator(conn, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, allocator.EnsureAtLeast(ctx, nil, "guardian_invoice", 450))
	next, err := allocator.AllocateNext(ctx, nil, "guardian_invoice")
	require.NoError(t, err)
	assert.Equal(t, int64(451), next)

	// Lower targets never move the counter backwards.
	require.NoError(t, allocator.EnsureAtLeast(ctx, nil, "guardian_invoice", 10))
	next, err = allocator.AllocateNext(ctx, nil, "guardian_invoice")
	require.NoError(t, err)
	assert.Equal(t, int64(452), next)
}
