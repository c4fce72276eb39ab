package format

import (
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
)

func TestNumber(t *testing.T) {
	assert.Equal(t, "INV-000123", Number(invoicedomain.KindGuardianInvoice, 123))
	assert.Equal(t, "TPY-000007", Number(invoicedomain.KindTeacherPayment, 7))
}

func TestName(t *testing.T) {
	month := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "Invoice #000123 - January 2025", Name(invoicedomain.KindGuardianInvoice, 123, &month))
	assert.Equal(t, "Invoice #000123", Name(invoicedomain.KindGuardianInvoice, 123, nil))
	assert.Equal(t, "Teacher Payment #000009", Name(invoicedomain.KindTeacherPayment, 9, nil))
}

func TestBuildIdentifiersSlug(t *testing.T) {
	month := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	entropy := ulid.MustParse("01HZZZZZZZZZZZZZZZZZZZZZZZ")

	ids := BuildIdentifiers(invoicedomain.KindGuardianInvoice, 42, &month, entropy)

	assert.Equal(t, int64(42), ids.Sequence)
	assert.Equal(t, "INV-000042", ids.InvoiceNumber)
	assert.Equal(t, "Invoice #000042 - March 2025", ids.InvoiceName)
	assert.Contains(t, ids.Slug, "invoice-000042-march-2025")
	assert.NotContains(t, ids.Slug, " ")
	assert.NotContains(t, ids.Slug, "#")
}

func TestBuildIdentifiersSlugUnique(t *testing.T) {
	a := BuildIdentifiers(invoicedomain.KindGuardianInvoice, 1, nil, ulid.MustParse("01HZZZZZZZZZZZZZZZZZZZZZZA"))
	b := BuildIdentifiers(invoicedomain.KindGuardianInvoice, 1, nil, ulid.MustParse("01HZZZZZZZZZZZZZZZZZZZZZZB"))
	assert.NotEqual(t, a.Slug, b.Slug)
}

func TestSequenceFromName(t *testing.T) {
	tests := []struct {
		name string
		want int64
		ok   bool
	}{
		{"Invoice #000123 - January 2025", 123, true},
		{"INV-000450", 450, true},
		{"Custom name 2024", 2024, true},
		{"Monthly statement", 0, false},
		{"Invoice #7", 0, false},
	}
	for _, tt := range tests {
		got, ok := SequenceFromName(tt.name)
		assert.Equal(t, tt.ok, ok, tt.name)
		if ok {
			assert.Equal(t, tt.want, got, tt.name)
		}
	}
}
