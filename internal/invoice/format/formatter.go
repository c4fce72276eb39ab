// Package format derives the canonical invoice identifiers from a sequence.
package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	invoicedomain "github.com/waraqaweb/billingcore/internal/invoice/domain"
)

const sequenceWidth = 6

var prefixes = map[invoicedomain.Kind]string{
	invoicedomain.KindGuardianInvoice: "INV",
	invoicedomain.KindTeacherPayment:  "TPY",
}

// Identifiers is the full derived identity of an invoice.
type Identifiers struct {
	Sequence      int64
	InvoiceNumber string
	InvoiceName   string
	Slug          string
}

// Number renders the zero-padded invoice number, e.g. "INV-000123".
func Number(kind invoicedomain.Kind, sequence int64) string {
	prefix, ok := prefixes[kind]
	if !ok {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%0*d", prefix, sequenceWidth, sequence)
}

// Name renders the admin-facing display name, optionally carrying the billing
// month, e.g. "Invoice #000123 - January 2025".
func Name(kind invoicedomain.Kind, sequence int64, month *time.Time) string {
	label := "Invoice"
	if kind == invoicedomain.KindTeacherPayment {
		label = "Teacher Payment"
	}
	base := fmt.Sprintf("%s #%0*d", label, sequenceWidth, sequence)
	if month != nil {
		base = fmt.Sprintf("%s - %s", base, month.Format("January 2006"))
	}
	return base
}

// BuildIdentifiers derives number, name and slug from an allocated sequence.
// The slug gets a ULID suffix: monotonic input already makes collisions
// improbable, the suffix keeps them impossible across renames.
func BuildIdentifiers(kind invoicedomain.Kind, sequence int64, month *time.Time, entropy ulid.ULID) Identifiers {
	name := Name(kind, sequence, month)
	return Identifiers{
		Sequence:      sequence,
		InvoiceNumber: Number(kind, sequence),
		InvoiceName:   name,
		Slug:          slug.Make(name) + "-" + strings.ToLower(entropy.String()),
	}
}

var sequencePattern = regexp.MustCompile(`#?(\d{3,})`)

// SequenceFromName extracts an encoded sequence from a manually-set invoice
// name so the allocator can be advanced past it.
func SequenceFromName(name string) (int64, bool) {
	match := sequencePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, false
	}
	parsed, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}
