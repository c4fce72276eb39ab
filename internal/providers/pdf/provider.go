// Package pdf renders the export snapshot into an opaque document buffer.
package pdf

import (
	"context"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/row"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/waraqaweb/billingcore/internal/export"
)

type Provider interface {
	RenderInvoice(ctx context.Context, snap export.Snapshot) ([]byte, error)
}

type marotoProvider struct{}

func NewProvider() Provider {
	return &marotoProvider{}
}

func (p *marotoProvider) RenderInvoice(ctx context.Context, snap export.Snapshot) ([]byte, error) {
	cfg := config.NewBuilder().
		WithLeftMargin(12).
		WithRightMargin(12).
		WithTopMargin(14).
		Build()
	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Invoice "+snap.Header.Number, props.Text{
			Size:  16,
			Style: fontstyle.Bold,
		}),
		text.NewCol(4, snap.Header.Status, props.Text{
			Size:  12,
			Align: align.Right,
		}),
	)
	m.AddRow(6,
		text.NewCol(6, snap.Header.PeriodLabel, props.Text{Size: 9}),
		text.NewCol(6, "Due "+snap.Header.DueDate, props.Text{Size: 9, Align: align.Right}),
	)
	m.AddRow(8,
		text.NewCol(12, snap.Guardian.Name+"  "+snap.Guardian.Email, props.Text{Size: 10}),
	)

	m.AddRow(8, text.NewCol(12, "Lessons", props.Text{Size: 11, Style: fontstyle.Bold}))
	m.AddRow(5,
		text.NewCol(2, "Date", props.Text{Size: 8, Style: fontstyle.Bold}),
		text.NewCol(3, "Student", props.Text{Size: 8, Style: fontstyle.Bold}),
		text.NewCol(3, "Teacher", props.Text{Size: 8, Style: fontstyle.Bold}),
		text.NewCol(1, "Hours", props.Text{Size: 8, Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(1, "Rate", props.Text{Size: 8, Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Size: 8, Style: fontstyle.Bold, Align: align.Right}),
	)
	for _, item := range snap.Items {
		m.AddRow(5,
			text.NewCol(2, item.Date, props.Text{Size: 8}),
			text.NewCol(3, item.Student, props.Text{Size: 8}),
			text.NewCol(3, item.Teacher, props.Text{Size: 8}),
			text.NewCol(1, item.Duration, props.Text{Size: 8, Align: align.Right}),
			text.NewCol(1, item.Rate, props.Text{Size: 8, Align: align.Right}),
			text.NewCol(2, item.Amount, props.Text{Size: 8, Align: align.Right}),
		)
	}

	m.AddRow(8, text.NewCol(12, "Summary", props.Text{Size: 11, Style: fontstyle.Bold}))
	for _, entry := range snap.Financial {
		m.AddRow(5,
			text.NewCol(8, entry.Label, props.Text{Size: 9}),
			text.NewCol(4, entry.Value, props.Text{Size: 9, Align: align.Right}),
		)
	}

	if len(snap.Payments) > 0 {
		m.AddRow(8, text.NewCol(12, "Payments", props.Text{Size: 11, Style: fontstyle.Bold}))
		for _, entry := range snap.Payments {
			m.AddRow(5,
				text.NewCol(8, entry.Label, props.Text{Size: 9}),
				text.NewCol(4, entry.Value, props.Text{Size: 9, Align: align.Right}),
			)
		}
	}

	if snap.Notes != "" {
		m.AddRows(row.New(10).Add(col.New(12).Add(
			text.New(snap.Notes, props.Text{Size: 8}),
		)))
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
