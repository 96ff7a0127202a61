package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type MarotoProvider struct{}

func (p *MarotoProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(14,
		text.NewCol(8, "Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, receipt.FacilityName, props.Text{
			Size:  10,
			Align: align.Right,
		}),
	)

	m.AddRow(16,
		col.New(6).Add(
			text.New("Invoice number: "+receipt.InvoiceNumber, props.Text{Top: 0}),
			text.New("Date of issue: "+receipt.IssueDate, props.Text{Top: 4}),
			text.New("Date paid: "+receipt.DatePaid, props.Text{Top: 8}),
		),
		col.New(6).Add(
			text.New("Patient", props.Text{Style: fontstyle.Bold}),
			text.New(receipt.PatientName, props.Text{Top: 4}),
		),
	)

	m.AddRow(4, line.NewCol(12))

	m.AddRow(8,
		text.NewCol(7, "Description", props.Text{Style: fontstyle.Bold}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Align: align.Right}),
	)
	for _, item := range receipt.Items {
		m.AddRow(7,
			text.NewCol(7, item.Description),
			text.NewCol(2, fmt.Sprintf("%d", item.Qty), props.Text{Align: align.Right}),
			text.NewCol(3, item.Amount, props.Text{Align: align.Right}),
		)
	}

	m.AddRow(4, line.NewCol(12))

	m.AddRow(8,
		col.New(7),
		text.NewCol(2, "Total", props.Text{Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(3, receipt.Total, props.Text{Align: align.Right}),
	)
	m.AddRow(8,
		col.New(7),
		text.NewCol(2, "Paid", props.Text{Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(3, receipt.NetPaid, props.Text{Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("render receipt pdf: %w", err)
	}
	return bytes.NewReader(doc.GetBytes()), nil
}
