package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	diagnosticsdomain "github.com/smallbiznis/creditledger/internal/diagnostics/domain"
	ledgerdomain "github.com/smallbiznis/creditledger/internal/ledger/domain"
	"go.uber.org/zap"
)

const statementMaxRows = 1000

func (s *Service) Statement(ctx context.Context, accountID string) ([]byte, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, diagnosticsdomain.ErrInvalidAccount
	}

	txs, err := s.statementRows(ctx, accountID)
	if err != nil {
		return nil, err
	}
	cached, err := s.ledgerSvc.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 && cached == 0 {
		return nil, diagnosticsdomain.ErrAccountNotFound
	}
	active, err := s.ledgerSvc.ActiveSum(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Credit statement", props.Text{Size: 18, Style: fontstyle.Bold, Align: align.Left}),
		text.NewCol(4, now.Format("2006-01-02 15:04 UTC"), props.Text{Size: 9, Align: align.Right, Top: 4}),
	)
	m.AddRow(22,
		col.New(6).Add(
			text.New("Account: "+accountID, props.Text{Top: 0}),
			text.New(fmt.Sprintf("Transactions: %d", len(txs)), props.Text{Top: 5}),
		),
		col.New(6).Add(
			text.New(fmt.Sprintf("Cached balance: %d", cached), props.Text{Top: 0, Align: align.Right}),
			text.New(fmt.Sprintf("Ledger balance: %d", active), props.Text{Top: 5, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Type", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Reference", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Expires", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	for _, tx := range txs {
		m.AddRow(7,
			text.NewCol(3, tx.CreatedAt.UTC().Format("2006-01-02 15:04"), props.Text{Size: 8}),
			text.NewCol(2, string(tx.Type), props.Text{Size: 8}),
			text.NewCol(3, reference(tx), props.Text{Size: 8}),
			text.NewCol(2, expiry(tx.ExpiresAt, now), props.Text{Size: 8}),
			text.NewCol(2, fmt.Sprintf("%+d", tx.Amount), props.Text{Size: 8, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		s.log.Error("diagnostics.statement.render_failed", zap.String("account_id", accountID), zap.Error(err))
		return nil, err
	}
	return doc.GetBytes(), nil
}

func (s *Service) statementRows(ctx context.Context, accountID string) ([]ledgerdomain.Transaction, error) {
	var (
		out   []ledgerdomain.Transaction
		token string
	)
	for len(out) < statementMaxRows {
		page, err := s.ledgerSvc.List(ctx, ledgerdomain.ListRequest{AccountID: accountID, PageToken: token, PageSize: 200})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Transactions...)
		if !page.HasMore {
			break
		}
		token = page.NextPageToken
	}
	if len(out) > statementMaxRows {
		out = out[:statementMaxRows]
	}
	return out, nil
}

func reference(tx ledgerdomain.Transaction) string {
	switch {
	case tx.OrderRef != nil:
		return *tx.OrderRef
	case tx.TaskID != nil:
		return *tx.TaskID
	default:
		return tx.TransactionNumber
	}
}

func expiry(at *time.Time, now time.Time) string {
	switch {
	case at == nil:
		return "-"
	case !at.After(now):
		return "expired"
	default:
		return at.UTC().Format("2006-01-02")
	}
}
