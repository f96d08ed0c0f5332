// crmtowfirma/internal/billing/secondpay.go
package billing

import (
	"context"
	"fmt"
	"time"

	"crmtowfirma/models"

	"github.com/shopspring/decimal"
)

// IssuedPayment — один выставленный в ходе прохода платеж.
type IssuedPayment struct {
	DealID   uint            `json:"dealId"`
	Phase    string          `json:"phase"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// FindDealsNeedingSecondPayment находит сделки, у которых первый взнос
// оплачен и подошла дата второго платежа, и выставляет для них остаток.
//
// План читается из записи первого взноса, а не из живой даты мероприятия:
// к моменту второго платежа до мероприятия остается меньше 30 дней и живой
// пересчет всегда ответил бы single.
func (e *Engine) FindDealsNeedingSecondPayment(ctx context.Context, asOf time.Time) ([]IssuedPayment, *Report, error) {
	report := NewReport()

	deals, err := e.crm.ListBillableDeals(ctx)
	if err != nil {
		return nil, report, fmt.Errorf("list billable deals: %w", err)
	}

	var issued []IssuedPayment
	for i := range deals {
		deal := &deals[i]
		p, err := e.secondPaymentForDeal(ctx, deal, asOf, report)
		if err != nil {
			report.Fail(deal.ID, err)
			continue
		}
		if p != nil {
			issued = append(issued, *p)
			report.Inc("issued")
		}
	}
	return issued, report, nil
}

func (e *Engine) secondPaymentForDeal(ctx context.Context, deal *Deal, asOf time.Time, report *Report) (*IssuedPayment, error) {
	deposit, err := e.ledger.PaidDeposit(deal.ID)
	if err != nil {
		return nil, err
	}
	if deposit == nil {
		report.Inc("skip_deposit_unpaid")
		return nil, nil
	}

	if deposit.PlanMode != models.PlanSplit {
		report.Inc("skip_single_plan")
		return nil, nil
	}

	hasRest, err := e.ledger.HasRest(deal.ID)
	if err != nil {
		return nil, err
	}
	if hasRest {
		report.Inc("skip_rest_exists")
		return nil, nil
	}

	if deposit.SecondPaymentDate == nil || deposit.SecondPaymentDate.After(asOf) {
		report.Inc("skip_not_due")
		return nil, nil
	}

	// Остаток считается от фактически оплаченного, а не плоской половиной:
	// ручные и частичные платежи уменьшают второй транш.
	snap, err := e.Reconcile(ctx, deal)
	if err != nil {
		return nil, err
	}
	if snap.Settled() {
		report.Inc("skip_settled")
		return nil, nil
	}
	remaining := snap.Remaining()
	if !remaining.IsPositive() {
		report.Inc("skip_nothing_owed")
		return nil, nil
	}

	rec, err := e.IssueSession(ctx, deal, models.PhaseRest, &remaining)
	if err != nil {
		return nil, err
	}
	return &IssuedPayment{
		DealID:   deal.ID,
		Phase:    rec.Phase,
		Amount:   rec.Amount,
		Currency: rec.Currency,
	}, nil
}
