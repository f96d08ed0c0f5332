// crmtowfirma/internal/billing/reconcile.go
package billing

import (
	"context"
	"fmt"
	"log/slog"

	"crmtowfirma/models"

	"github.com/shopspring/decimal"
)

// Пороги доли оплаченного, при которых сделка переводится на новую стадию.
// ≥95% считается полностью оплаченной: округления и курсовые копейки не
// должны держать сделку в должниках.
var (
	fullyPaidThreshold   = decimal.NewFromFloat(0.95)
	depositPaidThreshold = decimal.NewFromFloat(0.45)
)

// Snapshot — результат сверки по одной сделке. Обе стороны сравнения
// приведены к референсной валюте: Expected — сумма сделки по курсу,
// зафиксированному при первом выставлении, PaidSum — оплаченные записи
// по их собственным зафиксированным курсам. Никогда не кэшируется:
// каждая сверка читает реестр заново.
type Snapshot struct {
	DealID        uint            `json:"dealId"`
	DealCurrency  string          `json:"dealCurrency"`
	DealRate      decimal.Decimal `json:"dealRate"`
	Expected      decimal.Decimal `json:"expected"`
	PaidSum       decimal.Decimal `json:"paidSum"`
	Ratio         decimal.Decimal `json:"ratio"`
	TargetStageID uint            `json:"targetStageId"`
	// Notes — отметки о консервативных допущениях (например, платеж
	// просуммирован по номиналу из-за отсутствия курса).
	Notes []string `json:"notes,omitempty"`
}

// Remaining возвращает недоплату в валюте сделки — именно на эту сумму
// выставляется следующая сессия.
func (s *Snapshot) Remaining() decimal.Decimal {
	rem := s.Expected.Sub(s.PaidSum)
	if !rem.IsPositive() {
		return decimal.Zero
	}
	if s.DealRate.IsPositive() {
		return rem.Div(s.DealRate).Round(2)
	}
	return rem.Round(2)
}

// Settled сообщает, оплачена ли сделка полностью.
func (s *Snapshot) Settled() bool {
	return s.Ratio.GreaterThanOrEqual(fullyPaidThreshold)
}

// Reconcile сверяет, сколько по сделке реально оплачено, с тем, сколько
// ожидается. Функция без побочных эффектов: перевод стадии в CRM делает
// вызывающий по полю TargetStageID.
func (e *Engine) Reconcile(ctx context.Context, deal *Deal) (*Snapshot, error) {
	recs, err := e.ledger.ListByDeal(deal.ID)
	if err != nil {
		return nil, fmt.Errorf("list payment records: %w", err)
	}

	snap := &Snapshot{
		DealID:       deal.ID,
		DealCurrency: deal.Currency,
		DealRate:     e.dealRate(ctx, deal, recs),
	}
	snap.Expected = deal.Value.Mul(snap.DealRate).Round(2)

	for i := range recs {
		rec := &recs[i]
		if rec.Status != models.StatusPaid {
			continue
		}
		snap.PaidSum = snap.PaidSum.Add(e.normalizedAmount(ctx, rec, snap))
	}

	if snap.Expected.IsPositive() {
		snap.Ratio = snap.PaidSum.Div(snap.Expected).Round(4)
	}
	// Нулевая ожидаемая сумма: доля не определена, сделка не считается
	// оплаченной — стадия не меняется.

	switch {
	case snap.Ratio.GreaterThanOrEqual(fullyPaidThreshold):
		snap.TargetStageID = e.cfg.StageFullyPaidID
	case snap.Ratio.GreaterThanOrEqual(depositPaidThreshold):
		snap.TargetStageID = e.cfg.StageDepositPaidID
	}

	return snap, nil
}

// dealRate — курс валюты сделки к референсной для нормализации ожидаемой
// суммы. Приоритет тот же, что и для платежей: курс, зафиксированный при
// первом выставлении в валюте сделки, затем живой курс, затем 1:1.
// Ожидаемое и оплаченное обязаны нормализоваться одинаково, иначе доля
// оплаченного теряет смысл.
func (e *Engine) dealRate(ctx context.Context, deal *Deal, recs []models.PaymentRecord) decimal.Decimal {
	for i := range recs {
		if recs[i].Currency == deal.Currency && recs[i].ExchangeRate.IsPositive() {
			return recs[i].ExchangeRate
		}
	}
	return e.issuanceRate(ctx, deal.Currency)
}

// normalizedAmount приводит сумму записи к референсной валюте.
// Приоритет: курс, зафиксированный при выставлении; затем живой курс;
// затем 1:1. Платеж никогда не выбрасывается молча.
func (e *Engine) normalizedAmount(ctx context.Context, rec *models.PaymentRecord, snap *Snapshot) decimal.Decimal {
	if rec.ExchangeRate.IsPositive() {
		return rec.Amount.Mul(rec.ExchangeRate).Round(2)
	}
	if rec.Currency == e.cfg.ReferenceCurrency {
		return rec.Amount.Round(2)
	}
	rate, err := e.rates.Rate(ctx, rec.Currency)
	if err != nil {
		slog.Warn("Сверка: курс валюты недоступен, платеж учтен по номиналу",
			"deal_id", rec.DealID, "record_id", rec.ID, "currency", rec.Currency, "error", err)
		snap.Notes = append(snap.Notes,
			fmt.Sprintf("record %d: missing %s rate, counted at face value", rec.ID, rec.Currency))
		return rec.Amount.Round(2)
	}
	return rec.Amount.Mul(rate).Round(2)
}

// applyStage переводит сделку на стадию из снапшота, если она отличается
// от текущей. Вызывается циклами после подтверждения оплаты.
func (e *Engine) applyStage(ctx context.Context, deal *Deal, snap *Snapshot) error {
	if snap.TargetStageID == 0 || snap.TargetStageID == deal.StageID {
		return nil
	}
	if err := e.crm.UpdateDealStage(ctx, deal.ID, snap.TargetStageID); err != nil {
		return fmt.Errorf("update deal stage: %w", err)
	}
	slog.Info("Сделка переведена на новую стадию",
		"deal_id", deal.ID, "stage_id", snap.TargetStageID, "ratio", snap.Ratio.String())
	return nil
}
