// crmtowfirma/internal/billing/issuance.go
package billing

import (
	"context"
	"fmt"
	"log/slog"

	"crmtowfirma/models"

	"github.com/Knetic/govaluate"
	"github.com/shopspring/decimal"
)

// IssueSession выставляет checkout-сессию для фазы сделки.
// Это единственное место, где создаются новые обязательства по оплате,
// и его главный контракт — безопасность повторного вызова: пока по
// (сделке, фазе) висит open-запись, новая сессия не создается никогда.
func (e *Engine) IssueSession(ctx context.Context, deal *Deal, phase string, amountOverride *decimal.Decimal) (*models.PaymentRecord, error) {
	existing, err := e.ledger.FindOpen(deal.ID, phase)
	if err != nil {
		return nil, fmt.Errorf("ledger lookup: %w", err)
	}
	if existing != nil {
		slog.Info("Открытая сессия уже существует, новая не создается",
			"deal_id", deal.ID, "phase", phase, "session_id", existing.SessionID)
		return existing, nil
	}

	amount, err := e.sessionAmount(deal, phase, amountOverride)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("non-positive session amount %s for deal %d phase %s", amount, deal.ID, phase)
	}

	plan, err := e.PlanForDeal(deal)
	if err != nil {
		return nil, err
	}

	sess, err := e.gateway.CreateSession(ctx, CreateSessionParams{
		DealID:        deal.ID,
		Phase:         phase,
		Amount:        amount,
		Currency:      deal.Currency,
		Description:   deal.Title,
		CustomerEmail: deal.PersonEmail,
	})
	if err != nil {
		// Ничего не сохраняем: open-запись без реальной сессии хуже,
		// чем отсутствие записи. Ошибка уходит вызывающему, остальные
		// сделки цикла она не затрагивает.
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	rate := e.issuanceRate(ctx, deal.Currency)
	rec := models.PaymentRecord{
		DealID:            deal.ID,
		SessionID:         &sess.ID,
		Phase:             phase,
		PlanMode:          plan.Mode,
		SecondPaymentDate: plan.SecondPaymentDate,
		Amount:            amount,
		Currency:          deal.Currency,
		ExchangeRate:      rate,
		NormalizedAmount:  amount.Mul(rate).Round(2),
		Status:            models.StatusOpen,
		CustomerEmail:     deal.PersonEmail,
		PaymentURL:        sess.URL,
	}
	if err := e.ledger.Create(&rec); err != nil {
		return nil, fmt.Errorf("persist payment record: %w", err)
	}

	slog.Info("Выставлена платежная сессия",
		"deal_id", deal.ID, "phase", phase, "amount", amount.String(),
		"currency", deal.Currency, "session_id", sess.ID)

	// Уведомление клиенту — fire-and-forget.
	if e.notify != nil && deal.PersonEmail != "" {
		if err := e.notify.SendPaymentLink(ctx, deal.PersonEmail, sess.URL, amount, deal.Currency); err != nil {
			slog.Warn("Не удалось отправить ссылку на оплату", "deal_id", deal.ID, "error", err)
		}
	}

	return &rec, nil
}

// sessionAmount вычисляет сумму сессии: явное переопределение, иначе
// формула первого взноса для deposit, остаток после взноса для rest,
// полная сумма сделки для single.
func (e *Engine) sessionAmount(deal *Deal, phase string, override *decimal.Decimal) (decimal.Decimal, error) {
	if override != nil {
		return override.Round(2), nil
	}
	switch phase {
	case models.PhaseDeposit:
		return e.depositAmount(deal)
	case models.PhaseRest:
		dep, err := e.depositAmount(deal)
		if err != nil {
			return decimal.Zero, err
		}
		return deal.Value.Sub(dep).Round(2), nil
	case models.PhaseSingle:
		return deal.Value.Round(2), nil
	}
	return decimal.Zero, fmt.Errorf("unknown payment phase %q", phase)
}

// depositAmount считает первый взнос по настраиваемой формуле
// (по умолчанию "Total * 0.5"). Параметр формулы: Total — сумма сделки.
func (e *Engine) depositAmount(deal *Deal) (decimal.Decimal, error) {
	expr, err := govaluate.NewEvaluableExpression(e.cfg.DepositFormula)
	if err != nil {
		return decimal.Zero, fmt.Errorf("deposit formula %q: %w", e.cfg.DepositFormula, err)
	}
	total, _ := deal.Value.Float64()
	result, err := expr.Evaluate(map[string]interface{}{"Total": total})
	if err != nil {
		return decimal.Zero, fmt.Errorf("evaluate deposit formula: %w", err)
	}
	amount, ok := result.(float64)
	if !ok {
		return decimal.Zero, fmt.Errorf("deposit formula result is not a number: %v", result)
	}
	return decimal.NewFromFloat(amount).Round(2), nil
}

// issuanceRate возвращает курс валюты сделки к референсной валюте на
// момент выставления. Отсутствие курса — проблема качества данных, а не
// повод не выставить счет: сумма идет по номиналу с курсом 1:1.
func (e *Engine) issuanceRate(ctx context.Context, currency string) decimal.Decimal {
	if currency == e.cfg.ReferenceCurrency {
		return decimal.NewFromInt(1)
	}
	rate, err := e.rates.Rate(ctx, currency)
	if err != nil {
		slog.Warn("Курс валюты недоступен, сумма фиксируется по номиналу",
			"currency", currency, "error", err)
		return decimal.NewFromInt(1)
	}
	return rate
}
