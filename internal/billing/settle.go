// crmtowfirma/internal/billing/settle.go
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crmtowfirma/models"
)

// ErrUnknownSession — сессия шлюза, которой нет в реестре (например,
// выставленная вручную из дашборда Stripe). Для вебхука это не ошибка.
var ErrUnknownSession = errors.New("unknown session")

// PollSettlements опрашивает шлюз по всем открытым записям реестра и
// применяет переходы open→paid и open→expired. Вебхук делает то же самое
// быстрее, но опрос остается страховкой: пропущенный вебхук не должен
// оставить оплату незамеченной.
func (e *Engine) PollSettlements(ctx context.Context) (*Report, error) {
	report := NewReport()

	open, err := e.ledger.ListOpen()
	if err != nil {
		return report, fmt.Errorf("list open records: %w", err)
	}

	for i := range open {
		rec := &open[i]
		if rec.SessionID == nil {
			report.Inc("skip_no_session")
			continue
		}
		sess, err := e.gateway.GetSession(ctx, *rec.SessionID)
		if err != nil {
			report.Fail(rec.DealID, fmt.Errorf("get session %s: %w", *rec.SessionID, err))
			continue
		}
		switch {
		case sess.Paid:
			if err := e.MarkSessionPaid(ctx, *rec.SessionID); err != nil {
				report.Fail(rec.DealID, err)
				continue
			}
			report.Inc("paid")
		case sess.Status == "expired":
			if err := e.ledger.SetStatus(rec, models.StatusExpired); err != nil {
				report.Fail(rec.DealID, err)
				continue
			}
			report.Inc("expired")
		default:
			report.Inc("still_open")
		}
	}
	return report, nil
}

// MarkSessionPaid переводит запись сессии в paid и подтягивает стадию
// сделки в CRM по свежей сверке. Используется и опросом, и вебхуком.
func (e *Engine) MarkSessionPaid(ctx context.Context, sessionID string) error {
	rec, err := e.ledger.BySessionID(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.Status == models.StatusPaid {
		// Повторный вебхук или гонка опроса с вебхуком: оплату вторым
		// разом не засчитываем.
		return nil
	}
	if err := e.ledger.SetStatus(rec, models.StatusPaid); err != nil {
		return err
	}
	slog.Info("Платеж подтвержден", "deal_id", rec.DealID, "phase", rec.Phase, "session_id", sessionID)

	deal, err := e.crm.GetDeal(ctx, rec.DealID)
	if err != nil {
		return fmt.Errorf("get deal after payment: %w", err)
	}
	snap, err := e.Reconcile(ctx, deal)
	if err != nil {
		return err
	}
	return e.applyStage(ctx, deal, snap)
}

// MarkSessionExpired переводит запись сессии в expired (вебхук
// checkout.session.expired).
func (e *Engine) MarkSessionExpired(sessionID string) error {
	rec, err := e.ledger.BySessionID(sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.Status != models.StatusOpen {
		return nil
	}
	return e.ledger.SetStatus(rec, models.StatusExpired)
}

// SweepBillingTriggers обходит сделки с выставленным кодом
// биллинг-триггера: код "выставить" порождает первый платеж по плану,
// код "удалить" возвращает уже собранные деньги. Обработанной сделке
// код переписывается на "готово", чтобы триггер не сработал повторно.
func (e *Engine) SweepBillingTriggers(ctx context.Context) (*Report, error) {
	report := NewReport()

	deals, err := e.crm.ListBillableDeals(ctx)
	if err != nil {
		return report, fmt.Errorf("list billable deals: %w", err)
	}

	for i := range deals {
		deal := &deals[i]
		switch deal.BillingTrigger {
		case e.cfg.TriggerIssueCode:
			if err := e.issueFirstPayment(ctx, deal, report); err != nil {
				report.Fail(deal.ID, err)
			}
		case e.cfg.TriggerDeleteCode:
			if err := e.refundDeal(ctx, deal, report); err != nil {
				report.Fail(deal.ID, err)
			}
		}
	}
	return report, nil
}

func (e *Engine) issueFirstPayment(ctx context.Context, deal *Deal, report *Report) error {
	snap, err := e.Reconcile(ctx, deal)
	if err != nil {
		return err
	}
	if snap.Settled() {
		// Ошибка контракта: триггер на полностью оплаченной сделке.
		// Явный skip с причиной, не тихий no-op.
		report.Inc("skip_already_settled")
		slog.Warn("Триггер выставления на полностью оплаченной сделке", "deal_id", deal.ID)
		return e.crm.UpdateBillingTrigger(ctx, deal.ID, e.cfg.TriggerDoneCode)
	}

	plan, err := e.PlanForDeal(deal)
	if err != nil {
		return err
	}
	phase := models.PhaseSingle
	if plan.Mode == models.PlanSplit {
		phase = models.PhaseDeposit
	}

	if _, err := e.IssueSession(ctx, deal, phase, nil); err != nil {
		return err
	}
	report.Inc("issued_" + phase)
	return e.crm.UpdateBillingTrigger(ctx, deal.ID, e.cfg.TriggerDoneCode)
}

// refundDeal возвращает все оплаченные сессии сделки через шлюз и
// помечает записи как refunded.
func (e *Engine) refundDeal(ctx context.Context, deal *Deal, report *Report) error {
	recs, err := e.ledger.ListByDeal(deal.ID)
	if err != nil {
		return err
	}
	for i := range recs {
		rec := &recs[i]
		if rec.Status != models.StatusPaid || rec.SessionID == nil {
			continue
		}
		if err := e.gateway.RefundSession(ctx, *rec.SessionID); err != nil {
			return fmt.Errorf("refund session %s: %w", *rec.SessionID, err)
		}
		if err := e.ledger.SetStatus(rec, models.StatusRefunded); err != nil {
			return err
		}
		report.Inc("refunded")
		slog.Info("Платеж возвращен", "deal_id", deal.ID, "session_id", *rec.SessionID)
	}
	return e.crm.UpdateBillingTrigger(ctx, deal.ID, e.cfg.TriggerDoneCode)
}
