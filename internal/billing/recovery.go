// crmtowfirma/internal/billing/recovery.go
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crmtowfirma/models"

	"github.com/shopspring/decimal"
)

// RecoverExpiredSessions находит сессии шлюза, истекшие неоплаченными за
// окно window, и перевыставляет их. Это единственное место, где намерение
// приходится восстанавливать из истории платежей, а не из живого плана:
// живой план к этому моменту может противоречить тому, что реально
// биллилось.
func (e *Engine) RecoverExpiredSessions(ctx context.Context, window time.Duration) (*Report, error) {
	report := NewReport()

	since := e.now().Add(-window)
	sessions, err := e.gateway.ListExpiredSessions(ctx, since)
	if err != nil {
		return report, fmt.Errorf("list expired sessions: %w", err)
	}

	// Группируем по сделке: у одной сделки может истечь несколько сессий,
	// а перевыставление нужно ровно одно.
	byDeal := make(map[uint][]CheckoutSession)
	for _, s := range sessions {
		if s.DealID == 0 {
			report.Inc("skip_no_deal_metadata")
			continue
		}
		if e.isExcludedEmail(s.CustomerEmail) {
			report.Inc("skip_excluded")
			continue
		}
		byDeal[s.DealID] = append(byDeal[s.DealID], s)
	}

	for dealID := range byDeal {
		if err := e.recoverDeal(ctx, dealID, report); err != nil {
			report.Fail(dealID, err)
		}
	}
	return report, nil
}

func (e *Engine) recoverDeal(ctx context.Context, dealID uint, report *Report) error {
	// Живая сессия уже есть — клиенту ничего перевыставлять не надо.
	for _, phase := range []string{models.PhaseDeposit, models.PhaseRest, models.PhaseSingle} {
		open, err := e.ledger.FindOpen(dealID, phase)
		if err != nil {
			return err
		}
		if open != nil {
			report.Inc("skip_open_session")
			return nil
		}
	}

	deal, err := e.crm.GetDeal(ctx, dealID)
	if err != nil {
		return fmt.Errorf("get deal: %w", err)
	}

	snap, err := e.Reconcile(ctx, deal)
	if err != nil {
		return err
	}
	if snap.Settled() {
		report.Inc("skip_settled")
		return nil
	}

	phase, override, err := e.recoveryPhase(deal, snap)
	if err != nil {
		return err
	}

	rec, err := e.IssueSession(ctx, deal, phase, override)
	if err != nil {
		return err
	}
	report.Inc("reissued_" + phase)

	// Напоминание менеджеру в CRM: клиент уже однажды не оплатил.
	due := e.now().AddDate(0, 0, 1)
	subject := fmt.Sprintf("Оплата не прошла, выставлена новая ссылка (%s %s)", rec.Amount, rec.Currency)
	if err := e.crm.CreateReminderTask(ctx, deal.ID, subject, due); err != nil {
		slog.Warn("Не удалось создать напоминание в CRM", "deal_id", deal.ID, "error", err)
	}
	return nil
}

// recoveryPhase решает, какую фазу перевыставить, по истории платежей:
//   - взнос оплачен → rest, независимо от того, что живой план теперь
//     говорит single (клиент должен остаток);
//   - взнос не оплачен, зафиксированный план split → deposit;
//   - иначе → single на всю недоплаченную сумму.
func (e *Engine) recoveryPhase(deal *Deal, snap *Snapshot) (string, *decimal.Decimal, error) {
	deposit, err := e.ledger.PaidDeposit(deal.ID)
	if err != nil {
		return "", nil, err
	}
	remaining := snap.Remaining()

	if deposit != nil {
		return models.PhaseRest, &remaining, nil
	}

	plan, err := e.PlanForDeal(deal)
	if err != nil {
		return "", nil, err
	}
	if plan.Mode == models.PlanSplit {
		// Первый взнос по формуле: платежей по сделке еще не было.
		return models.PhaseDeposit, nil, nil
	}
	return models.PhaseSingle, &remaining, nil
}

func (e *Engine) isExcludedEmail(email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return false
	}
	for _, ex := range e.cfg.ExcludedEmails {
		if email == ex {
			return true
		}
	}
	return false
}
