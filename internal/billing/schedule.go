// crmtowfirma/internal/billing/schedule.go
package billing

import (
	"time"

	"crmtowfirma/models"
)

// splitHorizon — минимальный срок до даты мероприятия, при котором сделка
// разбивается на два платежа. Ровно 30 дней — еще рассрочка.
const splitHorizon = 30 * 24 * time.Hour

// Plan — план оплаты сделки: одним платежом или в два транша.
// План выводится из даты мероприятия и нигде не хранится сам по себе;
// при выставлении первого платежа он фиксируется в PaymentRecord.
type Plan struct {
	Mode              string // models.PlanSingle или models.PlanSplit
	SecondPaymentDate *time.Time
}

// DeterminePlan — чистая функция: дата мероприятия (может отсутствовать)
// и момент оценки. Отсутствие даты — не ошибка, а обычный единый платеж.
// Второй платеж назначается за календарный месяц до мероприятия.
func DeterminePlan(targetDate *time.Time, now time.Time) Plan {
	if targetDate == nil {
		return Plan{Mode: models.PlanSingle}
	}
	if targetDate.Sub(now) < splitHorizon {
		return Plan{Mode: models.PlanSingle}
	}
	second := targetDate.AddDate(0, -1, 0)
	return Plan{Mode: models.PlanSplit, SecondPaymentDate: &second}
}

// PlanForDeal возвращает план, по которому сделка реально биллится:
// если по сделке уже есть платежная запись — план, зафиксированный при ее
// выставлении, иначе живой пересчет. Дата мероприятия со временем
// "подъезжает" к 30-дневной границе, и живой план может перевернуться
// в single уже после того, как взнос по split собран — верить можно
// только записи.
func (e *Engine) PlanForDeal(deal *Deal) (Plan, error) {
	first, err := e.ledger.FirstByDeal(deal.ID)
	if err != nil {
		return Plan{}, err
	}
	if first != nil && first.PlanMode != "" {
		return Plan{Mode: first.PlanMode, SecondPaymentDate: first.SecondPaymentDate}, nil
	}
	return DeterminePlan(deal.TargetDate, e.now()), nil
}
