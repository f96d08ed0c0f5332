// crmtowfirma/models/payment_record.go
package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Фазы платежа по сделке.
const (
	PhaseDeposit = "deposit" // первый взнос при рассрочке
	PhaseRest    = "rest"    // остаток при рассрочке
	PhaseSingle  = "single"  // единственный платеж без рассрочки
)

// Режимы плана оплаты.
const (
	PlanSingle = "single"
	PlanSplit  = "split"
)

// Статусы жизненного цикла платежной записи.
const (
	StatusOpen     = "open"
	StatusPaid     = "paid"
	StatusExpired  = "expired"
	StatusRefunded = "refunded"
)

// PaymentRecord — одна выставленная платежная сессия шлюза.
// Это единственная таблица, которой владеет движок: сделка живет в CRM,
// деньги — в шлюзе, а здесь фиксируется, что именно было выставлено.
type PaymentRecord struct {
	gorm.Model

	// DealID - ID сделки в CRM.
	DealID uint `json:"dealId" gorm:"index;not null"`

	// SessionID - ID checkout-сессии в платежном шлюзе.
	// NULL до момента создания сессии невозможен: запись создается только
	// после успешного ответа шлюза, но указатель оставлен на случай
	// ручных корректировок в БД.
	SessionID *string `json:"sessionId" gorm:"uniqueIndex"`

	// Phase - какой транш представляет запись: deposit, rest или single.
	Phase string `json:"phase" gorm:"index;not null"`

	// PlanMode - режим плана оплаты на момент выставления (single/split).
	// План фиксируется здесь навсегда: живой пересчет по мере приближения
	// даты мероприятия может дать другой ответ, но биллинг обязан следовать
	// тому плану, по которому был собран первый взнос.
	PlanMode string `json:"planMode"`

	// SecondPaymentDate - дата второго платежа, зафиксированная вместе с планом.
	SecondPaymentDate *time.Time `json:"secondPaymentDate"`

	// Amount - сумма сессии в исходной валюте сделки.
	Amount decimal.Decimal `json:"amount" gorm:"type:numeric(12,2)"`

	// Currency - исходная валюта (ISO-код, например "EUR").
	Currency string `json:"currency"`

	// ExchangeRate - курс к референсной валюте на момент выставления.
	// Исторические суммы не должны "плыть" при изменении рыночного курса.
	ExchangeRate decimal.Decimal `json:"exchangeRate" gorm:"type:numeric(12,6)"`

	// NormalizedAmount - сумма, приведенная к референсной валюте по ExchangeRate.
	NormalizedAmount decimal.Decimal `json:"normalizedAmount" gorm:"type:numeric(12,2)"`

	// Status - open, paid, expired или refunded. Записи никогда не удаляются
	// физически, жизненный цикл только мягкий.
	Status string `json:"status" gorm:"index;default:'open'"`

	// CustomerEmail - email плательщика, каким его знает шлюз.
	CustomerEmail string `json:"customerEmail"`

	// PaymentURL - ссылка на оплату, отправляется клиенту в уведомлении.
	PaymentURL string `json:"paymentUrl"`
}

func (PaymentRecord) TableName() string { return "payment_records" }
