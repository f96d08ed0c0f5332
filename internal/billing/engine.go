// crmtowfirma/internal/billing/engine.go
package billing

import (
	"context"
	"fmt"
	"time"

	"crmtowfirma/config"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Deal — сделка, какой ее видит CRM. Для движка она только читается:
// единственные поля, которые движок пишет обратно, — стадия воронки и
// код биллинг-триггера, и оба уходят через интерфейс CRM.
type Deal struct {
	ID             uint
	Title          string
	Value          decimal.Decimal
	Currency       string
	TargetDate     *time.Time
	BillingTrigger int
	StageID        uint
	PersonEmail    string
}

// CheckoutSession — платежная сессия, какой ее видит шлюз.
type CheckoutSession struct {
	ID            string
	URL           string
	Status        string // open, complete, expired
	Paid          bool
	DealID        uint
	Phase         string
	AmountTotal   decimal.Decimal
	Currency      string
	CustomerEmail string
	CreatedAt     time.Time
}

// CreateSessionParams — параметры создания checkout-сессии.
// DealID и Phase обязаны попасть в метаданные сессии: без них
// восстановление просроченных сессий не сможет привязать их к сделке.
type CreateSessionParams struct {
	DealID        uint
	Phase         string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	CustomerEmail string
}

// CRM — узкий интерфейс к системе ведения сделок.
type CRM interface {
	GetDeal(ctx context.Context, id uint) (*Deal, error)
	ListBillableDeals(ctx context.Context) ([]Deal, error)
	UpdateDealStage(ctx context.Context, dealID, stageID uint) error
	UpdateBillingTrigger(ctx context.Context, dealID uint, code int) error
	CreateReminderTask(ctx context.Context, dealID uint, subject string, due time.Time) error
}

// Gateway — узкий интерфейс к платежному шлюзу.
type Gateway interface {
	CreateSession(ctx context.Context, p CreateSessionParams) (*CheckoutSession, error)
	GetSession(ctx context.Context, id string) (*CheckoutSession, error)
	ListExpiredSessions(ctx context.Context, since time.Time) ([]CheckoutSession, error)
	RefundSession(ctx context.Context, sessionID string) error
}

// Notifier — отправка уведомлений: fire-and-forget, ошибка логируется
// и никогда не блокирует биллинг.
type Notifier interface {
	SendPaymentLink(ctx context.Context, email, url string, amount decimal.Decimal, currency string) error
}

// Rates — источник курса валюты к референсной валюте.
type Rates interface {
	Rate(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Engine связывает CRM, шлюз и локальный реестр платежей.
type Engine struct {
	ledger  *Ledger
	crm     CRM
	gateway Gateway
	notify  Notifier
	rates   Rates
	cfg     *config.Settings

	// now подменяется в тестах.
	now func() time.Time
}

func NewEngine(db *gorm.DB, crm CRM, gateway Gateway, notify Notifier, rates Rates, cfg *config.Settings) *Engine {
	return &Engine{
		ledger:  NewLedger(db),
		crm:     crm,
		gateway: gateway,
		notify:  notify,
		rates:   rates,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Ledger возвращает реестр платежей движка (используется обработчиками API).
func (e *Engine) Ledger() *Ledger { return e.ledger }

// CRM возвращает клиент CRM (используется обработчиками API).
func (e *Engine) CRM() CRM { return e.crm }

// Report — итог одного прохода цикла: счетчики по причинам и список
// ошибок по отдельным сделкам. Ошибка одной сделки не прерывает проход.
type Report struct {
	Counts map[string]int
	Errors []string
}

func NewReport() *Report {
	return &Report{Counts: make(map[string]int)}
}

func (r *Report) Inc(reason string) {
	r.Counts[reason]++
}

func (r *Report) Fail(dealID uint, err error) {
	r.Counts["errors"]++
	r.Errors = append(r.Errors, fmt.Sprintf("deal %d: %v", dealID, err))
}
