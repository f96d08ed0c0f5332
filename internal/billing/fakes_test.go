package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"crmtowfirma/config"
	"crmtowfirma/models"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// --- Test doubles ---

type fakeGateway struct {
	createCalls int
	failCreate  bool
	sessions    map[string]*CheckoutSession
	expired     []CheckoutSession
	refunded    []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{sessions: make(map[string]*CheckoutSession)}
}

func (g *fakeGateway) CreateSession(_ context.Context, p CreateSessionParams) (*CheckoutSession, error) {
	if g.failCreate {
		return nil, errors.New("gateway unavailable")
	}
	g.createCalls++
	sess := &CheckoutSession{
		ID:            fmt.Sprintf("cs_test_%d", g.createCalls),
		URL:           fmt.Sprintf("https://pay.example.com/cs_test_%d", g.createCalls),
		Status:        "open",
		DealID:        p.DealID,
		Phase:         p.Phase,
		AmountTotal:   p.Amount,
		Currency:      p.Currency,
		CustomerEmail: p.CustomerEmail,
		CreatedAt:     time.Now(),
	}
	g.sessions[sess.ID] = sess
	return sess, nil
}

func (g *fakeGateway) GetSession(_ context.Context, id string) (*CheckoutSession, error) {
	sess, ok := g.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such session %s", id)
	}
	return sess, nil
}

func (g *fakeGateway) ListExpiredSessions(_ context.Context, since time.Time) ([]CheckoutSession, error) {
	var out []CheckoutSession
	for _, s := range g.expired {
		if !s.CreatedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (g *fakeGateway) RefundSession(_ context.Context, sessionID string) error {
	g.refunded = append(g.refunded, sessionID)
	return nil
}

type fakeCRM struct {
	deals          map[uint]*Deal
	stageUpdates   map[uint]uint
	triggerUpdates map[uint]int
	tasks          []string
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{
		deals:          make(map[uint]*Deal),
		stageUpdates:   make(map[uint]uint),
		triggerUpdates: make(map[uint]int),
	}
}

func (c *fakeCRM) GetDeal(_ context.Context, id uint) (*Deal, error) {
	deal, ok := c.deals[id]
	if !ok {
		return nil, fmt.Errorf("deal %d not found", id)
	}
	cp := *deal
	return &cp, nil
}

func (c *fakeCRM) ListBillableDeals(_ context.Context) ([]Deal, error) {
	var out []Deal
	for _, d := range c.deals {
		out = append(out, *d)
	}
	return out, nil
}

func (c *fakeCRM) UpdateDealStage(_ context.Context, dealID, stageID uint) error {
	c.stageUpdates[dealID] = stageID
	if d, ok := c.deals[dealID]; ok {
		d.StageID = stageID
	}
	return nil
}

func (c *fakeCRM) UpdateBillingTrigger(_ context.Context, dealID uint, code int) error {
	c.triggerUpdates[dealID] = code
	if d, ok := c.deals[dealID]; ok {
		d.BillingTrigger = code
	}
	return nil
}

func (c *fakeCRM) CreateReminderTask(_ context.Context, dealID uint, subject string, _ time.Time) error {
	c.tasks = append(c.tasks, fmt.Sprintf("%d:%s", dealID, subject))
	return nil
}

type fakeRates struct {
	rates map[string]decimal.Decimal
}

func (r *fakeRates) Rate(_ context.Context, currency string) (decimal.Decimal, error) {
	if rate, ok := r.rates[currency]; ok {
		return rate, nil
	}
	return decimal.Zero, fmt.Errorf("no rate for %s", currency)
}

type fakeNotifier struct {
	sent []string
}

func (n *fakeNotifier) SendPaymentLink(_ context.Context, email, url string, _ decimal.Decimal, _ string) error {
	n.sent = append(n.sent, email+":"+url)
	return nil
}

// --- Engine wiring for tests ---

type testEnv struct {
	engine  *Engine
	gateway *fakeGateway
	crm     *fakeCRM
	rates   *fakeRates
	notify  *fakeNotifier
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	cfg := &config.Settings{
		ReferenceCurrency:  "PLN",
		DepositFormula:     "Total * 0.5",
		TriggerIssueCode:   46,
		TriggerDoneCode:    47,
		TriggerDeleteCode:  48,
		StageDepositPaidID: 5,
		StageFullyPaidID:   6,
	}

	env := &testEnv{
		gateway: newFakeGateway(),
		crm:     newFakeCRM(),
		rates:   &fakeRates{rates: map[string]decimal.Decimal{"EUR": decimal.NewFromFloat(4.30)}},
		notify:  &fakeNotifier{},
		now:     time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewEngine(db, env.crm, env.gateway, env.notify, env.rates, cfg)
	env.engine.now = func() time.Time { return env.now }

	if err := env.engine.Ledger().Migrate(); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}
	return env
}

// addDeal раскладывает сделку в фейковую CRM и возвращает ее.
func (env *testEnv) addDeal(id uint, value float64, currency string, targetInDays int) *Deal {
	deal := &Deal{
		ID:          id,
		Title:       fmt.Sprintf("Deal %d", id),
		Value:       decimal.NewFromFloat(value),
		Currency:    currency,
		PersonEmail: fmt.Sprintf("client%d@example.com", id),
		StageID:     1,
	}
	if targetInDays >= 0 {
		target := env.now.AddDate(0, 0, targetInDays)
		deal.TargetDate = &target
	}
	env.crm.deals[id] = deal
	return deal
}

// markPaid помечает сессию оплаченной и в шлюзе, и в реестре.
func (env *testEnv) markPaid(t *testing.T, rec *models.PaymentRecord) {
	t.Helper()
	if rec.SessionID != nil {
		if sess, ok := env.gateway.sessions[*rec.SessionID]; ok {
			sess.Status = "complete"
			sess.Paid = true
		}
	}
	if err := env.engine.Ledger().SetStatus(rec, models.StatusPaid); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}
