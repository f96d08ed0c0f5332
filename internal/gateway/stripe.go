// crmtowfirma/internal/gateway/stripe.go
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"crmtowfirma/internal/billing"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// Client — тонкая обертка над Stripe: создать checkout-сессию, прочитать
// сессию, перечислить истекшие, вернуть деньги. Метаданные deal_id/phase
// кладутся в каждую сессию — без них сверка не смогла бы привязать
// сессию к сделке без отдельной таблицы соответствий.
type Client struct {
	sc *client.API
}

func NewClient(secretKey string) *Client {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &Client{sc: sc}
}

func (c *Client) CreateSession(ctx context.Context, p billing.CreateSessionParams) (*billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(p.Currency),
					UnitAmount: stripe.Int64(toMinorUnits(p.Amount)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(p.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"deal_id": strconv.FormatUint(uint64(p.DealID), 10),
			"phase":   p.Phase,
		},
		SuccessURL: stripe.String("https://billing.example.com/paid"),
		CancelURL:  stripe.String("https://billing.example.com/cancelled"),
	}
	if p.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(p.CustomerEmail)
	}
	params.Context = ctx

	sess, err := c.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return fromStripeSession(sess), nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := c.sc.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get checkout session %s: %w", id, err)
	}
	return fromStripeSession(sess), nil
}

// ListExpiredSessions перечисляет истекшие сессии, созданные не раньше since.
func (c *Client) ListExpiredSessions(ctx context.Context, since time.Time) ([]billing.CheckoutSession, error) {
	params := &stripe.CheckoutSessionListParams{
		Status: stripe.String(string(stripe.CheckoutSessionStatusExpired)),
		CreatedRange: &stripe.RangeQueryParams{
			GreaterThanOrEqual: since.Unix(),
		},
	}
	params.Context = ctx

	var sessions []billing.CheckoutSession
	iter := c.sc.CheckoutSessions.List(params)
	for iter.Next() {
		sessions = append(sessions, *fromStripeSession(iter.CheckoutSession()))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("stripe: list expired sessions: %w", err)
	}
	return sessions, nil
}

// RefundSession возвращает платеж по сессии целиком.
func (c *Client) RefundSession(ctx context.Context, sessionID string) error {
	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx
	sess, err := c.sc.CheckoutSessions.Get(sessionID, getParams)
	if err != nil {
		return fmt.Errorf("stripe: get session %s for refund: %w", sessionID, err)
	}
	if sess.PaymentIntent == nil {
		return fmt.Errorf("stripe: session %s has no payment intent", sessionID)
	}

	refundParams := &stripe.RefundParams{
		PaymentIntent: stripe.String(sess.PaymentIntent.ID),
	}
	refundParams.Context = ctx
	if _, err := c.sc.Refunds.New(refundParams); err != nil {
		return fmt.Errorf("stripe: refund session %s: %w", sessionID, err)
	}
	return nil
}

func fromStripeSession(s *stripe.CheckoutSession) *billing.CheckoutSession {
	out := &billing.CheckoutSession{
		ID:          s.ID,
		URL:         s.URL,
		Status:      string(s.Status),
		Paid:        s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		Currency:    string(s.Currency),
		AmountTotal: decimal.NewFromInt(s.AmountTotal).Div(decimal.NewFromInt(100)),
		CreatedAt:   time.Unix(s.Created, 0),
	}
	if s.CustomerEmail != "" {
		out.CustomerEmail = s.CustomerEmail
	} else if s.CustomerDetails != nil {
		out.CustomerEmail = s.CustomerDetails.Email
	}
	if raw, ok := s.Metadata["deal_id"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			out.DealID = uint(id)
		}
	}
	out.Phase = s.Metadata["phase"]
	return out
}

// toMinorUnits переводит сумму в минимальные единицы валюты (центы/гроши).
func toMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
