// crmtowfirma/internal/crm/client.go
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"crmtowfirma/internal/billing"

	"github.com/shopspring/decimal"
)

// Client — тонкая обертка над HTTP API системы ведения сделок.
// Движку от CRM нужно немного: прочитать сделку, список сделок под
// биллинг, перевести стадию, переписать код триггера и создать задачу.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		// Таймаут запроса ограничен здесь: зависший вызов CRM — провал
		// одной сделки, а не всего цикла.
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// dealPayload — сделка в формате API CRM.
type dealPayload struct {
	ID             uint    `json:"id"`
	Title          string  `json:"title"`
	Value          float64 `json:"value"`
	Currency       string  `json:"currency"`
	EventDate      string  `json:"event_date"` // YYYY-MM-DD, может быть пустой
	BillingTrigger int     `json:"billing_trigger"`
	StageID        uint    `json:"stage_id"`
	PersonEmail    string  `json:"person_email"`
}

func (p *dealPayload) toDeal() billing.Deal {
	deal := billing.Deal{
		ID:             p.ID,
		Title:          p.Title,
		Value:          decimal.NewFromFloat(p.Value),
		Currency:       p.Currency,
		BillingTrigger: p.BillingTrigger,
		StageID:        p.StageID,
		PersonEmail:    p.PersonEmail,
	}
	if p.EventDate != "" {
		if t, err := time.Parse("2006-01-02", p.EventDate); err == nil {
			deal.TargetDate = &t
		}
		// Некорректная дата — проблема качества данных в CRM, для
		// движка она равносильна отсутствию даты (план single).
	}
	return deal
}

func (c *Client) GetDeal(ctx context.Context, id uint) (*billing.Deal, error) {
	var resp struct {
		Data dealPayload `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/deals/%d", id), nil, &resp); err != nil {
		return nil, err
	}
	deal := resp.Data.toDeal()
	return &deal, nil
}

// ListBillableDeals возвращает открытые сделки, помеченные в CRM как
// оплачиваемые через шлюз (классификационное поле payment_scheme).
func (c *Client) ListBillableDeals(ctx context.Context) ([]billing.Deal, error) {
	var resp struct {
		Data []dealPayload `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/deals?status=open&payment_scheme=stripe", nil, &resp); err != nil {
		return nil, err
	}
	deals := make([]billing.Deal, 0, len(resp.Data))
	for i := range resp.Data {
		deals = append(deals, resp.Data[i].toDeal())
	}
	return deals, nil
}

func (c *Client) UpdateDealStage(ctx context.Context, dealID, stageID uint) error {
	body := map[string]interface{}{"stage_id": stageID}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/deals/%d", dealID), body, nil)
}

func (c *Client) UpdateBillingTrigger(ctx context.Context, dealID uint, code int) error {
	body := map[string]interface{}{"billing_trigger": code}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/v1/deals/%d", dealID), body, nil)
}

func (c *Client) CreateReminderTask(ctx context.Context, dealID uint, subject string, due time.Time) error {
	body := map[string]interface{}{
		"deal_id":  dealID,
		"subject":  subject,
		"due_date": due.Format("2006-01-02"),
		"type":     "task",
	}
	return c.do(ctx, http.MethodPost, "/api/v1/activities", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("crm request %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("crm response %s %s: %w", method, path, err)
		}
	}
	return nil
}
