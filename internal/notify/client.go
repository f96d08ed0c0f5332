// crmtowfirma/internal/notify/client.go
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Client отправляет клиенту сообщение со ссылкой на оплату через внешний
// сервис уведомлений. Шаблонизация текста — забота сервиса, сюда уходят
// только адресат, ссылка и сумма. Вызовы fire-and-forget: неудачу логирует
// вызывающий, биллинг она не блокирует.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) SendPaymentLink(ctx context.Context, email, url string, amount decimal.Decimal, currency string) error {
	if c.url == "" {
		return nil // сервис уведомлений не настроен
	}
	payload := map[string]interface{}{
		"recipient":    email,
		"payment_link": url,
		"amount":       amount.StringFixed(2),
		"currency":     currency,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify request: status %d", resp.StatusCode)
	}
	return nil
}
