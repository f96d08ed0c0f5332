// crmtowfirma/internal/fx/rates.go
package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Курсы берутся из таблицы A НБП (средние курсы к злотому).
const nbpRateURL = "https://api.nbp.pl/api/exchangerates/rates/a/%s/?format=json"

// cacheTTL — курс достаточно обновлять дважды в сутки.
const cacheTTL = 12 * time.Hour

// Service отдает курс валюты к референсной валюте. Все точки, где считаются
// деньги, ходят сюда: выставление фиксирует курс в записи, сверка использует
// его же, и исторические суммы не плывут при изменении рыночного курса.
type Service struct {
	reference string
	rateURL   string
	rdb       *redis.Client // nil — кэширование отключено
	http      *http.Client
}

func NewService(reference string, rdb *redis.Client) *Service {
	return &Service{
		reference: strings.ToUpper(reference),
		rateURL:   nbpRateURL,
		rdb:       rdb,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Rate возвращает курс currency → референсная валюта.
// НБП публикует средние курсы к злотому, поэтому для референсной валюты,
// отличной от PLN, берется кросс-курс через злотый.
func (s *Service) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(currency)
	if currency == s.reference {
		return decimal.NewFromInt(1), nil
	}

	from, err := s.midToPLN(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	to, err := s.midToPLN(ctx, s.reference)
	if err != nil {
		return decimal.Zero, err
	}
	if !to.IsPositive() {
		return decimal.Zero, fmt.Errorf("fx: non-positive reference rate for %s", s.reference)
	}
	return from.Div(to).Round(6), nil
}

// midToPLN возвращает средний курс валюты к злотому (PLN → 1).
func (s *Service) midToPLN(ctx context.Context, currency string) (decimal.Decimal, error) {
	if currency == "PLN" {
		return decimal.NewFromInt(1), nil
	}

	cacheKey := "fx:mid:" + currency
	if s.rdb != nil {
		if cached, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil {
			if rate, derr := decimal.NewFromString(cached); derr == nil {
				return rate, nil
			}
		} else if err != redis.Nil {
			slog.Warn("Redis недоступен при чтении курса", "currency", currency, "error", err)
		}
	}

	rate, err := s.fetchMid(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, cacheKey, rate.String(), cacheTTL).Err(); err != nil {
			slog.Warn("Не удалось закэшировать курс", "currency", currency, "error", err)
		}
	}
	return rate, nil
}

func (s *Service) fetchMid(ctx context.Context, currency string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf(s.rateURL, strings.ToLower(currency)), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fx: fetch %s rate: %w", currency, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("fx: fetch %s rate: status %d", currency, resp.StatusCode)
	}

	var payload struct {
		Rates []struct {
			Mid float64 `json:"mid"`
		} `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("fx: decode %s rate: %w", currency, err)
	}
	if len(payload.Rates) == 0 {
		return decimal.Zero, fmt.Errorf("fx: no rate published for %s", currency)
	}
	return decimal.NewFromFloat(payload.Rates[0].Mid), nil
}
