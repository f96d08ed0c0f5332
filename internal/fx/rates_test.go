package fx

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

// nbpStub поднимает сервер с фиксированными средними курсами к злотому
// в формате таблицы A НБП.
func nbpStub(t *testing.T, mids map[string]float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		code := strings.ToUpper(parts[len(parts)-1])
		mid, ok := mids[code]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprintf(w, `{"table":"A","currency":"x","code":%q,"rates":[{"no":"1","effectiveDate":"2024-05-10","mid":%v}]}`, code, mid)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, reference string, mids map[string]float64) *Service {
	t.Helper()
	srv := nbpStub(t, mids)
	s := NewService(reference, nil)
	s.rateURL = srv.URL + "/%s"
	return s
}

func TestRateToPLN(t *testing.T) {
	s := newTestService(t, "PLN", map[string]float64{"EUR": 4.30})

	rate, err := s.Rate(context.Background(), "eur")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(4.30)) {
		t.Errorf("rate = %s, want 4.3", rate)
	}
}

func TestRateReferenceCurrencyIsOne(t *testing.T) {
	// Сервер намеренно пустой: за курсом референсной валюты ходить незачем.
	s := newTestService(t, "PLN", nil)

	rate, err := s.Rate(context.Background(), "PLN")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(1)) {
		t.Errorf("rate = %s, want 1", rate)
	}
}

func TestRateCrossThroughPLN(t *testing.T) {
	// Референсная валюта EUR: курс USD→EUR считается кросс-курсом
	// через средние курсы к злотому.
	s := newTestService(t, "EUR", map[string]float64{"EUR": 4.30, "USD": 3.87})

	rate, err := s.Rate(context.Background(), "USD")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.9)) {
		t.Errorf("rate = %s, want 0.9 (3.87 / 4.30)", rate)
	}
}

func TestRateUnknownCurrency(t *testing.T) {
	s := newTestService(t, "PLN", map[string]float64{"EUR": 4.30})

	if _, err := s.Rate(context.Background(), "XXX"); err == nil {
		t.Error("expected an error for a currency the table does not list")
	}
}
