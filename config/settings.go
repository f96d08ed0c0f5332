// crmtowfirma/config/settings.go
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings хранит все настройки приложения, прочитанные из переменных окружения.
// Заполняется один раз при старте через LoadSettings().
type Settings struct {
	// Валюта, к которой нормализуются все суммы (по умолчанию PLN).
	ReferenceCurrency string

	// Формула расчета первого взноса. Параметр "Total" — полная сумма сделки.
	DepositFormula string

	// Коды значений пользовательского поля "биллинг-триггер" в CRM.
	TriggerIssueCode  int // выставить счет
	TriggerDoneCode   int // обработано
	TriggerDeleteCode int // вернуть деньги и закрыть

	// ID стадий воронки в CRM.
	StageDepositPaidID uint
	StageFullyPaidID   uint

	// Email-адреса клиентов, которые исключаются из восстановления сессий
	// (внутренний и тестовый трафик).
	ExcludedEmails []string

	// Интервалы циклов планировщика.
	SettlementInterval time.Duration
	IssuanceInterval   time.Duration
	DailyInterval      time.Duration
	RetryDelay         time.Duration

	// Окно поиска просроченных сессий.
	RecoveryWindow time.Duration

	// Доступ к внешним сервисам.
	CRMBaseURL          string
	CRMToken            string
	StripeKey           string
	StripeWebhookSecret string
	NotifyURL           string
}

var App Settings

var JwtKey []byte

// LoadSettings читает настройки из окружения. Отсутствие обязательных
// переменных — фатальная ошибка, значения по умолчанию логируются.
func LoadSettings() {
	App = Settings{
		ReferenceCurrency:   envString("REFERENCE_CURRENCY", "PLN"),
		DepositFormula:      envString("DEPOSIT_FORMULA", "Total * 0.5"),
		TriggerIssueCode:    envInt("BILLING_TRIGGER_ISSUE", 46),
		TriggerDoneCode:     envInt("BILLING_TRIGGER_DONE", 47),
		TriggerDeleteCode:   envInt("BILLING_TRIGGER_DELETE", 48),
		StageDepositPaidID:  uint(envInt("STAGE_DEPOSIT_PAID_ID", 0)),
		StageFullyPaidID:    uint(envInt("STAGE_FULLY_PAID_ID", 0)),
		SettlementInterval:  envDuration("SETTLEMENT_INTERVAL", time.Minute),
		IssuanceInterval:    envDuration("ISSUANCE_INTERVAL", time.Hour),
		DailyInterval:       envDuration("DAILY_INTERVAL", 24*time.Hour),
		RetryDelay:          envDuration("RETRY_DELAY", 5*time.Minute),
		RecoveryWindow:      envDuration("RECOVERY_WINDOW", 72*time.Hour),
		CRMBaseURL:          envString("CRM_BASE_URL", ""),
		CRMToken:            envString("CRM_API_TOKEN", ""),
		StripeKey:           envString("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: envString("STRIPE_WEBHOOK_SECRET", ""),
		NotifyURL:           envString("NOTIFY_URL", ""),
	}

	if raw := os.Getenv("EXCLUDED_EMAILS"); raw != "" {
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(strings.ToLower(e)); e != "" {
				App.ExcludedEmails = append(App.ExcludedEmails, e)
			}
		}
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		slog.Error("Критическая ошибка: переменная окружения JWT_SECRET не установлена.")
		os.Exit(1)
	}
	JwtKey = []byte(secret)

	if App.StripeKey == "" {
		slog.Error("Критическая ошибка: переменная окружения STRIPE_SECRET_KEY не установлена.")
		os.Exit(1)
	}

	slog.Info("Настройки загружены",
		"reference_currency", App.ReferenceCurrency,
		"excluded_emails", len(App.ExcludedEmails))
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("Некорректное числовое значение переменной окружения, используется значение по умолчанию", "key", key)
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("Некорректная длительность в переменной окружения, используется значение по умолчанию", "key", key)
	}
	return def
}
