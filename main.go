// crmtowfirma/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crmtowfirma/config"
	"crmtowfirma/internal/billing"
	"crmtowfirma/internal/crm"
	"crmtowfirma/internal/fx"
	"crmtowfirma/internal/gateway"
	"crmtowfirma/internal/handlers"
	"crmtowfirma/internal/notify"
	"crmtowfirma/internal/orchestrator"
	"crmtowfirma/internal/routes"

	"github.com/gin-gonic/gin"
)

func main() {
	config.LoadSettings()
	config.ConnectDB()
	config.ConnectRedis()

	// Внешние сервисы за узкими интерфейсами: CRM, шлюз, уведомления, курсы.
	crmClient := crm.NewClient(config.App.CRMBaseURL, config.App.CRMToken)
	gatewayClient := gateway.NewClient(config.App.StripeKey)
	notifyClient := notify.NewClient(config.App.NotifyURL)
	rates := fx.NewService(config.App.ReferenceCurrency, config.RDB)

	engine := billing.NewEngine(config.DB, crmClient, gatewayClient, notifyClient, rates, &config.App)
	if err := engine.Ledger().Migrate(); err != nil {
		slog.Error("Ошибка миграции реестра платежей", "error", err)
		os.Exit(1)
	}

	// Циклы планировщика. Ручной запуск через API имеет ту же семантику,
	// что и таймерный.
	orch := orchestrator.New(config.App.RetryDelay)
	orch.Register("settlement", config.App.SettlementInterval, engine.PollSettlements)
	orch.Register("issuance", config.App.IssuanceInterval, engine.SweepBillingTriggers)
	orch.Register("second-payment", config.App.DailyInterval, func(ctx context.Context) (*billing.Report, error) {
		_, report, err := engine.FindDealsNeedingSecondPayment(ctx, time.Now())
		return report, err
	})
	orch.Register("expired-recovery", config.App.DailyInterval, func(ctx context.Context) (*billing.Report, error) {
		return engine.RecoverExpiredSessions(ctx, config.App.RecoveryWindow)
	})
	orch.OnRunFinished = handlers.GlobalHub.Publish

	handlers.Engine = engine
	handlers.Orch = orch

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go orch.Start(ctx)

	r := gin.Default()
	routes.SetupRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	slog.Info("Движок биллинга запущен", "port", port)
	if err := r.Run(":" + port); err != nil {
		slog.Error("Ошибка HTTP-сервера", "error", err)
		os.Exit(1)
	}
}
