// crmtowfirma/internal/routes/api_routes.go
package routes

import (
	"crmtowfirma/internal/handlers"

	"github.com/gin-gonic/gin"
)

// RegisterAPIRoutes регистрирует все API-маршруты движка.
func RegisterAPIRoutes(rg *gin.RouterGroup) {
	api := rg.Group("/api")
	{
		// Циклы планировщика: состояние, история, ручной запуск.
		api.GET("/cycles", handlers.ListCyclesHandler)
		api.POST("/cycles/:name/run", handlers.RunCycleHandler)

		// Реестр платежных сессий.
		api.GET("/payments", handlers.ListPaymentRecords)
		api.GET("/payments/export", handlers.ExportPaymentRecordsHandler)
		api.GET("/payments/:id", handlers.GetPaymentRecord)

		// Сверка по сделке по требованию.
		api.GET("/deals/:id/reconciliation", handlers.GetDealReconciliationHandler)
	}

	// Поток событий циклов для ops-дашборда.
	rg.GET("/ws/events", handlers.EventsWebsocketHandler)
}
