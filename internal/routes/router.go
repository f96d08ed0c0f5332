// crmtowfirma/internal/routes/router.go
package routes

import (
	"crmtowfirma/internal/handlers"
	"crmtowfirma/internal/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes инициализирует все маршруты приложения.
func SetupRoutes(r *gin.Engine) {
	// --- Публичные маршруты ---
	// Вебхук шлюза аутентифицируется подписью Stripe, а не нашим токеном.
	r.POST("/webhooks/gateway", handlers.GatewayWebhookHandler)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// --- Защищенная группа маршрутов ---
	// Все остальное требует сервисного JWT-токена.
	authRequired := r.Group("/")
	authRequired.Use(middleware.AuthMiddleware())
	{
		RegisterAPIRoutes(authRequired)
	}
}
