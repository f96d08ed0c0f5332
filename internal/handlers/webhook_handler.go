// crmtowfirma/internal/handlers/webhook_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"crmtowfirma/config"
	"crmtowfirma/internal/billing"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// GatewayWebhookHandler принимает события Stripe о checkout-сессиях.
// Вебхук — быстрый путь для переходов open→paid и open→expired;
// цикл опроса остается страховкой на случай потерянного события.
func GatewayWebhookHandler(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	// Версия API в событии может отличаться от версии SDK — это не повод
	// отбрасывать событие.
	event, err := webhook.ConstructEventWithOptions(
		payload,
		c.GetHeader("Stripe-Signature"),
		config.App.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		slog.Warn("Подпись вебхука не прошла проверку", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook signature"})
		return
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event payload"})
			return
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// Сессия завершена, но деньги еще в пути (отложенные методы
			// оплаты) — статус подтвердит цикл опроса.
			break
		}
		if err := Engine.MarkSessionPaid(c.Request.Context(), sess.ID); err != nil {
			if errors.Is(err, billing.ErrUnknownSession) {
				// Чужая сессия на том же аккаунте Stripe — не наша забота.
				break
			}
			slog.Error("Не удалось обработать оплату из вебхука", "session_id", sess.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process payment"})
			return
		}

	case "checkout.session.expired":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid event payload"})
			return
		}
		if err := Engine.MarkSessionExpired(sess.ID); err != nil {
			if errors.Is(err, billing.ErrUnknownSession) {
				break
			}
			slog.Error("Не удалось обработать истечение сессии", "session_id", sess.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process expiration"})
			return
		}

	default:
		slog.Info("Вебхук: событие пропущено", "type", event.Type)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
