package payments

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"verdantly-core/httpapi"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v78/webhook"
)

// Dispatcher receives completed-checkout verifications. The webhook handler
// calls it once per event; implementations must be idempotent because the
// processor retries delivery.
type Dispatcher interface {
	CheckoutCompleted(ctx context.Context, reference string, v *Verification) error
	InvoicePaid(ctx context.Context, subscriptionReference string) error
	InvoicePaymentFailed(ctx context.Context, subscriptionReference string) error
}

// WebhookHandler verifies processor signatures and routes events to the
// domain managers by purpose metadata.
type WebhookHandler struct {
	secret     string
	dispatcher Dispatcher
}

func NewWebhookHandler(secret string, d Dispatcher) *WebhookHandler {
	return &WebhookHandler{secret: secret, dispatcher: d}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/payments/webhook", h.handle)
}

func (h *WebhookHandler) handle(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, "unreadable payload")
		return
	}
	if h.secret != "" {
		sig := c.GetHeader("Stripe-Signature")
		if _, err := webhook.ConstructEvent(payload, sig, h.secret); err != nil {
			log.Printf("[payments][webhook] invalid signature: %v", err)
			httpapi.Error(c, http.StatusBadRequest, "invalid signature")
			return
		}
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID           string            `json:"id"`
				Subscription string            `json:"subscription"`
				AmountTotal  int64             `json:"amount_total"`
				Metadata     map[string]string `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid payload")
		return
	}

	ctx := c.Request.Context()
	switch event.Type {
	case "checkout.session.completed":
		obj := event.Data.Object
		v := &Verification{
			Succeeded:       true,
			Amount:          float64(obj.AmountTotal) / 100,
			Purpose:         Purpose(obj.Metadata["purpose"]),
			Metadata:        obj.Metadata,
			SubscriptionRef: obj.Subscription,
		}
		if err := h.dispatcher.CheckoutCompleted(ctx, obj.ID, v); err != nil {
			log.Printf("[payments][webhook] dispatch purpose=%s reference=%s err=%v", v.Purpose, obj.ID, err)
			httpapi.Error(c, http.StatusInternalServerError, "dispatch failed")
			return
		}
	case "invoice.paid":
		if err := h.dispatcher.InvoicePaid(ctx, event.Data.Object.Subscription); err != nil {
			log.Printf("[payments][webhook] invoice.paid subscription=%s err=%v", event.Data.Object.Subscription, err)
			httpapi.Error(c, http.StatusInternalServerError, "dispatch failed")
			return
		}
	case "invoice.payment_failed":
		if err := h.dispatcher.InvoicePaymentFailed(ctx, event.Data.Object.Subscription); err != nil {
			log.Printf("[payments][webhook] invoice.payment_failed subscription=%s err=%v", event.Data.Object.Subscription, err)
			httpapi.Error(c, http.StatusInternalServerError, "dispatch failed")
			return
		}
	default:
		c.String(http.StatusOK, "ignored")
		return
	}
	c.String(http.StatusOK, "ok")
}
