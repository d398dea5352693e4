package subscriptions

import (
	"errors"
	"net/http"
	"strconv"

	"verdantly-core/httpapi"
	"verdantly-core/identity"
	"verdantly-core/payments"
	"verdantly-core/pricing"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/subscriptions", identity.RequireClient())
	g.GET("/current", h.getCurrent)
	g.POST("/checkout", h.checkout)
	g.POST("/activate", h.activate)
	g.POST("/:id/cancel", h.cancel)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrUnknownTier), errors.Is(err, ErrTierNotSubscribable):
		httpapi.Error(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotActive), errors.Is(err, ErrSessionLimitExceeded):
		httpapi.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, payments.ErrPaymentNotCompleted):
		httpapi.Error(c, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, payments.ErrPaymentNotFound):
		httpapi.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, payments.ErrVerificationFailed), errors.Is(err, payments.ErrGatewayNotConfigured):
		httpapi.Error(c, http.StatusBadGateway, err.Error())
	default:
		httpapi.Error(c, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) getCurrent(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	sub, err := h.manager.GetCurrent(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, err)
		return
	}
	// nil data means "no subscription": callers route the user to pricing.
	httpapi.OK(c, sub)
}

func (h *Handler) checkout(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	var body struct {
		Tier string `json:"tier"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Tier == "" {
		httpapi.Error(c, http.StatusBadRequest, "tier required")
		return
	}
	checkout, err := h.manager.Checkout(c.Request.Context(), clientID, pricing.TierID(body.Tier))
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, checkout)
}

func (h *Handler) activate(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	var body struct {
		Tier             string `json:"tier"`
		PaymentReference string `json:"payment_reference"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Tier == "" || body.PaymentReference == "" {
		httpapi.Error(c, http.StatusBadRequest, "tier and payment_reference required")
		return
	}
	sub, err := h.manager.ActivateFromPayment(c.Request.Context(), clientID, pricing.TierID(body.Tier), body.PaymentReference)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.Created(c, sub)
}

func (h *Handler) cancel(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		httpapi.Error(c, http.StatusBadRequest, "invalid subscription id")
		return
	}
	sub, err := h.manager.store.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if sub == nil {
		respondError(c, ErrNotFound)
		return
	}
	if sub.ClientID != clientID {
		httpapi.Error(c, http.StatusForbidden, "subscription belongs to another client")
		return
	}
	out, err := h.manager.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, out)
}
