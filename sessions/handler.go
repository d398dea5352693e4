package sessions

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"verdantly-core/httpapi"
	"verdantly-core/identity"
	"verdantly-core/payments"
	"verdantly-core/therapists"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	client := r.Group("/sessions", identity.RequireClient())
	client.POST("", h.book)
	client.GET("/mine", h.mine)
	client.POST("/payment-confirm", h.confirmBooking)
	client.POST("/:id/cancel", h.cancel)
	client.POST("/:id/pay", h.pay)
	client.POST("/:id/payment-confirm", h.confirmPayment)
	client.POST("/:id/pay-cancellation-fee", h.payCancellationFee)
	client.POST("/:id/cancellation-fee-confirm", h.confirmCancellationFee)

	therapist := r.Group("/sessions", identity.RequireTherapist())
	therapist.POST("/:id/complete", h.complete)
	therapist.POST("/:id/log-cancellation", h.logCancellation)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrTherapistNotFound):
		httpapi.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		httpapi.Error(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidType), errors.Is(err, ErrNoPaymentDue):
		httpapi.Error(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, therapists.ErrSlotUnavailable):
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

func sessionID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		httpapi.Error(c, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func (h *Handler) book(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	var body struct {
		TherapistID     int    `json:"therapist_id"`
		Date            string `json:"date"`
		Time            string `json:"time"`
		DurationMinutes int    `json:"duration_minutes"`
		SessionType     string `json:"session_type"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.TherapistID == 0 || body.SessionType == "" {
		httpapi.Error(c, http.StatusBadRequest, "therapist_id, date, time and session_type required")
		return
	}
	startsAt, err := parseSlotTime(body.Date, body.Time)
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid date/time")
		return
	}
	if body.DurationMinutes <= 0 {
		body.DurationMinutes = 60
	}
	out, err := h.manager.Book(c.Request.Context(), clientID, BookingRequest{
		TherapistID:     body.TherapistID,
		StartsAt:        startsAt,
		DurationMinutes: body.DurationMinutes,
		Type:            Type(body.SessionType),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.Created(c, out)
}

func (h *Handler) mine(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	out, err := h.manager.Mine(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, out)
}

func paymentReference(c *gin.Context) (string, bool) {
	var body struct {
		PaymentReference string `json:"payment_reference"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PaymentReference == "" {
		httpapi.Error(c, http.StatusBadRequest, "payment_reference required")
		return "", false
	}
	return body.PaymentReference, true
}

func (h *Handler) confirmBooking(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	reference, ok := paymentReference(c)
	if !ok {
		return
	}
	s, err := h.manager.ConfirmBooking(c.Request.Context(), clientID, reference)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.Created(c, s)
}

func (h *Handler) cancel(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid payload")
		return
	}
	if _, err := h.manager.owned(c.Request.Context(), clientID, id); err != nil {
		respondError(c, err)
		return
	}
	s, err := h.manager.Cancel(c.Request.Context(), id, body.Reason, false)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, s)
}

func (h *Handler) pay(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	id, ok := sessionID(c)
	if !ok {
		return
	}
	checkout, err := h.manager.ProcessPayment(c.Request.Context(), clientID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, checkout)
}

func (h *Handler) confirmPayment(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	id, ok := sessionID(c)
	if !ok {
		return
	}
	reference, ok := paymentReference(c)
	if !ok {
		return
	}
	if _, err := h.manager.owned(c.Request.Context(), clientID, id); err != nil {
		respondError(c, err)
		return
	}
	s, err := h.manager.ConfirmPayment(c.Request.Context(), id, reference)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, s)
}

func (h *Handler) payCancellationFee(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	id, ok := sessionID(c)
	if !ok {
		return
	}
	checkout, err := h.manager.ProcessCancellationFeePayment(c.Request.Context(), clientID, id)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, checkout)
}

func (h *Handler) confirmCancellationFee(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	id, ok := sessionID(c)
	if !ok {
		return
	}
	reference, ok := paymentReference(c)
	if !ok {
		return
	}
	if _, err := h.manager.owned(c.Request.Context(), clientID, id); err != nil {
		respondError(c, err)
		return
	}
	s, err := h.manager.ConfirmCancellationFee(c.Request.Context(), id, reference)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, s)
}

func (h *Handler) complete(c *gin.Context) {
	therapistID, _ := identity.TherapistID(c)
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid payload")
		return
	}
	s, err := h.manager.Complete(c.Request.Context(), therapistID, id, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, s)
}

// logCancellation is the therapist-side cancel; it is the only path that can
// raise a cancellation fee.
func (h *Handler) logCancellation(c *gin.Context) {
	therapistID, _ := identity.TherapistID(c)
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid payload")
		return
	}
	s, err := h.manager.store.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if s == nil {
		respondError(c, ErrNotFound)
		return
	}
	if s.TherapistID != therapistID {
		httpapi.Error(c, http.StatusForbidden, "session belongs to another therapist")
		return
	}
	out, err := h.manager.Cancel(c.Request.Context(), id, body.Reason, true)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, out)
}

func parseSlotTime(date, clock string) (time.Time, error) {
	return time.Parse("2006-01-02 15:04", date+" "+clock)
}
