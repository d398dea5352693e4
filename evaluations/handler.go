package evaluations

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"verdantly-core/httpapi"
	"verdantly-core/identity"
	"verdantly-core/payments"
	"verdantly-core/pricing"
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
	client := r.Group("/evaluations", identity.RequireClient())
	client.POST("", h.book)
	client.GET("/mine", h.mine)
	client.POST("/:id/payment-confirm", h.confirmPayment)
	client.GET("/:id/available-therapists", h.availableTherapists)
	client.POST("/:id/select-therapist", h.selectTherapist)
	client.POST("/:id/cancel", h.cancel)

	therapist := r.Group("/evaluations", identity.RequireTherapist())
	therapist.POST("/:id/start-review", h.startReview)
	therapist.POST("/:id/ready", h.markReady)
	therapist.POST("/:id/schedule-meeting", h.scheduleMeeting)
	therapist.POST("/:id/start-meeting", h.startMeeting)
	therapist.POST("/:id/complete", h.complete)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpapi.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner):
		httpapi.Error(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrIntakeIncomplete), errors.Is(err, ErrUnknownTier):
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

func evaluationID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		httpapi.Error(c, http.StatusBadRequest, "invalid evaluation id")
		return 0, false
	}
	return id, true
}

// clientOwned loads the evaluation and checks it belongs to the caller.
func (h *Handler) clientOwned(c *gin.Context, id int) bool {
	clientID, _ := identity.ClientID(c)
	e, err := h.manager.store.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return false
	}
	if e == nil {
		respondError(c, ErrNotFound)
		return false
	}
	if e.ClientID != clientID {
		respondError(c, ErrNotOwner)
		return false
	}
	return true
}

func (h *Handler) book(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	e, checkout, err := h.manager.Book(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.Created(c, gin.H{"evaluation": e, "checkout": checkout})
}

func (h *Handler) mine(c *gin.Context) {
	clientID, _ := identity.ClientID(c)
	e, err := h.manager.Mine(c.Request.Context(), clientID)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, e)
}

func (h *Handler) confirmPayment(c *gin.Context) {
	id, ok := evaluationID(c)
	if !ok {
		return
	}
	var body struct {
		PaymentReference string `json:"payment_reference"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PaymentReference == "" {
		httpapi.Error(c, http.StatusBadRequest, "payment_reference required")
		return
	}
	if !h.clientOwned(c, id) {
		return
	}
	e, err := h.manager.ConfirmPayment(c.Request.Context(), id, body.PaymentReference)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, e)
}

func (h *Handler) availableTherapists(c *gin.Context) {
	id, ok := evaluationID(c)
	if !ok {
		return
	}
	if !h.clientOwned(c, id) {
		return
	}
	out, err := h.manager.ListAvailableTherapists(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) selectTherapist(c *gin.Context) {
	id, ok := evaluationID(c)
	if !ok {
		return
	}
	var body struct {
		TherapistID int    `json:"therapist_id"`
		Date        string `json:"date"`
		Time        string `json:"time"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.TherapistID == 0 {
		httpapi.Error(c, http.StatusBadRequest, "therapist_id, date and time required")
		return
	}
	startsAt, err := parseSlotTime(body.Date, body.Time)
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid date/time")
		return
	}
	if !h.clientOwned(c, id) {
		return
	}
	e, err := h.manager.SelectTherapist(c.Request.Context(), id, body.TherapistID, startsAt)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, e)
}

func (h *Handler) cancel(c *gin.Context) {
	id, ok := evaluationID(c)
	if !ok {
		return
	}
	if !h.clientOwned(c, id) {
		return
	}
	e, err := h.manager.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, e)
}

// therapistOwned checks the evaluation is assigned to the calling therapist.
func (h *Handler) therapistOwned(c *gin.Context, id int) bool {
	therapistID, _ := identity.TherapistID(c)
	e, err := h.manager.store.GetByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return false
	}
	if e == nil {
		respondError(c, ErrNotFound)
		return false
	}
	if e.TherapistID == nil || *e.TherapistID != therapistID {
		httpapi.Error(c, http.StatusForbidden, "evaluation is assigned to another therapist")
		return false
	}
	return true
}

func (h *Handler) startReview(c *gin.Context) {
	h.therapistTransition(c, h.manager.StartReview)
}

func (h *Handler) markReady(c *gin.Context) {
	h.therapistTransition(c, h.manager.MarkReady)
}

func (h *Handler) startMeeting(c *gin.Context) {
	h.therapistTransition(c, h.manager.StartMeeting)
}

func (h *Handler) therapistTransition(c *gin.Context, fn func(ctx context.Context, id int) (*Evaluation, error)) {
	id, ok := evaluationID(c)
	if !ok {
		return
	}
	if !h.therapistOwned(c, id) {
		return
	}
	e, err := fn(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, e)
}

func (h *Handler) scheduleMeeting(c *gin.Context) {
	id, ok := evaluationID(c)
	if !ok {
		return
	}
	var body struct {
		Date string `json:"date"`
		Time string `json:"time"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid payload")
		return
	}
	startsAt, err := parseSlotTime(body.Date, body.Time)
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid date/time")
		return
	}
	if !h.therapistOwned(c, id) {
		return
	}
	e, err := h.manager.ScheduleMeeting(c.Request.Context(), id, startsAt)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, e)
}

func (h *Handler) complete(c *gin.Context) {
	id, ok := evaluationID(c)
	if !ok {
		return
	}
	var body struct {
		RecommendedTier     string `json:"recommended_tier"`
		Notes               string `json:"notes"`
		GrantResourceAccess bool   `json:"grant_resource_access"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RecommendedTier == "" {
		httpapi.Error(c, http.StatusBadRequest, "recommended_tier required")
		return
	}
	if !h.therapistOwned(c, id) {
		return
	}
	e, err := h.manager.Complete(c.Request.Context(), id, pricing.TierID(body.RecommendedTier), body.Notes, body.GrantResourceAccess)
	if err != nil {
		respondError(c, err)
		return
	}
	httpapi.OK(c, e)
}

func parseSlotTime(date, clock string) (time.Time, error) {
	return time.Parse("2006-01-02 15:04", date+" "+clock)
}
