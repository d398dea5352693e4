package therapists

import (
	"net/http"
	"strconv"
	"time"

	"verdantly-core/httpapi"
	"verdantly-core/identity"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	repo *Repository
}

func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/therapists", h.list)
	r.GET("/therapists/:id/slots", h.openSlots)
	r.POST("/therapists/:id/slots", identity.RequireTherapist(), h.publishSlot)
}

func (h *Handler) list(c *gin.Context) {
	out, err := h.repo.ListTherapists(c.Request.Context())
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.OK(c, out)
}

func (h *Handler) openSlots(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid therapist id")
		return
	}
	slots, err := h.repo.OpenSlots(c.Request.Context(), id, time.Now())
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.OK(c, slots)
}

func (h *Handler) publishSlot(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid therapist id")
		return
	}
	if tid, _ := identity.TherapistID(c); tid != id {
		httpapi.Error(c, http.StatusForbidden, "cannot publish slots for another therapist")
		return
	}
	var body struct {
		Date            string `json:"date"`
		Time            string `json:"time"`
		DurationMinutes int    `json:"duration_minutes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid payload")
		return
	}
	startsAt, err := time.Parse("2006-01-02 15:04", body.Date+" "+body.Time)
	if err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid date/time")
		return
	}
	if body.DurationMinutes <= 0 {
		body.DurationMinutes = 30
	}
	slot, err := h.repo.PublishSlot(c.Request.Context(), id, startsAt, body.DurationMinutes)
	if err == ErrSlotUnavailable {
		httpapi.Error(c, http.StatusConflict, "slot already exists")
		return
	}
	if err != nil {
		httpapi.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	httpapi.Created(c, slot)
}
