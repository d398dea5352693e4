package pricing

import (
	"net/http"

	"verdantly-core/httpapi"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	catalog *Catalog
}

func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/pricing/tiers", h.getTiers)
	r.GET("/pricing/tiers/:id", h.getTier)
}

func (h *Handler) getTiers(c *gin.Context) {
	httpapi.OK(c, h.catalog.Tiers())
}

func (h *Handler) getTier(c *gin.Context) {
	t, ok := h.catalog.Get(TierID(c.Param("id")))
	if !ok {
		httpapi.Error(c, http.StatusNotFound, "unknown tier")
		return
	}
	httpapi.OK(c, t)
}
