package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stockpilot/internal/models"
	"stockpilot/internal/pattern"
	"stockpilot/internal/repository"
)

type PatternHandler struct {
	Repo repository.Repository
}

func (h *PatternHandler) Register(g *gin.RouterGroup) {
	g.GET("/patterns", h.list)
	g.GET("/patterns/:id", h.get)
	g.POST("/patterns", h.create)
	g.PUT("/patterns/:id", h.update)
	g.DELETE("/patterns/:id", h.delete)
}

func (h *PatternHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := listParams(c)
	total, err := h.Repo.CountPatterns(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	items, err := h.Repo.ListPatterns(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	setTotal(c, total)
	Ok(c, items, map[string]any{"total": total})
}

func (h *PatternHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid pattern id", nil)
		return
	}
	item, err := h.Repo.GetPatternByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "pattern not found", nil)
		return
	}
	Ok(c, item, nil)
}

type patternRequest struct {
	Name  *string `json:"name"`
	Query *string `json:"query"`
}

func (r patternRequest) apply(item *models.Pattern) {
	if r.Name != nil {
		item.Name = strings.TrimSpace(*r.Name)
	}
	if r.Query != nil {
		item.Query = strings.TrimSpace(*r.Query)
	}
}

// validate compiles the query with a representative record so malformed
// templates are rejected at save time, not on a live tick.
func validatePattern(item models.Pattern) string {
	if item.Name == "" {
		return "name is required"
	}
	if item.Query == "" {
		return "query is required"
	}
	sample := map[string]any{
		"symbol": "NASDAQ:AAPL", "close": 0.0, "open": 0.0, "volume": 0.0,
		"rsi": 0.0, "macd": 0.0, "macdSignal": 0.0, "ema": 0.0,
	}
	if _, err := pattern.Compile(item.Query, sample); err != nil {
		return "invalid query: " + err.Error()
	}
	return ""
}

func (h *PatternHandler) create(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	var item models.Pattern
	req.apply(&item)
	if msg := validatePattern(item); msg != "" {
		Error(c, http.StatusBadRequest, msg, nil)
		return
	}
	if err := h.Repo.CreatePattern(c.Request.Context(), &item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *PatternHandler) update(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid pattern id", nil)
		return
	}
	var req patternRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item, err := h.Repo.GetPatternByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "pattern not found", nil)
		return
	}
	req.apply(item)
	if msg := validatePattern(*item); msg != "" {
		Error(c, http.StatusBadRequest, msg, nil)
		return
	}
	if err := h.Repo.SavePattern(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *PatternHandler) delete(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid pattern id", nil)
		return
	}
	if err := h.Repo.DeletePattern(c.Request.Context(), id); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"deleted": id}, nil)
}
