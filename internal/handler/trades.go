package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"stockpilot/internal/repository"
)

type TradeHandler struct {
	Repo repository.Repository
}

func (h *TradeHandler) Register(g *gin.RouterGroup) {
	g.GET("/trades", h.list)
	g.GET("/trades/:id", h.get)
	g.DELETE("/trades/:id", h.delete)
}

func tradeParams(c *gin.Context) repository.ListTradesParams {
	params := repository.ListTradesParams{ListParams: listParams(c)}
	if v, err := strconv.ParseUint(c.Query("rule_id"), 10, 64); err == nil && v > 0 {
		params.RuleID = &v
	}
	if v, err := strconv.ParseUint(c.Query("user_id"), 10, 64); err == nil && v > 0 {
		params.UserID = &v
	}
	if v, err := strconv.ParseBool(c.Query("completed")); err == nil {
		params.Completed = &v
	}
	return params
}

func (h *TradeHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := tradeParams(c)
	total, err := h.Repo.CountTrades(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	items, err := h.Repo.ListTrades(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	setTotal(c, total)
	Ok(c, items, map[string]any{"total": total})
}

func (h *TradeHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid trade id", nil)
		return
	}
	item, err := h.Repo.GetTradeByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "trade not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *TradeHandler) delete(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid trade id", nil)
		return
	}
	if err := h.Repo.DeleteTrade(c.Request.Context(), id); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"deleted": id}, nil)
}
