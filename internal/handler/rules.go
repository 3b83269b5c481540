package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stockpilot/internal/models"
	"stockpilot/internal/repository"
)

type RuleHandler struct {
	Repo repository.Repository
}

func (h *RuleHandler) Register(g *gin.RouterGroup) {
	g.GET("/rules", h.list)
	g.GET("/rules/:id", h.get)
	g.POST("/rules", h.create)
	g.PUT("/rules/:id", h.update)
	g.DELETE("/rules/:id", h.delete)
}

func (h *RuleHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := listParams(c)
	total, err := h.Repo.CountRules(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	items, err := h.Repo.ListRules(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	setTotal(c, total)
	Ok(c, items, map[string]any{"total": total})
}

func (h *RuleHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid rule id", nil)
		return
	}
	item, err := h.Repo.GetRuleByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "rule not found", nil)
		return
	}
	Ok(c, item, nil)
}

type ruleRequest struct {
	Name     *string `json:"name"`
	Symbol   *string `json:"symbol"`
	Exchange *string `json:"exchange"`
	UserID   *uint64 `json:"user_id"`

	Enabled   *bool   `json:"enabled"`
	Frequency *string `json:"frequency"`

	NumberOfShares   *int     `json:"number_of_shares"`
	RiskPercentage   *float64 `json:"risk_percentage"`
	ProfitPercentage *float64 `json:"profit_percentage"`

	FollowPriceEnabled        *bool    `json:"follow_price_enabled"`
	FollowTargetPercentage    *float64 `json:"follow_target_percentage"`
	RiskPercentageAfterTarget *float64 `json:"risk_percentage_after_target"`

	HoldOvernight          *bool `json:"hold_overnight"`
	DisableAfterSold       *bool `json:"disable_after_sold"`
	OverrideDayTradeChecks *bool `json:"override_day_trade_checks"`

	EntryPatternID *uint64 `json:"entry_pattern_id"`
	ExitPatternID  *uint64 `json:"exit_pattern_id"`
}

// apply copies the provided fields onto the rule. A symbol or exchange
// change invalidates the resolved instrument so the engine re-resolves it.
func (r ruleRequest) apply(item *models.Rule) {
	if r.Name != nil {
		item.Name = strings.TrimSpace(*r.Name)
	}
	if r.Symbol != nil {
		symbol := strings.ToUpper(strings.TrimSpace(*r.Symbol))
		if symbol != item.Symbol {
			item.InstrumentID = ""
			item.InstrumentURL = ""
		}
		item.Symbol = symbol
	}
	if r.Exchange != nil {
		item.Exchange = strings.ToUpper(strings.TrimSpace(*r.Exchange))
	}
	if r.UserID != nil {
		item.UserID = *r.UserID
	}
	if r.Enabled != nil {
		item.Enabled = *r.Enabled
	}
	if r.Frequency != nil {
		item.Frequency = *r.Frequency
	}
	if r.NumberOfShares != nil {
		item.NumberOfShares = *r.NumberOfShares
	}
	if r.RiskPercentage != nil {
		item.RiskPercentage = *r.RiskPercentage
	}
	if r.ProfitPercentage != nil {
		item.ProfitPercentage = r.ProfitPercentage
	}
	if r.FollowPriceEnabled != nil {
		item.FollowPriceEnabled = *r.FollowPriceEnabled
	}
	if r.FollowTargetPercentage != nil {
		item.FollowTargetPercentage = *r.FollowTargetPercentage
	}
	if r.RiskPercentageAfterTarget != nil {
		item.RiskPercentageAfterTarget = *r.RiskPercentageAfterTarget
	}
	if r.HoldOvernight != nil {
		item.HoldOvernight = *r.HoldOvernight
	}
	if r.DisableAfterSold != nil {
		item.DisableAfterSold = *r.DisableAfterSold
	}
	if r.OverrideDayTradeChecks != nil {
		item.OverrideDayTradeChecks = *r.OverrideDayTradeChecks
	}
	if r.EntryPatternID != nil {
		if *r.EntryPatternID == 0 {
			item.EntryPatternID = nil
		} else {
			item.EntryPatternID = r.EntryPatternID
		}
	}
	if r.ExitPatternID != nil {
		if *r.ExitPatternID == 0 {
			item.ExitPatternID = nil
		} else {
			item.ExitPatternID = r.ExitPatternID
		}
	}
}

func (r ruleRequest) validate(item models.Rule) string {
	if item.Name == "" {
		return "name is required"
	}
	if item.Symbol == "" || item.Exchange == "" {
		return "symbol and exchange are required"
	}
	if item.UserID == 0 {
		return "user_id is required"
	}
	if item.NumberOfShares <= 0 {
		return "number_of_shares must be positive"
	}
	if item.Frequency != models.FrequencyFast && item.Frequency != models.FrequencySlow {
		return "frequency must be fast or slow"
	}
	if item.EntryPatternID == nil && item.ExitPatternID == nil {
		return "a rule needs an entry or exit pattern"
	}
	return ""
}

func (h *RuleHandler) create(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item := models.Rule{Frequency: models.FrequencyFast}
	req.apply(&item)
	if msg := req.validate(item); msg != "" {
		Error(c, http.StatusBadRequest, msg, nil)
		return
	}
	if err := h.Repo.CreateRule(c.Request.Context(), &item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *RuleHandler) update(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid rule id", nil)
		return
	}
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item, err := h.Repo.GetRuleByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "rule not found", nil)
		return
	}
	req.apply(item)
	if msg := req.validate(*item); msg != "" {
		Error(c, http.StatusBadRequest, msg, nil)
		return
	}
	if err := h.Repo.SaveRule(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *RuleHandler) delete(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid rule id", nil)
		return
	}
	if err := h.Repo.DeleteRule(c.Request.Context(), id); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"deleted": id}, nil)
}
