package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stockpilot/internal/auth"
	"stockpilot/internal/repository"
)

type AuthHandler struct {
	Repo repository.Repository
	JWT  auth.JWT
}

func (h *AuthHandler) Register(r *gin.Engine, mw Middleware) {
	r.POST("/api/v1/auth/login", h.login)
	r.GET("/api/v1/auth/me", mw.RequireUser(), h.me)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) login(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		Error(c, http.StatusBadRequest, "username and password are required", nil)
		return
	}
	user, err := h.Repo.GetUserByUsername(c.Request.Context(), username)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if user == nil || !auth.CheckPassword(user.Password, req.Password) {
		Error(c, http.StatusUnauthorized, "invalid credentials", nil)
		return
	}
	token, expiresAt, err := h.JWT.Sign(auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	})
	if err != nil {
		Error(c, http.StatusInternalServerError, "token issuance failed", nil)
		return
	}
	Ok(c, gin.H{
		"token":      token,
		"expires_at": expiresAt,
		"user": gin.H{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	}, nil)
}

func (h *AuthHandler) me(c *gin.Context) {
	claims, ok := currentClaims(c)
	if !ok {
		Error(c, http.StatusUnauthorized, "missing claims", nil)
		return
	}
	Ok(c, gin.H{
		"id":       claims.UserID,
		"username": claims.Username,
		"role":     claims.Role,
	}, nil)
}
