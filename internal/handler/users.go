package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"stockpilot/internal/auth"
	"stockpilot/internal/models"
	"stockpilot/internal/repository"
)

// UserHandler is admin-only. Stored broker passwords are AES-GCM encrypted
// with CredentialKey before they hit the database.
type UserHandler struct {
	Repo          repository.Repository
	CredentialKey string
}

func (h *UserHandler) Register(g *gin.RouterGroup) {
	g.GET("/users", h.list)
	g.GET("/users/:id", h.get)
	g.POST("/users", h.create)
	g.PUT("/users/:id", h.update)
	g.DELETE("/users/:id", h.delete)
}

func (h *UserHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	params := listParams(c)
	total, err := h.Repo.CountUsers(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	items, err := h.Repo.ListUsers(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	setTotal(c, total)
	Ok(c, items, map[string]any{"total": total})
}

func (h *UserHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	item, err := h.Repo.GetUserByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "user not found", nil)
		return
	}
	Ok(c, item, nil)
}

type userRequest struct {
	Username *string                   `json:"username"`
	Password *string                   `json:"password"`
	Role     *string                   `json:"role"`
	Broker   *models.BrokerCredentials `json:"broker_config"`
	Email    *models.EmailSettings     `json:"email_config"`
}

func (h *UserHandler) apply(req userRequest, item *models.User) string {
	if req.Username != nil {
		item.Username = strings.TrimSpace(*req.Username)
	}
	if req.Password != nil {
		if *req.Password == "" {
			return "password must not be empty"
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			return "password hashing failed"
		}
		item.Password = hash
	}
	if req.Role != nil {
		role := strings.TrimSpace(*req.Role)
		if role != "user" && role != "admin" {
			return "role must be user or admin"
		}
		item.Role = role
	}
	if req.Broker != nil {
		creds := *req.Broker
		if h.CredentialKey != "" && creds.Password != "" {
			enc, err := auth.EncryptCredential(h.CredentialKey, creds.Password)
			if err != nil {
				return "credential encryption failed"
			}
			creds.Password = enc
		}
		raw, err := json.Marshal(creds)
		if err != nil {
			return "invalid broker_config"
		}
		item.BrokerConfig = datatypes.JSON(raw)
	}
	if req.Email != nil {
		raw, err := json.Marshal(*req.Email)
		if err != nil {
			return "invalid email_config"
		}
		item.EmailConfig = datatypes.JSON(raw)
	}
	return ""
}

func (h *UserHandler) create(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	if req.Username == nil || req.Password == nil {
		Error(c, http.StatusBadRequest, "username and password are required", nil)
		return
	}
	item := models.User{Role: "user"}
	if msg := h.apply(req, &item); msg != "" {
		Error(c, http.StatusBadRequest, msg, nil)
		return
	}
	if item.Username == "" {
		Error(c, http.StatusBadRequest, "username must not be empty", nil)
		return
	}
	if err := h.Repo.CreateUser(c.Request.Context(), &item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *UserHandler) update(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid body", nil)
		return
	}
	item, err := h.Repo.GetUserByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "user not found", nil)
		return
	}
	if msg := h.apply(req, item); msg != "" {
		Error(c, http.StatusBadRequest, msg, nil)
		return
	}
	if item.Username == "" {
		Error(c, http.StatusBadRequest, "username must not be empty", nil)
		return
	}
	if err := h.Repo.SaveUser(c.Request.Context(), item); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, item, nil)
}

func (h *UserHandler) delete(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id, ok := pathID(c)
	if !ok {
		Error(c, http.StatusBadRequest, "invalid user id", nil)
		return
	}
	if err := h.Repo.DeleteUser(c.Request.Context(), id); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, gin.H{"deleted": id}, nil)
}
