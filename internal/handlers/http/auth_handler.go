package http

import (
	"net/http"
	"strings"
	"time"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
	"watchsync/internal/core/services"
	apperrors "watchsync/pkg/errors"
	"watchsync/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuthHandler issues engine session tokens. Account storage lives in
// the UserDirectory collaborator; the register path exists so a
// memory-backed deployment is usable end to end.
type AuthHandler struct {
	authService services.AuthService
	users       ports.UserDirectory
	tokenTTL    time.Duration
	// Register is only wired against the in-memory directory.
	registrar interface {
		Put(user *domain.User, email string)
	}
}

func NewAuthHandler(authService services.AuthService, users ports.UserDirectory, tokenTTL time.Duration) *AuthHandler {
	h := &AuthHandler{
		authService: authService,
		users:       users,
		tokenTTL:    tokenTTL,
	}
	if reg, ok := users.(interface {
		Put(user *domain.User, email string)
	}); ok {
		h.registrar = reg
	}
	return h
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/auth")
	{
		api.POST("/register", h.Register)
		api.POST("/login", h.Login)
	}
}

type RegisterRequest struct {
	Username string `json:"username" binding:"required,min=3,max=50"`
	Email    string `json:"email" binding:"required,email,max=254"`
}

type LoginRequest struct {
	Email string `json:"email" binding:"required,email,max=254"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(apperrors.NewValidationError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if err := validation.ValidateUsername(req.Username); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return
	}
	if h.registrar == nil {
		c.Error(apperrors.NewInvalidOperationError("registration is handled by the account service"))
		return
	}

	if _, err := h.users.GetUserByEmail(c.Request.Context(), req.Email); err == nil {
		c.Error(apperrors.NewConflictError("email already registered"))
		return
	}

	user := &domain.User{
		ID:       domain.UserID(uuid.NewString()),
		Username: req.Username,
	}
	h.registrar.Put(user, req.Email)

	token, err := h.authService.GenerateToken(user.ID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"user_id":      user.ID,
		"username":     user.Username,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	user, err := h.users.GetUserByEmail(c.Request.Context(), req.Email)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown account"})
		return
	}

	token, err := h.authService.GenerateToken(user.ID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      user.ID,
		"username":     user.Username,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
