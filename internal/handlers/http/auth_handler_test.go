package http

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"watchsync/internal/core/services"
	"watchsync/internal/infrastructure/middleware"
	"watchsync/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthRouter(t *testing.T) (*gin.Engine, services.AuthService) {
	t.Helper()

	users := memory.NewMemoryUserDirectory()
	auth := services.NewAuthService("test-secret", time.Hour, users)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewAuthHandler(auth, users, time.Hour).SetupRoutes(router)
	return router, auth
}

type tokenResponse struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func TestRegisterIssuesValidToken(t *testing.T) {
	router, auth := newAuthRouter(t)

	w := do(router, http.MethodPost, "/api/auth/register", `{"username":"alice","email":"alice@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, 3600, resp.ExpiresIn)

	claims, err := auth.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := do(router, http.MethodPost, "/api/auth/register", `{"username":"alice","email":"alice@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// Email comparison is case-insensitive.
	w = do(router, http.MethodPost, "/api/auth/register", `{"username":"alice2","email":"Alice@Example.com"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRegisterValidatesInput(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := do(router, http.MethodPost, "/api/auth/register", `{"username":"al","email":"alice@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, http.MethodPost, "/api/auth/register", `{"username":"alice","email":"not-an-email"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoginKnownAccount(t *testing.T) {
	router, auth := newAuthRouter(t)

	w := do(router, http.MethodPost, "/api/auth/register", `{"username":"alice","email":"alice@example.com"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(router, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, err := auth.ValidateToken(resp.AccessToken)
	assert.NoError(t, err)
}

func TestLoginUnknownAccountUnauthorized(t *testing.T) {
	router, _ := newAuthRouter(t)

	w := do(router, http.MethodPost, "/api/auth/login", `{"email":"ghost@example.com"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
