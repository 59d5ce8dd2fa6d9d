package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nekozawa/commchat/server/cache"
	"github.com/nekozawa/commchat/server/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authTestSetup(t *testing.T) (*gin.Engine, cache.Cache, config.SecurityConfig) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c, err := cache.New(cache.Config{})
	require.NoError(t, err)
	sec := config.SecurityConfig{JWTSecret: testSecret, JWTTTLH: time.Hour}

	r := gin.New()
	r.GET("/protected", Auth(sec, c), func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"user_id": GetUserID(ctx), "name": GetUserName(ctx)})
	})
	return r, c, sec
}

func TestAuth_MissingHeader(t *testing.T) {
	r, _, _ := authTestSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_InvalidToken(t *testing.T) {
	r, _, _ := authTestSetup(t)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_NoSessionInCache(t *testing.T) {
	r, _, sec := authTestSetup(t)

	tok, err := GenerateToken("u-1", "A", sec.JWTSecret, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidSession(t *testing.T) {
	r, c, sec := authTestSetup(t)

	tok, err := GenerateToken("u-1", "A", sec.JWTSecret, time.Hour)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "session:"+tok, "u-1", time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "u-1")
}
