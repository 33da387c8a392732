package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/swapmirror/swapmirror/internal/config"
)

func authRouter(cfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware(cfg))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.AuthConfig
		key        string
		wantStatus int
	}{
		{"disabled passes without key", config.AuthConfig{}, "", http.StatusOK},
		{"missing key", config.AuthConfig{RequireAPIKey: true, APIKey: "secret"}, "", http.StatusUnauthorized},
		{"wrong key", config.AuthConfig{RequireAPIKey: true, APIKey: "secret"}, "nope", http.StatusUnauthorized},
		{"valid key", config.AuthConfig{RequireAPIKey: true, APIKey: "secret"}, "secret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := authRouter(tt.cfg)
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			if tt.key != "" {
				req.Header.Set(HeaderAPIKey, tt.key)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
