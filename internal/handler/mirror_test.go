package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapmirror/swapmirror/internal/middleware"
	"github.com/swapmirror/swapmirror/internal/mirror"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/repository"
)

func mirrorRouter() (*gin.Engine, *mirror.Registry) {
	gin.SetMode(gin.TestMode)

	store := repository.NewMemoryMirrorStore()
	registry := mirror.NewRegistry(store, nil, map[model.Chain]func(string) bool{
		model.ChainEVM: func(string) bool { return true },
	})
	h := NewMirrorHandler(registry, nil, store)

	r := gin.New()
	r.Use(middleware.ErrorHandler())
	r.POST("/mirror/subscriptions", h.Subscribe)
	r.GET("/mirror/subscriptions/:follower", h.Get)
	r.DELETE("/mirror/subscriptions/:follower", h.Unsubscribe)
	r.GET("/mirror/subscriptions/:follower/outcomes", h.Outcomes)
	return r, registry
}

func postJSON(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func subscribeBody() map[string]any {
	return map[string]any{
		"follower_id":     "alice",
		"target_wallet":   "0xTARGET",
		"chain":           "evm",
		"copy_percentage": "25",
		"slippage_bps":    300,
		"key_ref":         "default",
	}
}

func TestSubscribeLifecycle(t *testing.T) {
	r, _ := mirrorRouter()

	w := postJSON(r, "/mirror/subscriptions", subscribeBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created model.MirrorConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "alice", created.FollowerID)
	assert.True(t, created.Active)

	// duplicate subscription conflicts
	w = postJSON(r, "/mirror/subscriptions", subscribeBody())
	assert.Equal(t, http.StatusConflict, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/mirror/subscriptions/alice", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/mirror/subscriptions/alice", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/mirror/subscriptions/alice", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubscribeRejectsBadRequests(t *testing.T) {
	r, _ := mirrorRouter()

	// missing required fields
	w := postJSON(r, "/mirror/subscriptions", map[string]any{"follower_id": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// copy percentage over 100
	body := subscribeBody()
	body["copy_percentage"] = "250"
	w = postJSON(r, "/mirror/subscriptions", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// unknown chain
	body = subscribeBody()
	body["chain"] = "cosmos"
	w = postJSON(r, "/mirror/subscriptions", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutcomesLimitValidation(t *testing.T) {
	r, _ := mirrorRouter()

	req := httptest.NewRequest(http.MethodGet, "/mirror/subscriptions/alice/outcomes?limit=0", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/mirror/subscriptions/alice/outcomes", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
