package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/swapmirror/swapmirror/internal/mirror"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
)

type MirrorHandler struct {
	registry   *mirror.Registry
	dispatcher *mirror.Dispatcher
	store      mirror.Store
}

func NewMirrorHandler(registry *mirror.Registry, dispatcher *mirror.Dispatcher, store mirror.Store) *MirrorHandler {
	return &MirrorHandler{registry: registry, dispatcher: dispatcher, store: store}
}

type subscribeRequest struct {
	FollowerID        string          `json:"follower_id" binding:"required"`
	TargetWallet      string          `json:"target_wallet" binding:"required"`
	Chain             model.Chain     `json:"chain" binding:"required"`
	CopyPercentage    decimal.Decimal `json:"copy_percentage"`
	MaxAmountPerTrade decimal.Decimal `json:"max_amount_per_trade"`
	EnabledAssets     []string        `json:"enabled_assets,omitempty"`
	SlippageBps       int             `json:"slippage_bps"`
	KeyRef            string          `json:"key_ref,omitempty"`
}

func (h *MirrorHandler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
		return
	}

	cfg, err := h.registry.Subscribe(c.Request.Context(), &model.MirrorConfig{
		FollowerID:        req.FollowerID,
		TargetWallet:      req.TargetWallet,
		Chain:             req.Chain,
		CopyPercentage:    req.CopyPercentage,
		MaxAmountPerTrade: req.MaxAmountPerTrade,
		EnabledAssets:     req.EnabledAssets,
		SlippageBps:       req.SlippageBps,
		KeyRef:            req.KeyRef,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (h *MirrorHandler) Unsubscribe(c *gin.Context) {
	followerID := c.Param("follower")
	if !h.registry.Unsubscribe(c.Request.Context(), followerID) {
		c.Error(apperrors.New(apperrors.ErrNotSubscribed, "follower has no active subscription", nil))
		return
	}
	if h.dispatcher != nil {
		h.dispatcher.Forget(followerID)
	}
	c.Status(http.StatusNoContent)
}

func (h *MirrorHandler) Patch(c *gin.Context) {
	followerID := c.Param("follower")

	var patch model.MirrorPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
		return
	}

	cfg, err := h.registry.Patch(c.Request.Context(), followerID, patch)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *MirrorHandler) Get(c *gin.Context) {
	cfg, ok := h.registry.Get(c.Param("follower"))
	if !ok {
		c.Error(apperrors.New(apperrors.ErrNotSubscribed, "follower has no active subscription", nil))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *MirrorHandler) Outcomes(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			c.Error(apperrors.New(apperrors.ErrInvalidRequest, "limit must be in [1, 500]", err))
			return
		}
		limit = parsed
	}

	outcomes, err := h.store.RecentOutcomes(c.Request.Context(), c.Param("follower"), limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func (h *MirrorHandler) Stats(c *gin.Context) {
	followers, targets := h.registry.Counts()
	c.JSON(http.StatusOK, gin.H{
		"followers": followers,
		"targets":   targets,
		"stats":     h.dispatcher.Stats(),
	})
}
