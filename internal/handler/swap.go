package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
	"github.com/swapmirror/swapmirror/internal/service"
)

type SwapHandler struct {
	svc *service.TradeService
}

func NewSwapHandler(svc *service.TradeService) *SwapHandler {
	return &SwapHandler{svc: svc}
}

func (h *SwapHandler) Swap(c *gin.Context) {
	var req service.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
		return
	}

	resp, err := h.svc.Swap(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SwapHandler) Quote(c *gin.Context) {
	var req service.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.New(apperrors.ErrInvalidRequest, err.Error(), err))
		return
	}

	quote, err := h.svc.QuotePreview(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chain":            quote.Chain,
		"input_asset":      quote.InputAsset,
		"output_asset":     quote.OutputAsset,
		"input_amount":     quote.InputAmount.String(),
		"output_amount":    quote.OutputAmount.String(),
		"price_impact_bps": quote.PriceImpactBps,
		"expires_at":       quote.ExpiresAt,
	})
}
