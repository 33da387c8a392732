package quoting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/swapmirror/swapmirror/internal/config"
	"github.com/swapmirror/swapmirror/internal/model"
	"github.com/swapmirror/swapmirror/internal/pkg/apperrors"
)

// Service is the external route/price-discovery collaborator. The
// route token is opaque: it is replayed verbatim when requesting the
// executable transaction and never inspected here.
type Service interface {
	Quote(ctx context.Context, chain model.Chain, inputAsset, outputAsset string, amount *big.Int, maxSlippageBps int) (*model.Quote, error)
	BuildSwapTx(ctx context.Context, quote *model.Quote, minOutput *big.Int, recipient string) (*SwapTxPayload, error)
}

// SwapTxPayload is the executable transaction material returned by
// the aggregator. EVM swaps come back as calldata against a router;
// Solana swaps as a serialized transaction.
type SwapTxPayload struct {
	To       string `json:"to,omitempty"`
	Data     string `json:"data,omitempty"`
	Value    string `json:"value,omitempty"`
	TxBase64 string `json:"tx,omitempty"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.QuotingConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
		},
	}
}

type quoteResponse struct {
	OutputAmount   string          `json:"output_amount"`
	Route          json.RawMessage `json:"route"`
	PriceImpactBps int             `json:"price_impact_bps"`
	ExpiresAt      int64           `json:"expires_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Quote(ctx context.Context, chain model.Chain, inputAsset, outputAsset string, amount *big.Int, maxSlippageBps int) (*model.Quote, error) {
	url := fmt.Sprintf("%s/v1/quote?chain=%s&input=%s&output=%s&amount=%s&slippage_bps=%d",
		c.baseURL, chain, inputAsset, outputAsset, amount.String(), maxSlippageBps)

	var resp quoteResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}

	out, ok := new(big.Int).SetString(resp.OutputAmount, 10)
	if !ok {
		return nil, apperrors.New(apperrors.ErrUpstream, "aggregator returned unparseable output amount", nil)
	}

	return &model.Quote{
		Chain:          chain,
		InputAsset:     inputAsset,
		OutputAsset:    outputAsset,
		InputAmount:    new(big.Int).Set(amount),
		OutputAmount:   out,
		Route:          resp.Route,
		PriceImpactBps: resp.PriceImpactBps,
		ExpiresAt:      time.Unix(resp.ExpiresAt, 0),
	}, nil
}

func (c *Client) BuildSwapTx(ctx context.Context, quote *model.Quote, minOutput *big.Int, recipient string) (*SwapTxPayload, error) {
	body, err := json.Marshal(map[string]any{
		"chain":      quote.Chain,
		"route":      quote.Route,
		"min_output": minOutput.String(),
		"recipient":  recipient,
	})
	if err != nil {
		return nil, apperrors.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/swap-tx", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	var payload SwapTxPayload
	if err := c.do(req, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperrors.Wrap(err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrUpstream, "aggregator unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		switch e.Code {
		case "NO_ROUTE":
			return apperrors.New(apperrors.ErrNoRouteFound, "no viable route for pair", nil)
		case "UNKNOWN_ASSET":
			return apperrors.New(apperrors.ErrInvalidAsset, "asset metadata unresolvable", nil)
		}
		return apperrors.New(apperrors.ErrUpstream, fmt.Sprintf("aggregator status %d", resp.StatusCode), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.New(apperrors.ErrUpstream, "malformed aggregator response", err)
	}
	return nil
}
