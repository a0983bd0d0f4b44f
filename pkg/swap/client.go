package swap

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"paygate-engine/pkg/config"
	"paygate-engine/pkg/errutil"

	"github.com/go-resty/resty/v2"
	"go.uber.org/fx"
)

// Quote is a priced swap route from the aggregator.
type Quote struct {
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	// RoutePlan is opaque to the engine; it is echoed back verbatim when
	// requesting the swap transaction.
	RoutePlan   []map[string]interface{} `json:"routePlan"`
	SlippageBps int                      `json:"slippageBps"`
}

// Client fetches quotes and swap transactions from a Jupiter-style
// aggregator. Both legs are plain HTTP with explicit timeouts; retry policy
// is the caller's concern.
type Client interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (*Quote, error)
	BuildSwap(ctx context.Context, quote *Quote, userPublicKey string) (string, error)
}

var Module = fx.Module("swap",
	fx.Provide(NewClient),
)

type httpClient struct {
	http        *resty.Client
	slippageBps int
}

func NewClient(cfg *config.Config) Client {
	timeout := cfg.Swap.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &httpClient{
		http: resty.New().
			SetBaseURL(cfg.Swap.BaseURL).
			SetTimeout(timeout),
		slippageBps: cfg.Swap.SlippageBps,
	}
}

func (c *httpClient) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64) (*Quote, error) {
	var quote Quote
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"inputMint":   inputMint,
			"outputMint":  outputMint,
			"amount":      strconv.FormatUint(amount, 10),
			"slippageBps": strconv.Itoa(c.slippageBps),
		}).
		SetResult(&quote).
		Get("/quote")
	if err != nil {
		return nil, errutil.Unavailable("swap quote request failed", err)
	}
	if resp.IsError() {
		return nil, errutil.Unavailable(fmt.Sprintf("swap quote returned %d", resp.StatusCode()), nil)
	}
	if quote.OutAmount == "" {
		return nil, errutil.UnprocessableEntity("swap quote empty", nil)
	}

	quote.SlippageBps = c.slippageBps
	return &quote, nil
}

// BuildSwap exchanges a quote for an unsigned base64 transaction with
// userPublicKey as fee payer. The engine signs it with the custody key.
func (c *httpClient) BuildSwap(ctx context.Context, quote *Quote, userPublicKey string) (string, error) {
	var result struct {
		SwapTransaction string `json:"swapTransaction"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"quoteResponse":    quote,
			"userPublicKey":    userPublicKey,
			"wrapAndUnwrapSol": true,
		}).
		SetResult(&result).
		Post("/swap")
	if err != nil {
		return "", errutil.Unavailable("swap build request failed", err)
	}
	if resp.IsError() {
		return "", errutil.Unavailable(fmt.Sprintf("swap build returned %d", resp.StatusCode()), nil)
	}
	if result.SwapTransaction == "" {
		return "", errutil.UnprocessableEntity("swap build returned no transaction", nil)
	}

	return result.SwapTransaction, nil
}
