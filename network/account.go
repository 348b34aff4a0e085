package network

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"

	"github.com/udl-tools/go-uploadkit/upload"
)

// Balance is the funded balance of an address on a node, in the currency's atomic units.
type Balance struct {
	Node     string   `json:"node"`
	Currency string   `json:"currency"`
	Address  string   `json:"address"`
	Atomic   *big.Int `json:"atomic"`
}

// Price is what a node charges for storing Bytes bytes, in the currency's atomic units.
type Price struct {
	Node     string   `json:"node"`
	Currency string   `json:"currency"`
	Bytes    int64    `json:"bytes"`
	Atomic   *big.Int `json:"atomic"`
}

// Accounts reads funding related state from bundler nodes.
// Moving funds needs a signed transaction from the wallet and is not done here.
type Accounts struct {
	logger log.Logger
}

// NewAccounts ...
func NewAccounts(logger log.Logger) *Accounts {
	return &Accounts{logger: logger}
}

func (a *Accounts) client(nodeURL, currency string) (nodeClient, error) {
	if nodeURL == "" {
		return nodeClient{}, upload.NewValidationError("please select a node")
	}
	if currency == "" {
		return nodeClient{}, upload.NewValidationError("please select a currency")
	}
	retryableHTTPClient := retryhttp.NewClient(a.logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(a.logger)
	return newNodeClient(retryableHTTPClient, nodeURL, currency, "", a.logger), nil
}

// Balance returns the balance of address on the node at nodeURL.
func (a *Accounts) Balance(ctx context.Context, nodeURL, currency, address string) (Balance, error) {
	if strings.TrimSpace(address) == "" {
		return Balance{}, upload.NewValidationError("address is empty")
	}
	c, err := a.client(nodeURL, currency)
	if err != nil {
		return Balance{}, err
	}

	amount, err := c.balance(ctx, address)
	if err != nil {
		return Balance{}, fmt.Errorf("get %s balance of %s: %w", currency, address, err)
	}
	return Balance{Node: c.baseURL, Currency: currency, Address: address, Atomic: amount}, nil
}

// Price returns the cost of uploading size bytes to the node at nodeURL.
func (a *Accounts) Price(ctx context.Context, nodeURL, currency string, size int64) (Price, error) {
	if size < 0 {
		return Price{}, upload.NewValidationError("size must not be negative, got %d", size)
	}
	c, err := a.client(nodeURL, currency)
	if err != nil {
		return Price{}, err
	}

	amount, err := c.price(ctx, size)
	if err != nil {
		return Price{}, fmt.Errorf("get %s price of %d bytes: %w", currency, size, err)
	}
	return Price{Node: c.baseURL, Currency: currency, Bytes: size, Atomic: amount}, nil
}

// balance answers {"balance": "<atomic units>"}.
func (c nodeClient) balance(ctx context.Context, address string) (*big.Int, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/account/balance/%s?address=%s", c.baseURL, c.currency, url.QueryEscape(address)))
	if err != nil {
		return nil, err
	}

	var response struct {
		Balance json.RawMessage `json:"balance"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return parseAtomic(response.Balance)
}

// price answers with a bare atomic amount.
func (c nodeClient) price(ctx context.Context, size int64) (*big.Int, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/price/%s/%d", c.baseURL, c.currency, size))
	if err != nil {
		return nil, err
	}
	return parseAtomic(body)
}

func (c nodeClient) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req.Header)

	resp, err := c.httpClient.StandardClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Printf(err.Error())
		}
	}(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, unwrapError(resp)
	}
	return io.ReadAll(resp.Body)
}

// parseAtomic accepts a JSON number or string holding a non-negative integer.
func parseAtomic(raw []byte) (*big.Int, error) {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %q", value)
	}
	return amount, nil
}
