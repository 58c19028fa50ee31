package polymarket

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/martin-bot/martin/internal/httpapi"
)

// Tick is one traded price point of an outcome token, unix seconds.
type Tick struct {
	Ts    int64
	Price decimal.Decimal
}

// flexTick accepts both shapes the price history endpoint is known to emit:
// {"t": ..., "p": ...} objects and bare [t, p] pairs.
type flexTick Tick

func (t *flexTick) UnmarshalJSON(data []byte) error {
	var obj struct {
		T json.Number `json:"t"`
		P json.Number `json:"p"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.T != "" {
		return t.set(obj.T, obj.P)
	}

	var pair []json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("unrecognized tick shape: %s", data)
	}
	if len(pair) < 2 {
		return fmt.Errorf("tick pair too short: %s", data)
	}
	return t.set(pair[0], pair[1])
}

func (t *flexTick) set(ts, price json.Number) error {
	rawTs, err := ts.Int64()
	if err != nil {
		f, ferr := ts.Float64()
		if ferr != nil {
			return fmt.Errorf("bad tick timestamp %q", ts)
		}
		rawTs = int64(f)
	}
	// Millisecond timestamps get normalized down to seconds.
	if rawTs > 1e12 {
		rawTs /= 1000
	}
	t.Ts = rawTs

	p, err := decimal.NewFromString(price.String())
	if err != nil {
		return fmt.Errorf("bad tick price %q", price)
	}
	t.Price = p
	return nil
}

// CLOBClient fetches price history and, when credentialed, places and tracks
// orders on the Polymarket CLOB.
type CLOBClient struct {
	baseURL string
	http    *httpapi.Client
	raw     *http.Client

	apiKey     string
	secret     string
	passphrase string
	signer     *OrderSigner
}

func NewCLOBClient(baseURL string, api *httpapi.Client, timeout time.Duration) *CLOBClient {
	return &CLOBClient{
		baseURL: baseURL,
		http:    api,
		raw:     &http.Client{Timeout: timeout},
	}
}

// WithCredentials attaches the L2 API credentials and the order signer needed
// for live trading. Price history works without them.
func (c *CLOBClient) WithCredentials(apiKey, secret, passphrase string, signer *OrderSigner) *CLOBClient {
	c.apiKey = apiKey
	c.secret = secret
	c.passphrase = passphrase
	c.signer = signer
	return c
}

// GetPriceHistory returns the token's trade prices within [startTs, endTs],
// sorted ascending by timestamp.
func (c *CLOBClient) GetPriceHistory(ctx context.Context, tokenID string, startTs, endTs int64) ([]Tick, error) {
	params := url.Values{}
	params.Set("market", tokenID)
	params.Set("startTs", strconv.FormatInt(startTs, 10))
	params.Set("endTs", strconv.FormatInt(endTs, 10))
	params.Set("fidelity", "1")

	var resp struct {
		History []flexTick `json:"history"`
	}
	if err := c.http.GetJSON(ctx, c.baseURL+"/prices-history", params, &resp); err != nil {
		return nil, fmt.Errorf("fetch price history: %w", err)
	}

	ticks := make([]Tick, len(resp.History))
	for i, t := range resp.History {
		ticks[i] = Tick(t)
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Ts < ticks[j].Ts })
	return ticks, nil
}

// OrderResult is the CLOB's view of an order after placement or polling.
type OrderResult struct {
	OrderID     string
	Status      string
	FilledSize  decimal.Decimal
	FilledPrice decimal.Decimal
}

// PlaceLimitOrder signs and submits a limit order for size shares of tokenID
// at the given price, rounded to the 0.01 tick. Side is "BUY" or "SELL".
func (c *CLOBClient) PlaceLimitOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal) (*OrderResult, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("clob client has no signer, live trading unavailable")
	}

	tickPrice := price.Round(2)
	order, err := c.signer.SignedOrder(tokenID, side, tickPrice, size)
	if err != nil {
		return nil, fmt.Errorf("sign order: %w", err)
	}

	payload := order.APIPayload(c.apiKey)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	respBody, err := c.authedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
		OrderID  string `json:"orderID"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("order rejected: %s", resp.ErrorMsg)
	}

	log.Info().Str("order_id", resp.OrderID).Str("token", tokenID).
		Str("side", side).Str("price", tickPrice.String()).Str("size", size.String()).
		Msg("Limit order placed")
	return &OrderResult{OrderID: resp.OrderID, Status: resp.Status}, nil
}

// GetOrderStatus polls one order.
func (c *CLOBClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderResult, error) {
	respBody, err := c.authedRequest(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ID          string `json:"id"`
		Status      string `json:"status"`
		SizeMatched string `json:"size_matched"`
		Price       string `json:"price"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode order status: %w", err)
	}

	result := &OrderResult{OrderID: resp.ID, Status: resp.Status}
	if resp.SizeMatched != "" {
		result.FilledSize, _ = decimal.NewFromString(resp.SizeMatched)
	}
	if resp.Price != "" {
		result.FilledPrice, _ = decimal.NewFromString(resp.Price)
	}
	return result, nil
}

// CancelOrder cancels one resting order.
func (c *CLOBClient) CancelOrder(ctx context.Context, orderID string) error {
	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return err
	}
	if _, err := c.authedRequest(ctx, http.MethodDelete, "/order", body); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// DeriveCredentials performs the L1 signed handshake to obtain (or create) the
// L2 API key tuple for the wallet behind signer.
func DeriveCredentials(ctx context.Context, baseURL string, signer *OrderSigner, timeout time.Duration) (apiKey, secret, passphrase string, err error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := signer.SignAuthMessage(timestamp, 0)
	if err != nil {
		return "", "", "", fmt.Errorf("sign auth message: %w", err)
	}

	headers := map[string]string{
		"POLY_ADDRESS":   signer.Address(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     "0",
	}

	client := &http.Client{Timeout: timeout}
	for _, attempt := range []struct {
		method, path string
	}{
		{http.MethodGet, "/auth/derive-api-key"},
		{http.MethodPost, "/auth/api-key"},
	} {
		req, reqErr := http.NewRequestWithContext(ctx, attempt.method, baseURL+attempt.path, nil)
		if reqErr != nil {
			return "", "", "", reqErr
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, doErr := client.Do(req)
		if doErr != nil {
			err = doErr
			continue
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err = &httpapi.APIError{Endpoint: attempt.path, StatusCode: resp.StatusCode, Body: string(body)}
			continue
		}

		var creds struct {
			APIKey     string `json:"apiKey"`
			Secret     string `json:"secret"`
			Passphrase string `json:"passphrase"`
		}
		if jsonErr := json.Unmarshal(body, &creds); jsonErr != nil {
			err = jsonErr
			continue
		}
		if creds.APIKey != "" {
			return creds.APIKey, creds.Secret, creds.Passphrase, nil
		}
	}
	return "", "", "", fmt.Errorf("derive credentials: %w", err)
}

// authedRequest sends an L2 HMAC signed request and returns the response body.
func (c *CLOBClient) authedRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("clob client has no API credentials")
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.signL2(timestamp, method, path, body)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_ADDRESS", c.signer.Address())
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)

	resp, err := c.raw.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &httpapi.APIError{Endpoint: path, StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// signL2 builds the urlsafe base64 HMAC-SHA256 over timestamp+method+path+body
// keyed by the base64 decoded API secret.
func (c *CLOBClient) signL2(timestamp, method, path string, body []byte) (string, error) {
	key, err := base64.URLEncoding.DecodeString(c.secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	message := timestamp + method + path
	if body != nil {
		message += string(body)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SignAuthMessage produces the EIP-712 ClobAuth signature used by the L1
// credential handshake.
func (s *OrderSigner) SignAuthMessage(timestamp string, nonce int64) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: math.NewHexOrDecimal256(polygonChainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.Address(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
	}

	hash, err := typedDataHash(typedData)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}
