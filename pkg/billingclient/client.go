/**
 * @description
 * This package provides a client for the bill-payment provider's API (airtime top-up,
 * cable TV subscriptions and virtual-account balances). Every call is authenticated
 * with a bearer token obtained from the provider's token endpoint; the token is
 * cached in memory until shortly before it expires.
 *
 * Calls are never retried here. A failed purchase is final for that attempt and the
 * caller is expected to compensate. Idempotency is the provider's responsibility,
 * keyed by the merchant reference.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, sync, time: Standard Go libraries.
 */
package billingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const tokenExpiryMargin = 60 * time.Second

// Client is a client for the bill-payment provider API.
type Client struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	logger *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	now         func() time.Time
}

// NewClient creates a new provider API client.
func NewClient(baseURL, clientID, clientSecret string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.With(zap.String("component", "billing_client")),
		now:    time.Now,
	}
}

// AirtimeRequest is the payload for the top-up endpoint.
type AirtimeRequest struct {
	Amount        int64  `json:"amount"` // in kobo
	PhoneNumber   string `json:"phoneNumber"`
	Network       string `json:"network"`
	MerchantTxRef string `json:"merchantTxRef"`
}

// CableRequest is the payload for the cable TV endpoint.
type CableRequest struct {
	Amount        int64  `json:"amount"` // in kobo
	CustomerID    string `json:"customerId"`
	Provider      string `json:"provider"`
	PackageCode   string `json:"packageCode"`
	MerchantTxRef string `json:"merchantTxRef"`
}

// PurchaseResponse is the provider's success payload for top-up and cable purchases.
type PurchaseResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Data        struct {
		TransactionID string `json:"transactionId"`
		Status        string `json:"status"`
		MerchantTxRef string `json:"merchantTxRef"`
	} `json:"data"`
}

// BalanceResponse is the provider's view of a virtual account's balance.
type BalanceResponse struct {
	Data struct {
		AccountRef string `json:"accountRef"`
		Balance    int64  `json:"balance"` // in kobo
	} `json:"data"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"` // seconds
}

// ProviderError carries the provider's error payload for non-2xx responses.
type ProviderError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider error (status %d)", e.StatusCode)
}

// TopUpAirtime buys airtime for a phone number.
func (c *Client) TopUpAirtime(ctx context.Context, req AirtimeRequest) (*PurchaseResponse, error) {
	var resp PurchaseResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/topup", req, &resp, "topup"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PurchaseCableTV renews a cable TV subscription for a smartcard/customer id.
func (c *Client) PurchaseCableTV(ctx context.Context, req CableRequest) (*PurchaseResponse, error) {
	var resp PurchaseResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/cabletv", req, &resp, "cabletv"); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccountBalance fetches the provider-reported balance of a virtual account.
func (c *Client) GetAccountBalance(ctx context.Context, accountRef string) (*BalanceResponse, error) {
	var resp BalanceResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/accounts/"+url.PathEscape(accountRef)+"/balance", nil, &resp, "get_balance"); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}, out interface{}, op string) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidateToken()
		}
		providerErr := &ProviderError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		var errBody struct {
			Message string `json:"message"`
		}
		if jsonErr := json.Unmarshal(bodyBytes, &errBody); jsonErr == nil {
			providerErr.Message = errBody.Message
		}
		c.logger.Warn("provider returned non-2xx response",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("message", providerErr.Message),
		)
		return providerErr
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

// accessToken returns the cached bearer token, fetching a new one when it is missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload, err := json.Marshal(map[string]string{
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("token request rejected", zap.Int("status", resp.StatusCode))
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: "token request rejected", Body: string(bodyBytes)}
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", errors.New("token response did not include an access token")
	}

	lifetime := time.Duration(tokenResp.ExpiresIn) * time.Second
	if lifetime > tokenExpiryMargin {
		lifetime -= tokenExpiryMargin
	}
	c.token = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(lifetime)

	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}
