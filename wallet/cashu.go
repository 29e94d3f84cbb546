package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultWalletTimeout = 30 * time.Second

// CashuClient speaks HTTP to a sidecar ecash wallet daemon. The daemon owns
// the mint keysets and proof storage; this client only moves value.
type CashuClient struct {
	baseURL string
	client  *http.Client
}

// NewCashuClient builds a client for the wallet daemon at baseURL.
func NewCashuClient(baseURL string, client *http.Client) (*CashuClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("wallet base URL required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("parse wallet URL: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultWalletTimeout}
	}
	return &CashuClient{baseURL: trimmed, client: client}, nil
}

type receiveRequest struct {
	Token string `json:"token"`
}

type receiveResponse struct {
	AmountMsat int64  `json:"amount_msat"`
	Unit       string `json:"unit"`
	Mint       string `json:"mint"`
}

type sendRequest struct {
	AmountMsat int64  `json:"amount_msat"`
	Unit       string `json:"unit"`
	Mint       string `json:"mint,omitempty"`
	Address    string `json:"address,omitempty"`
}

type sendResponse struct {
	Token string `json:"token"`
}

type walletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Receive redeems the bearer with the wallet daemon.
func (c *CashuClient) Receive(ctx context.Context, token string) (Redemption, error) {
	var resp receiveResponse
	if err := c.post(ctx, "/v1/receive", receiveRequest{Token: token}, &resp); err != nil {
		return Redemption{}, err
	}
	unit := resp.Unit
	if unit == "" {
		unit = UnitSat
	}
	return Redemption{AmountMsat: resp.AmountMsat, Unit: unit, Mint: resp.Mint}, nil
}

// Send mints a new bearer from wallet balance.
func (c *CashuClient) Send(ctx context.Context, amountMsat int64, unit, mint string) (string, error) {
	var resp sendResponse
	err := c.post(ctx, "/v1/send", sendRequest{AmountMsat: amountMsat, Unit: unit, Mint: mint}, &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Token) == "" {
		return "", fmt.Errorf("wallet returned empty token")
	}
	return resp.Token, nil
}

// SendToAddress pays out to an external lightning address.
func (c *CashuClient) SendToAddress(ctx context.Context, amountMsat int64, unit, mint, address string) error {
	return c.post(ctx, "/v1/pay", sendRequest{AmountMsat: amountMsat, Unit: unit, Mint: mint, Address: address}, nil)
}

func (c *CashuClient) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode wallet request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build wallet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMintUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read wallet response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeWalletError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode wallet response: %w", err)
	}
	return nil
}

func decodeWalletError(status int, raw []byte) error {
	var we walletError
	if err := json.Unmarshal(raw, &we); err == nil {
		switch we.Code {
		case "already_spent":
			return ErrAlreadySpent
		case "invalid":
			return ErrInvalidToken
		case "mint_error":
			return fmt.Errorf("%w: %s", ErrMintUnavailable, we.Message)
		}
		if we.Message != "" {
			return fmt.Errorf("wallet error (%d): %s", status, we.Message)
		}
	}
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrMintUnavailable, status)
	}
	return fmt.Errorf("wallet error: status %d: %s", status, strings.TrimSpace(string(raw)))
}
