// Package gateway adapts the external payment provider: the initialize
// call that opens a payment attempt, and the webhook payloads that report
// its outcome. The core never polls; all settlement knowledge arrives via
// webhook.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nazeru/checkout-settlement-go/pkg/apperr"
)

const serviceName = "gateway"

type InitializeResult struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient builds a provider client. timeout bounds every initialize call;
// on timeout nothing is persisted by the caller, so a slow gateway is a
// total failure of the attempt, never a half-created payment.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

type initializeRequest struct {
	Email    string         `json:"email"`
	Amount   int64          `json:"amount"` // minor units
	Metadata map[string]any `json:"metadata,omitempty"`
}

type initializeEnvelope struct {
	Status  bool             `json:"status"`
	Message string           `json:"message"`
	Data    InitializeResult `json:"data"`
}

// Initialize opens a payment attempt with the provider and returns the
// authorization URL, access code and gateway reference. Every failure mode
// surfaces as ExternalServiceError so the caller knows no payment exists.
func (c *Client) Initialize(ctx context.Context, amount int64, email string, metadata map[string]any) (*InitializeResult, error) {
	body, err := json.Marshal(initializeRequest{Email: email, Amount: amount, Metadata: metadata})
	if err != nil {
		return nil, apperr.External(serviceName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transaction/initialize", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.External(serviceName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.External(serviceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.External(serviceName, fmt.Errorf("initialize returned status %d", resp.StatusCode))
	}

	var env initializeEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, apperr.External(serviceName, fmt.Errorf("decoding initialize response: %w", err))
	}
	if !env.Status {
		return nil, apperr.External(serviceName, fmt.Errorf("initialize rejected: %s", env.Message))
	}
	if env.Data.Reference == "" {
		return nil, apperr.External(serviceName, fmt.Errorf("initialize response missing reference"))
	}
	return &env.Data, nil
}
