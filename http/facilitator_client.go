// Package http carries the protocol over HTTP: the facilitator client
// used by resource servers and the auto-paying client transport.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	pay402 "github.com/pay402/pay402-go"
)

// FacilitatorConfig configures the facilitator client.
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests, used only when HTTPClient is nil. Defaults
	// to 30s.
	Timeout time.Duration
}

// FacilitatorClient talks to a remote facilitator's verify and settle
// endpoints. Resource servers hold one per facilitator.
type FacilitatorClient struct {
	url        string
	httpClient *http.Client
}

// NewFacilitatorClient creates a client for the facilitator at config.URL.
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &FacilitatorClient{
		url:        config.URL,
		httpClient: httpClient,
	}
}

type facilitatorRequest struct {
	Payload     pay402.PaymentPayload     `json:"payload"`
	Requirement pay402.PaymentRequirement `json:"requirement"`
}

// Verify asks the facilitator whether the payload satisfies the
// requirement. Transport failures and facilitator outages come back as
// transient errors; a clean invalid verdict is not an error.
func (c *FacilitatorClient) Verify(ctx context.Context, payload pay402.PaymentPayload, req pay402.PaymentRequirement) (*pay402.VerifyResult, error) {
	var result pay402.VerifyResult
	if err := c.post(ctx, "/verify", facilitatorRequest{Payload: payload, Requirement: req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Settle asks the facilitator to settle the payload on the ledger.
func (c *FacilitatorClient) Settle(ctx context.Context, payload pay402.PaymentPayload, req pay402.PaymentRequirement) (*pay402.SettleResult, error) {
	var result pay402.SettleResult
	if err := c.post(ctx, "/settle", facilitatorRequest{Payload: payload, Requirement: req}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health reports whether the facilitator answers its health endpoint.
func (c *FacilitatorClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pay402.NewTransientError(pay402.ErrCodeFacilitator, "facilitator unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return pay402.NewTransientError(pay402.ErrCodeFacilitator,
			fmt.Sprintf("facilitator health returned %d", resp.StatusCode))
	}
	return nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, body facilitatorRequest, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pay402.NewTransientError(pay402.ErrCodeNetwork,
			fmt.Sprintf("facilitator %s request failed", path))
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pay402.NewTransientError(pay402.ErrCodeNetwork, "reading facilitator response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(responseBody, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
		return nil
	case resp.StatusCode >= 500:
		return pay402.NewTransientError(pay402.ErrCodeFacilitator,
			fmt.Sprintf("facilitator %s returned %d", path, resp.StatusCode))
	default:
		// Client-class failures carry the facilitator's coarse reason
		// when one is present.
		reason := coarseReason(responseBody)
		if reason == "" {
			reason = fmt.Sprintf("facilitator %s returned %d", path, resp.StatusCode)
		}
		return pay402.NewPaymentError(pay402.ErrCodeValidation, reason)
	}
}

func coarseReason(body []byte) string {
	var envelope struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.Reason
}
