package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/moneygood/backend/internal/models"
)

// PaymentProcessor moves money at the payment processor.
type PaymentProcessor interface {
	Refund(ctx context.Context, req ProcessorRequest) (string, error)
	Payout(ctx context.Context, req ProcessorRequest) (string, error)
}

// ProcessorRequest is one refund or payout. IdempotencyKey is the ledger
// entry id, so a retried entry is never paid twice.
type ProcessorRequest struct {
	IdempotencyKey   string       `json:"-"`
	DealID           string       `json:"dealId"`
	PaymentID        string       `json:"paymentId,omitempty"`
	Party            models.Party `json:"party"`
	AmountMinorUnits int64        `json:"amountMinorUnits"`
}

type processorResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HTTPProcessor talks to the processor's REST API with a bearer key.
type HTTPProcessor struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// HTTPProcessorConfig configures NewHTTPProcessor
type HTTPProcessorConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPProcessor(config HTTPProcessorConfig) (*HTTPProcessor, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("processor base URL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &HTTPProcessor{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: httpClient,
	}, nil
}

func (p *HTTPProcessor) Refund(ctx context.Context, req ProcessorRequest) (string, error) {
	return p.post(ctx, "/v1/refunds", req)
}

func (p *HTTPProcessor) Payout(ctx context.Context, req ProcessorRequest) (string, error) {
	return p.post(ctx, "/v1/payouts", req)
}

func (p *HTTPProcessor) post(ctx context.Context, path string, req ProcessorRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("processor request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read processor response: %w", err)
	}

	var out processorResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil && resp.StatusCode < 300 {
			return "", fmt.Errorf("decode processor response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(respBody))
		}
		return "", fmt.Errorf("processor returned %d: %s", resp.StatusCode, msg)
	}

	return out.ID, nil
}
