package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sd0xdev/onekey-balance-kit/metrics"
)

// Record describes one webhook registered at the remote provider.
type Record struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Chain       string `json:"chain"`
	IsActive    bool   `json:"is_active"`
	SigningType string `json:"signing_type,omitempty"`
}

// Provider abstracts the remote, rate-limited webhook API.
type Provider interface {
	ListWebhooks(ctx context.Context) ([]Record, error)
	CreateWebhook(ctx context.Context, url, chain string, initialAddresses []string) (string, error)
	UpdateAddresses(ctx context.Context, id string, add, remove []string) (bool, error)
	GetMonitoredAddresses(ctx context.Context, id string) ([]string, error)
	GetSigningSecret(ctx context.Context, id string) (string, error)
}

// HTTPProvider talks to the provider's JSON API with bounded retries.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *logrus.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPProvider(baseURL, token string, logger *logrus.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    baseURL,
		token:      token,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		maxRetries: 3,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

func (p *HTTPProvider) ListWebhooks(ctx context.Context) ([]Record, error) {
	var resp struct {
		Data []Record `json:"data"`
	}
	err := p.do(ctx, http.MethodGet, "/webhooks", nil, &resp)
	p.count("list_webhooks", err)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (p *HTTPProvider) CreateWebhook(ctx context.Context, url, chain string, initialAddresses []string) (string, error) {
	req := map[string]any{
		"url":       url,
		"chain":     chain,
		"addresses": initialAddresses,
	}
	var resp struct {
		Data Record `json:"data"`
	}
	err := p.do(ctx, http.MethodPost, "/webhooks", req, &resp)
	p.count("create_webhook", err)
	if err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

func (p *HTTPProvider) UpdateAddresses(ctx context.Context, id string, add, remove []string) (bool, error) {
	req := map[string]any{
		"addresses_to_add":    add,
		"addresses_to_remove": remove,
	}
	err := p.do(ctx, http.MethodPatch, "/webhooks/"+id+"/addresses", req, nil)
	p.count("update_addresses", err)
	return err == nil, err
}

func (p *HTTPProvider) GetMonitoredAddresses(ctx context.Context, id string) ([]string, error) {
	var resp struct {
		Data struct {
			Addresses []string `json:"addresses"`
		} `json:"data"`
	}
	err := p.do(ctx, http.MethodGet, "/webhooks/"+id+"/addresses", nil, &resp)
	p.count("get_addresses", err)
	if err != nil {
		return nil, err
	}
	return resp.Data.Addresses, nil
}

func (p *HTTPProvider) GetSigningSecret(ctx context.Context, id string) (string, error) {
	var resp struct {
		Data struct {
			SigningKey string `json:"signing_key"`
		} `json:"data"`
	}
	err := p.do(ctx, http.MethodGet, "/webhooks/"+id+"/signing-key", nil, &resp)
	p.count("get_signing_secret", err)
	if err != nil {
		return "", err
	}
	return resp.Data.SigningKey, nil
}

func (p *HTTPProvider) count(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.WebhookProviderCallsTotal.WithLabelValues(op, outcome).Inc()
}

// do issues one API call with exponential backoff on 5xx and 429 responses.
func (p *HTTPProvider) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var attempt int
	delay := p.baseDelay
	for {
		attempt++
		err := p.doOnce(ctx, method, path, payload, out)
		if err == nil || !isRetryable(err) || attempt >= p.maxRetries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.WithFields(logrus.Fields{
			"path":    path,
			"attempt": attempt,
			"error":   err.Error(),
		}).Warnf("Provider call failed, retrying in %s", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = minDuration(delay*2, p.maxDelay)
	}
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.status)
}

func isRetryable(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && (se.status == http.StatusTooManyRequests || se.status >= 500)
}

func (p *HTTPProvider) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("X-API-Key", p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return &httpStatusError{status: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
