package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

// ForecastRecord is one forecast delivered to the backend.
type ForecastRecord struct {
	StoreID   string   `json:"store_id"`
	Baseline  float64  `json:"baseline_forecast"`
	Corrected *float64 `json:"corrected_forecast"`
	Timestamp string   `json:"timestamp"`
}

// DeliveryReport summarizes a delivered batch.
type DeliveryReport struct {
	Delivered int `json:"delivered"`
	Total     int `json:"total"`
}

// DeliveryError reports the record that stopped a batch. Records before it
// were delivered and are not rolled back.
type DeliveryError struct {
	Delivered int
	Total     int
	StoreID   string
	Status    int
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery aborted at store %s after %d/%d records: %v", e.StoreID, e.Delivered, e.Total, e.Err)
	}
	return fmt.Sprintf("delivery aborted at store %s after %d/%d records: status %d", e.StoreID, e.Delivered, e.Total, e.Status)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// BackendConfig configures a BackendClient.
type BackendConfig struct {
	BaseURL string
	// TokenURL enables OAuth2 client-credentials authentication when set.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RatePerSecond limits outgoing requests. Zero disables limiting.
	RatePerSecond float64
	Timeout       time.Duration
}

// BackendClient pushes forecasts and cluster assignments to the backend
// service. It is safe for concurrent use.
type BackendClient struct {
	baseURL    string
	httpClient *http.Client
	creds      *clientcredentials.Config
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewBackendClient creates a backend client.
func NewBackendClient(cfg BackendConfig, logger *slog.Logger) (*BackendClient, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &BackendClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		logger:     logger,
	}
	if cfg.RatePerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}
	if cfg.TokenURL != "" {
		c.creds = &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
	}
	return c, nil
}

// token fetches a fresh bearer token, or nil when authentication is off.
func (c *BackendClient) token(ctx context.Context) (*oauth2.Token, error) {
	if c.creds == nil {
		return nil, nil
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch backend token: %w", err)
	}
	return tok, nil
}

func (c *BackendClient) send(ctx context.Context, tok *oauth2.Token, method, path string, body any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode body: %w", err)
	}
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return 0, fmt.Errorf("build URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok != nil {
		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// DeliverForecasts posts each record to /forecast/{store_id} in order. One
// token is fetched for the whole batch. The first transport error or
// non-2xx response stops the batch with a *DeliveryError.
func (c *BackendClient) DeliverForecasts(ctx context.Context, records []ForecastRecord) (DeliveryReport, error) {
	rep := DeliveryReport{Total: len(records)}
	if len(records) == 0 {
		return rep, nil
	}
	tok, err := c.token(ctx)
	if err != nil {
		return rep, &DeliveryError{Total: rep.Total, Err: err}
	}

	for _, rec := range records {
		status, err := c.send(ctx, tok, http.MethodPost, "forecast/"+url.PathEscape(rec.StoreID), rec)
		if err != nil || status < 200 || status > 299 {
			derr := &DeliveryError{Delivered: rep.Delivered, Total: rep.Total, StoreID: rec.StoreID, Status: status, Err: err}
			c.logger.Error("forecast delivery aborted", "store_id", rec.StoreID, "status", status, "delivered", rep.Delivered, "error", derr)
			return rep, derr
		}
		rep.Delivered++
	}
	c.logger.Info("forecasts delivered", "count", rep.Delivered)
	return rep, nil
}

// PatchClusters sends each store's archetype to /train/{store_id}. Stores
// are sent in ID order and the first failure stops the batch.
func (c *BackendClient) PatchClusters(ctx context.Context, assignments map[string]int) error {
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tok, err := c.token(ctx)
	if err != nil {
		return err
	}
	for i, id := range ids {
		body := struct {
			Cluster int `json:"cluster"`
		}{assignments[id]}
		status, err := c.send(ctx, tok, http.MethodPatch, "train/"+url.PathEscape(id), body)
		if err != nil || status < 200 || status > 299 {
			return &DeliveryError{Delivered: i, Total: len(ids), StoreID: id, Status: status, Err: err}
		}
	}
	c.logger.Info("cluster assignments published", "count", len(ids))
	return nil
}
