// Package client provides HTTP clients for the revcast forecaster service and
// the backend that receives forecasts.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/HatiCode/revcast/pkg/jobs"
	"github.com/HatiCode/revcast/pkg/predict"
)

// ErrNotFound is returned when the forecaster answers 404.
var ErrNotFound = errors.New("not found")

// ForecasterClient is an HTTP client for the forecaster service.
// It is safe for concurrent use by multiple goroutines.
type ForecasterClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewForecasterClient creates a client for the forecaster service.
// The baseURL should include the scheme and host (e.g., "http://localhost:8000").
// A default timeout of 5 seconds is used for HTTP requests.
func NewForecasterClient(baseURL string) *ForecasterClient {
	return NewForecasterClientWithTimeout(baseURL, 5*time.Second)
}

// NewForecasterClientWithTimeout creates a new client with a custom timeout.
func NewForecasterClientWithTimeout(baseURL string, timeout time.Duration) *ForecasterClient {
	return &ForecasterClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Upload is a named file attached to a training submission.
type Upload struct {
	Name string
	Body io.Reader
}

// SubmitTraining uploads training tables and returns the accepted job.
// weather may be nil for cluster and baseline runs.
func (c *ForecasterClient) SubmitTraining(ctx context.Context, mode string, revenue Upload, weather *Upload) (*jobs.Job, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if mode != "" {
		if err := mw.WriteField("mode", mode); err != nil {
			return nil, err
		}
	}
	if err := attach(mw, "revenue", revenue); err != nil {
		return nil, err
	}
	if weather != nil {
		if err := attach(mw, "weather", *weather); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var job jobs.Job
	if err := c.do(ctx, http.MethodPost, "/train", mw.FormDataContentType(), &buf, http.StatusAccepted, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func attach(mw *multipart.Writer, field string, u Upload) error {
	w, err := mw.CreateFormFile(field, u.Name)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, u.Body)
	return err
}

// GetJob fetches the status of a training job.
func (c *ForecasterClient) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job id cannot be empty")
	}
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), "", nil, http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// WaitJob polls a job every interval until it finishes or ctx is done.
func (c *ForecasterClient) WaitJob(ctx context.Context, id string, interval time.Duration) (*jobs.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Daily requests the corrected forecast of one store-day.
func (c *ForecasterClient) Daily(ctx context.Context, req predict.DailyRequest) (*predict.ForecastResult, error) {
	var out predict.ForecastResult
	if err := c.postJSON(ctx, "/forecast/daily", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Composed requests one corrected day followed by 61 baseline days.
func (c *ForecasterClient) Composed(ctx context.Context, req predict.DailyRequest) ([]predict.ForecastResult, error) {
	var out []predict.ForecastResult
	if err := c.postJSON(ctx, "/forecast/composed", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ForecasterClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), http.StatusOK, out)
}

func (c *ForecasterClient) do(ctx context.Context, method, path, contentType string, body io.Reader, want int, out any) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u = u.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s %s: %w: %s", method, path, ErrNotFound, e.Error)
		}
		return fmt.Errorf("%s %s: unexpected status code %d: %s", method, path, resp.StatusCode, e.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
