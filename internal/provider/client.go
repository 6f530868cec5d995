// Package provider is the HTTP client for the external generation provider.
package provider

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

	"github.com/google/uuid"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/provider/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 8 * time.Second
	retryBackoff   = 250 * time.Millisecond
	maxErrorBody   = 4 << 10
)

type HTTPClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
}

func NewHTTPClient(cfg config.ProviderConfig, log *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
		burst = max(1, int(cfg.RatePerSec))
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		client:     &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: max(0, cfg.MaxRetries),
		backoff:    retryBackoff,
		log:        log.Named("provider.client"),
	}
}

func Provide(cfg config.Config, log *zap.Logger) domain.Client {
	return NewHTTPClient(cfg.Provider, log)
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) Submit(ctx context.Context, req domain.SubmitRequest) (domain.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.Task{}, err
	}

	var resp submitResponse
	// one key for every retry of this submission
	if err := c.do(ctx, http.MethodPost, "/v1/tasks", body, uuid.NewString(), &resp); err != nil {
		return domain.Task{}, err
	}
	if strings.TrimSpace(resp.TaskID) == "" {
		return domain.Task{}, &domain.UpstreamError{Err: domain.ErrUpstream, Message: "missing task id"}
	}
	return domain.Task{ID: resp.TaskID, Status: domain.TaskProcessing}, nil
}

func (c *HTTPClient) Status(ctx context.Context, taskID string) (domain.Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.Task{}, domain.ErrTaskNotFound
	}

	var task domain.Task
	if err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(taskID), nil, "", &task); err != nil {
		return domain.Task{}, err
	}
	if task.ID == "" {
		task.ID = taskID
	}
	task.Status = domain.TaskStatus(strings.ToUpper(strings.TrimSpace(string(task.Status))))
	switch task.Status {
	case domain.TaskSuccess, domain.TaskFailed:
	default:
		task.Status = domain.TaskProcessing
	}
	return task, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) error {
	if c.baseURL == "" {
		return domain.ErrNotConfigured
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * c.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = c.once(ctx, method, path, body, idempotencyKey, out)
		if lastErr == nil || !domain.IsTransient(lastErr) {
			return lastErr
		}
		c.log.Warn("provider.request.retry",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

func (c *HTTPClient) once(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &domain.UpstreamError{Err: domain.ErrUpstream, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrTaskNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return &domain.UpstreamError{StatusCode: resp.StatusCode, Err: domain.ErrUpstream, Message: readError(resp.Body), Transient: true}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.UpstreamError{StatusCode: resp.StatusCode, Err: domain.ErrUpstream, Message: readError(resp.Body), Transient: true}
	case resp.StatusCode >= http.StatusBadRequest:
		return &domain.UpstreamError{StatusCode: resp.StatusCode, Err: domain.ErrContentRejected, Message: readError(resp.Body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.UpstreamError{StatusCode: resp.StatusCode, Err: domain.ErrUpstream, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func readError(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(raw))
}

var _ domain.Client = (*HTTPClient)(nil)
