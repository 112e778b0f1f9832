package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wavecrew/internal/domain"
)

const (
	defaultHTTPRetries       = 2
	defaultHTTPRetryBackoff  = 1500 * time.Millisecond
	defaultHTTPTimeout       = 8 * time.Minute
	defaultMaxResultBytes    = 8 * 1024 * 1024
	maxHTTPErrorBodyReadSize = 64 * 1024
)

type HTTPConfig struct {
	Type           domain.AgentType
	Endpoint       string
	AuthToken      string
	Timeout        time.Duration
	Retries        int
	RetryBackoff   time.Duration
	MaxResultBytes int
	Logger         *log.Logger
	Client         *http.Client
}

// HTTPAgent posts the dispatch event to a remote agent service and reads a
// Result back. 429 and 5xx responses and network errors are retried.
type HTTPAgent struct {
	agentType      domain.AgentType
	endpoint       string
	authToken      string
	retries        int
	retryBackoff   time.Duration
	maxResultBytes int
	logger         *log.Logger
	client         *http.Client
}

func NewHTTPAgent(cfg HTTPConfig) (*HTTPAgent, error) {
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("http agent %q: %w", cfg.Type, ErrUnknownAgentType)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty agent endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid agent endpoint %q: %w", endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultHTTPRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultHTTPRetryBackoff
	}
	maxResultBytes := cfg.MaxResultBytes
	if maxResultBytes <= 0 {
		maxResultBytes = defaultMaxResultBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPAgent{
		agentType:      cfg.Type,
		endpoint:       endpoint,
		authToken:      strings.TrimSpace(cfg.AuthToken),
		retries:        retries,
		retryBackoff:   retryBackoff,
		maxResultBytes: maxResultBytes,
		logger:         cfg.Logger,
		client:         client,
	}, nil
}

func (h *HTTPAgent) Type() domain.AgentType {
	return h.agentType
}

func (h *HTTPAgent) Run(ctx context.Context, ev domain.DispatchEvent) (Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.retries)), ctx)

	var res Result
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		var err error
		res, err = h.runOnce(ctx, ev)
		if err != nil && !isRetryableHTTPError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		h.logger.Printf("agent http retry agent=%s task=%s attempt=%d wait=%s reason=%v", h.agentType, ev.TaskID, attempt, wait, err)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (h *HTTPAgent) runOnce(ctx context.Context, ev domain.DispatchEvent) (Result, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return Result{}, fmt.Errorf("marshal dispatch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s-w%d-a%d", ev.TaskID, ev.WaveNumber, ev.Attempt))
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return Result{}, fmt.Errorf("agent status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return Result{}, httpStatusError{
			statusCode: resp.StatusCode,
			body:       strings.TrimSpace(string(raw)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(h.maxResultBytes)+1))
	if err != nil {
		return Result{}, fmt.Errorf("read agent response: %w", err)
	}
	if len(raw) > h.maxResultBytes {
		return Result{}, fmt.Errorf("agent response exceeds %d bytes", h.maxResultBytes)
	}
	res, err := parseResult(raw)
	if err != nil {
		return Result{}, fmt.Errorf("parse agent response: %w; output: %s", err, trim(string(raw), 800))
	}
	return res, nil
}

func isRetryableHTTPError(err error) bool {
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

type httpStatusError struct {
	statusCode int
	body       string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("agent status=%d", e.statusCode)
	}
	return fmt.Sprintf("agent status=%d body=%s", e.statusCode, e.body)
}
