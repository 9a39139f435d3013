package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/roach88/boardsync/internal/ops"
)

// Defaults for the HTTP adapter.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
	DefaultPullRetries     = 3
)

// maxErrorBody bounds how much of a failed response is kept in StatusError.
const maxErrorBody = 4 << 10

// HTTP talks to a remote authority over JSON/HTTP:
//
//	POST {base}/boards/{id}/ops          PushRequest -> PushResult
//	GET  {base}/boards/{id}/ops?since=N  -> PullResult
//
// Every call goes through a circuit breaker. Pulls are idempotent and are
// retried with exponential backoff; pushes are never retried here, the
// orchestrator owns push retry.
type HTTP struct {
	baseURL    string
	client     *http.Client
	producerID string
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger

	breakerFailures uint32
	breakerTimeout  time.Duration
	pullRetries     uint64
	retryInitial    time.Duration
	retryMax        time.Duration
}

// HTTPOption configures an HTTP adapter.
type HTTPOption func(*HTTP)

// WithHTTPClient sets the client. Its Timeout is the only per-call timeout.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		h.client = c
	}
}

// WithProducerID sets the id sent in ProducerHeader.
func WithProducerID(id string) HTTPOption {
	return func(h *HTTP) {
		h.producerID = id
	}
}

// WithBreaker sets how many consecutive failures open the breaker and how
// long it stays open.
func WithBreaker(failures uint32, timeout time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.breakerFailures = failures
		h.breakerTimeout = timeout
	}
}

// WithPullRetry sets the pull retry budget and backoff bounds.
func WithPullRetry(retries uint64, initial, max time.Duration) HTTPOption {
	return func(h *HTTP) {
		h.pullRetries = retries
		h.retryInitial = initial
		h.retryMax = max
	}
}

// WithHTTPLogger sets the logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		h.logger = l
	}
}

// NewHTTP creates an adapter for the authority at baseURL.
func NewHTTP(baseURL string, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		baseURL:         strings.TrimRight(baseURL, "/"),
		client:          &http.Client{Timeout: DefaultTimeout},
		logger:          slog.Default(),
		breakerFailures: DefaultBreakerFailures,
		breakerTimeout:  DefaultBreakerTimeout,
		pullRetries:     DefaultPullRetries,
		retryInitial:    200 * time.Millisecond,
		retryMax:        5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "authority",
		MaxRequests: 1,
		Timeout:     h.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.breakerFailures
		},
		// A rejected request means the authority is up.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return h
}

// PushOps implements Adapter.
func (h *HTTP) PushOps(ctx context.Context, boardID string, list []ops.Operation, baseRevision int64) (PushResult, error) {
	body, err := json.Marshal(PushRequest{BaseRevision: baseRevision, Ops: ops.List(list)})
	if err != nil {
		return PushResult{}, fmt.Errorf("encode push: %w", err)
	}

	var res PushResult
	err = h.execute(func() error {
		return h.do(ctx, http.MethodPost, opsPath(boardID), nil, body, &res)
	})
	if err != nil {
		return PushResult{}, fmt.Errorf("push %s: %w", boardID, err)
	}
	return res, nil
}

// PullOps implements Adapter.
func (h *HTTP) PullOps(ctx context.Context, boardID string, sinceRevision int64) (PullResult, error) {
	query := url.Values{"since": {strconv.FormatInt(sinceRevision, 10)}}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.retryInitial
	b.MaxInterval = h.retryMax
	policy := backoff.WithContext(backoff.WithMaxRetries(b, h.pullRetries), ctx)

	var res PullResult
	err := backoff.Retry(func() error {
		res = PullResult{}
		err := h.execute(func() error {
			return h.do(ctx, http.MethodGet, opsPath(boardID), query, nil, &res)
		})
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return PullResult{}, fmt.Errorf("pull %s: %w", boardID, err)
	}
	if res.Ops == nil {
		res.Ops = ops.List{}
	}
	return res, nil
}

// execute runs fn through the breaker, mapping its rejections to
// ErrBreakerOpen.
func (h *HTTP) execute(fn func() error) error {
	_, err := h.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	return err
}

func (h *HTTP) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := h.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.producerID != "" {
		req.Header.Set(ProducerHeader, h.producerID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func opsPath(boardID string) string {
	return "/boards/" + url.PathEscape(boardID) + "/ops"
}
