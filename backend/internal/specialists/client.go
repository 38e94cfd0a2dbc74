package specialists

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"biochat/backend/internal/adapter"
	apperrors "biochat/backend/pkg/errors"
	"biochat/backend/pkg/logger"
)

// StatusError is a non-2xx reply from a specialist backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from a backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// BreakerConfig tunes the circuit breaker in front of a backend.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns the breaker settings used for every backend.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// httpBackend is a JSON-over-HTTP client guarded by a circuit breaker.
type httpBackend struct {
	name    string
	baseURL string
	client  *http.Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func newHTTPBackend(name, baseURL string, timeout time.Duration, bc BreakerConfig) *httpBackend {
	log := logger.Named("specialists").With(zap.String("backend", name))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < bc.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Client errors say nothing about the backend's health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) && se.Code < 500 {
				return true
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &httpBackend{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		timeout: timeout,
		breaker: cb,
		logger:  log,
	}
}

// do sends body as JSON and decodes the reply into out. out may be nil.
func (b *httpBackend) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode %s request: %w", b.name, err)
		}
	}

	return adapter.Call(ctx, b.name, b.timeout, func(ctx context.Context) error {
		_, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, b.roundTrip(ctx, method, path, payload, out)
		})
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return apperrors.NewBackendError(apperrors.BackendReasonUnavailable, b.name, err)
		}
		return err
	})
}

func (b *httpBackend) roundTrip(ctx context.Context, method, path string, payload []byte, out interface{}) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", b.name, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token, _ := ctx.Value(bearerKey{}).(string); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", b.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("Backend request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return &StatusError{Code: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", b.name, err)
	}
	return nil
}

type bearerKey struct{}

// withBearer forwards the caller's opaque token to the backend.
func withBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey{}, token)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
