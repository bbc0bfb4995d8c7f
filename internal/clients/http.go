// Package clients holds the HTTP collaborators of the order saga. Every call
// is bounded by a timeout and guarded by a per-collaborator circuit breaker.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/imrishuroy/ecoshop-fulfillment/internal/metrics"
)

// IdempotencyHeader carries the key a collaborator can use to drop repeated requests.
const IdempotencyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

var (
	// ErrTimeout is returned when a collaborator does not answer in time.
	ErrTimeout = errors.New("collaborator timeout")
	// ErrCircuitOpen is returned without calling a collaborator that keeps failing.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrNotConfigured is returned by a client without a base URL.
	ErrNotConfigured = errors.New("collaborator url not configured")
)

// UpstreamError is a non-2xx collaborator response.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Service, e.StatusCode, e.Body)
}

// Options configure a collaborator client.
type Options struct {
	Timeout      time.Duration
	MaxFailures  int
	ResetTimeout time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 5
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type base struct {
	service string
	baseURL string
	timeout time.Duration
	http    *http.Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func newBase(service, baseURL string, opts Options) base {
	opts = opts.withDefaults()
	logger := opts.Logger.With(zap.String("collaborator", service))
	metrics.CircuitState(service, int(StateClosed))
	breaker := NewCircuitBreaker(opts.MaxFailures, opts.ResetTimeout, WithStateChange(func(from, to State) {
		logger.Warn("circuit breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
		metrics.CircuitState(service, int(to))
	}))
	return base{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		breaker: breaker,
		logger:  logger,
	}
}

type call struct {
	method         string
	path           string
	body           any
	idempotencyKey string
	headers        map[string]string
}

// do sends c and decodes a 2xx JSON answer into out when out is not nil. The
// raw response body is returned in every case where one was read.
func (b base) do(ctx context.Context, c call, out any) ([]byte, error) {
	if b.baseURL == "" {
		return nil, fmt.Errorf("%s: %w", b.service, ErrNotConfigured)
	}
	var raw []byte
	err := b.breaker.Execute(ctx, func() error {
		var err error
		raw, err = b.send(ctx, c)
		return err
	}, countsAsFailure)
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return nil, fmt.Errorf("%s: %w", b.service, err)
		}
		return raw, err
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("%s: decode response: %w", b.service, err)
		}
	}
	return raw, nil
}

func (b base) send(ctx context.Context, c call) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var body io.Reader
	if c.body != nil {
		buf, err := json.Marshal(c.body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", b.service, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, b.baseURL+c.path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", b.service, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, c.idempotencyKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := b.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s %s %s: %w", b.service, c.method, c.path, ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s %s: %w", b.service, c.method, c.path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%s: read response: %w", b.service, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: read response: %w", b.service, err)
	}
	b.logger.Debug("collaborator call",
		zap.String("method", c.method),
		zap.String("path", c.path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := raw
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return raw, &UpstreamError{Service: b.service, StatusCode: resp.StatusCode, Body: string(text)}
	}
	return raw, nil
}

// countsAsFailure treats transport failures and 5xx answers as a sick
// collaborator. A 4xx is the caller's problem.
func countsAsFailure(err error) bool {
	var up *UpstreamError
	if errors.As(err, &up) {
		return up.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
