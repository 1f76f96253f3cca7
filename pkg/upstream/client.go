// Package upstream provides the HTTP client for the analytics provider that
// computes results on a cache miss. It throttles outgoing requests, follows
// the provider's quota headers and retries transient failures.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/agrocache/pkg/cache"
	"github.com/Sternrassler/agrocache/pkg/logging"
)

// Prometheus metrics for provider requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agro_upstream_requests_total",
		Help: "Total provider requests by status",
	}, []string{"status"})

	upstreamRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agro_upstream_request_duration_seconds",
		Help:    "Provider fetch duration in seconds, including retries",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agro_upstream_errors_total",
		Help: "Total provider errors by class",
	}, []string{"class"})

	upstreamRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agro_upstream_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	upstreamRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agro_upstream_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	upstreamRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agro_upstream_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})

	upstreamQuotaRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agro_upstream_quota_remaining",
		Help: "Requests remaining in the provider's current quota window",
	})

	upstreamQuotaBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agro_upstream_quota_blocks_total",
		Help: "Total number of requests refused due to critical provider quota",
	})

	upstreamQuotaThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agro_upstream_quota_throttles_total",
		Help: "Total number of requests throttled due to low provider quota",
	})
)

// DefaultAnalysisPath is the provider endpoint queried by Fetch.
const DefaultAnalysisPath = "/v1/analysis"

// Config holds the client configuration.
type Config struct {
	// BaseURL of the provider, e.g. "https://analytics.example.com". Required.
	BaseURL string

	// AnalysisPath is appended to BaseURL. Defaults to DefaultAnalysisPath.
	AnalysisPath string

	// User-Agent header sent with every request. Required.
	UserAgent string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout per HTTP attempt.
	Timeout time.Duration

	// RequestsPerSecond and Burst bound outgoing traffic. 0 disables the throttle.
	RequestsPerSecond float64
	Burst             int

	// ThrottleDelay is slept before each request while the provider quota is low.
	ThrottleDelay time.Duration

	// RetryPolicy overrides RetryConfigForErrorClass.
	RetryPolicy RetryPolicy
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:           baseURL,
		AnalysisPath:      DefaultAnalysisPath,
		UserAgent:         userAgent,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
		ThrottleDelay:     1 * time.Second,
	}
}

// Client fetches analysis results from the provider.
type Client struct {
	httpClient *http.Client
	endpoint   *url.URL
	limiter    *rate.Limiter
	quota      *QuotaTracker
	config     Config
	logger     zerolog.Logger
}

// New creates a new provider client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.RequestsPerSecond < 0 {
		return nil, fmt.Errorf("requests_per_second must be >= 0 (got %v)", cfg.RequestsPerSecond)
	}
	if cfg.AnalysisPath == "" {
		cfg.AnalysisPath = DefaultAnalysisPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	endpoint, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	endpoint = endpoint.JoinPath(cfg.AnalysisPath)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger := logging.NewLogger("upstream")

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		endpoint:   endpoint,
		limiter:    limiter,
		quota:      NewQuotaTracker(clockwork.NewRealClock(), cfg.ThrottleDelay, logger),
		config:     cfg,
		logger:     logger,
	}, nil
}

// Fetch computes the analysis for id. The body must be JSON; it is returned
// unparsed.
func (c *Client) Fetch(ctx context.Context, id cache.Identity) (json.RawMessage, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.Observe(time.Since(startTime).Seconds())
	}()

	if err := c.quota.Wait(ctx); err != nil {
		upstreamRequestsTotal.WithLabelValues("quota_blocked").Inc()
		return nil, err
	}

	target := c.requestURL(id)

	var payload json.RawMessage
	err := retryWithBackoff(ctx, c.config.RetryPolicy, c.logger, func() (ErrorClass, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("outbound throttle: %w", err)
		}

		body, class, err := c.do(ctx, target)
		if err != nil {
			return class, err
		}
		payload = body
		return "", nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("entity_id", id.EntityID).
		Dur("duration", time.Since(startTime)).
		Msg("Fetched analysis from provider")
	return payload, nil
}

// do runs a single HTTP attempt.
func (c *Client) do(ctx context.Context, target string) (json.RawMessage, ErrorClass, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("Provider request failed")
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		upstreamRequestsTotal.WithLabelValues("network_error").Inc()
		return nil, ErrorClassNetwork, &Error{Class: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if err := c.quota.UpdateFromHeaders(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update provider quota from headers")
	}

	upstreamRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if class := classifyStatus(resp.StatusCode); class != "" {
		upstreamErrorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Provider request error")

		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, class, &Error{StatusCode: resp.StatusCode, Class: class, Message: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, ErrorClassNetwork, &Error{StatusCode: resp.StatusCode, Class: ErrorClassNetwork, Message: "read body", Err: err}
	}
	if !json.Valid(body) {
		return nil, "", &Error{StatusCode: resp.StatusCode, Message: "body is not JSON", Err: ErrInvalidPayload}
	}
	return body, "", nil
}

// requestURL encodes the identity as query parameters.
func (c *Client) requestURL(id cache.Identity) string {
	q := url.Values{}
	q.Set("entity_id", id.EntityID)
	q.Set("lat", strconv.FormatFloat(id.Latitude, 'f', 6, 64))
	q.Set("lon", strconv.FormatFloat(id.Longitude, 'f', 6, 64))

	keys := make([]string, 0, len(id.Params))
	for k := range id.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		q.Set(k, id.Params[k])
	}

	u := *c.endpoint
	u.RawQuery = q.Encode()
	return u.String()
}

// Quota returns the last quota the provider reported.
func (c *Client) Quota() QuotaState {
	return c.quota.State()
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// IsClientError reports whether err is a non-retryable provider rejection.
func IsClientError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassClient
}
