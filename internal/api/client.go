package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/metrics"
	"github.com/JakeFAU/jobwatch/internal/policy/ratelimit"
	"github.com/JakeFAU/jobwatch/internal/progress"
)

const (
	tracerName       = "github.com/JakeFAU/jobwatch/internal/api"
	defaultTimeout   = 10 * time.Second
	maxErrorBodySize = 4 << 10
	analysisPath     = "/api/v1/analysis"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the http(s) root of the backend, e.g. http://localhost:8000.
	BaseURL string
	// PushBaseURL overrides the ws(s) root; derived from BaseURL when empty.
	PushBaseURL string
	// Timeout bounds one HTTP call (default 10s).
	Timeout time.Duration
	// RateLimitRPS caps calls per second per host; zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	UserAgent      string
	HTTPClient     *http.Client
	Logger         *zap.Logger
	Tracer         trace.Tracer
}

// Client wraps the backend's analysis endpoints.
type Client struct {
	base       *url.URL
	pushBase   *url.URL
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	userAgent  string
	logger     *zap.Logger
	tracer     trace.Tracer
}

// StartRequest is the body of the start job call.
type StartRequest struct {
	FilePath string `json:"file_path"`
	DQCPath  string `json:"dqc_path,omitempty"`
	User     string `json:"user,omitempty"`
}

// StartResponse is returned by the start job call.
type StartResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// NewClient validates the URLs and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := parseBase(cfg.BaseURL, "http", "https")
	if err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	var pushBase *url.URL
	if cfg.PushBaseURL != "" {
		pushBase, err = parseBase(cfg.PushBaseURL, "ws", "wss")
		if err != nil {
			return nil, fmt.Errorf("push base url: %w", err)
		}
	} else {
		pushBase = toWebSocket(base)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "jobwatch"
	}
	return &Client{
		base:       base,
		pushBase:   pushBase,
		httpClient: httpClient,
		limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimitRPS,
			DefaultBurst: cfg.RateLimitBurst,
			OnDelay:      metrics.ObserveRateLimitDelay,
		}),
		userAgent: userAgent,
		logger:    logger,
		tracer:    tracer,
	}, nil
}

// StartJob submits a document for analysis and returns the new job id.
func (c *Client) StartJob(ctx context.Context, req StartRequest) (StartResponse, error) {
	if strings.TrimSpace(req.FilePath) == "" {
		return StartResponse{}, errors.New("file path is required")
	}
	ctx, span := c.tracer.Start(ctx, "api.start_job", trace.WithAttributes(
		attribute.String("file_path", req.FilePath),
	))
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return StartResponse{}, fmt.Errorf("encode start request: %w", err)
	}
	var out StartResponse
	if err := c.do(ctx, span, "start_job", http.MethodPost, c.endpoint(analysisPath+"/start"), body, &out); err != nil {
		return StartResponse{}, err
	}
	if out.JobID == "" {
		err := errors.New("start response missing job_id")
		span.SetStatus(codes.Error, err.Error())
		return StartResponse{}, err
	}
	span.SetAttributes(attribute.String("job_id", out.JobID))
	return out, nil
}

// GetStatus performs one pull for jobID.
func (c *Client) GetStatus(ctx context.Context, jobID string) (progress.StatusResponse, error) {
	if jobID == "" {
		return progress.StatusResponse{}, errors.New("job id is required")
	}
	ctx, span := c.tracer.Start(ctx, "api.get_status", trace.WithAttributes(
		attribute.String("job_id", jobID),
	))
	defer span.End()

	var out progress.StatusResponse
	endpoint := jobURL(c.base, jobID, "/status")
	if err := c.do(ctx, span, "get_status", http.MethodGet, endpoint, nil, &out); err != nil {
		return progress.StatusResponse{}, err
	}
	return out, nil
}

// PushURL returns the WebSocket endpoint for jobID.
func (c *Client) PushURL(jobID string) string {
	return jobURL(c.pushBase, jobID, "/ws")
}

// jobURL escapes jobID as a single path segment, once.
func jobURL(base *url.URL, jobID, suffix string) string {
	u := *base
	prefix := analysisPath + "/"
	u.RawPath = strings.TrimRight(base.EscapedPath(), "/") + prefix + url.PathEscape(jobID) + suffix
	u.Path = strings.TrimRight(base.Path, "/") + prefix + jobID + suffix
	return u.String()
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, span trace.Span, op, method, endpoint string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rate limit wait")
		return err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveAPIRequest(op, 0, time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport error")
		c.logger.Debug("api request failed", zap.String("op", op), zap.String("request_id", reqID), zap.Error(err))
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return fmt.Errorf("%s: %w: %w", op, ErrStatusUnreachable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	metrics.ObserveAPIRequest(op, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	c.logger.Debug("api request completed",
		zap.String("op", op),
		zap.String("request_id", reqID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("dur", time.Since(start)),
	)

	if resp.StatusCode == http.StatusNotFound {
		span.SetStatus(codes.Error, ErrNotFound.Error())
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		span.SetStatus(codes.Error, statusErr.Error())
		return fmt.Errorf("%s: %w", op, statusErr)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode response")
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func parseBase(raw string, schemes ...string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			if u.Host == "" {
				return nil, fmt.Errorf("%q has no host", raw)
			}
			return u, nil
		}
	}
	return nil, fmt.Errorf("%q must use one of %v", raw, schemes)
}

func toWebSocket(base *url.URL) *url.URL {
	u := *base
	if strings.EqualFold(u.Scheme, "https") {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return &u
}
