package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/gaborage/prodtrack/config"
	"github.com/gaborage/prodtrack/credentials"
	"github.com/gaborage/prodtrack/httpclient/internal/tracking"
	"github.com/gaborage/prodtrack/logger"
	"github.com/gaborage/prodtrack/trace"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultRateCeiling = 100
	DefaultRateWindow  = time.Minute
	DefaultRetryAfter  = 5 * time.Second
	DefaultLoginPath   = "/auth/login"
	DefaultRefreshPath = "/auth/refresh-token"

	defaultMaxPayloadLogBytes = 2048
	cacheBustParam            = "_t"
	tracerName                = "prodtrack/httpclient"
)

// client implements the Client interface
type client struct {
	httpClient *nethttp.Client
	config     Config
	baseURL    *url.URL
	logger     logger.Logger
	store      credentials.Store
	window     *rateWindow
	pacer      *rate.Limiter
	tracer     oteltrace.Tracer
	refresh    refreshCoordinator
	callCount  int64
	now        func() time.Time
}

// Builder provides a fluent interface for configuring the API client
type Builder struct {
	config *Config
	logger logger.Logger
}

// NewBuilder creates a new client builder for the API at baseURL
func NewBuilder(log logger.Logger, baseURL string) *Builder {
	return &Builder{
		logger: log,
		config: &Config{
			BaseURL: baseURL,
			Timeout: DefaultTimeout,
			DefaultHeaders: map[string]string{
				"Content-Type": "application/json",
			},
			RateCeiling:          DefaultRateCeiling,
			RateWindow:           DefaultRateWindow,
			DefaultRetryAfter:    DefaultRetryAfter,
			LoginPath:            DefaultLoginPath,
			RefreshPath:          DefaultRefreshPath,
			RequestInterceptors:  []RequestInterceptor{},
			ResponseInterceptors: []ResponseInterceptor{},
			MaxPayloadLogBytes:   defaultMaxPayloadLogBytes,
		},
	}
}

// WithTimeout sets the per-dispatch timeout
func (b *Builder) WithTimeout(timeout time.Duration) *Builder {
	b.config.Timeout = timeout
	return b
}

// WithDefaultHeader sets a header sent with every request
func (b *Builder) WithDefaultHeader(key, value string) *Builder {
	b.config.DefaultHeaders[key] = value
	return b
}

// WithStore sets where credentials are read from and persisted to
func (b *Builder) WithStore(store credentials.Store) *Builder {
	b.config.Store = store
	return b
}

// WithSessionExpiredHandler sets the callback invoked when a refresh fails
func (b *Builder) WithSessionExpiredHandler(handler SessionExpiredHandler) *Builder {
	b.config.OnSessionExpired = handler
	return b
}

// WithErrorNotifier sets the callback for permission and server errors
func (b *Builder) WithErrorNotifier(notifier ErrorNotifier) *Builder {
	b.config.Notifier = notifier
	return b
}

// WithRateLimit sets the local request ceiling per fixed window
func (b *Builder) WithRateLimit(ceiling int, window time.Duration) *Builder {
	b.config.RateCeiling = ceiling
	b.config.RateWindow = window
	return b
}

// WithRetryAfter sets the wait used after a 429 without a Retry-After header
func (b *Builder) WithRetryAfter(wait time.Duration) *Builder {
	b.config.DefaultRetryAfter = wait
	return b
}

// WithPacing smooths dispatches through a token bucket of rps with burst
func (b *Builder) WithPacing(rps float64, burst int) *Builder {
	b.config.PacingRPS = rps
	b.config.PacingBurst = burst
	return b
}

// WithAuthPaths overrides the login and refresh endpoint paths
func (b *Builder) WithAuthPaths(login, refresh string) *Builder {
	if login != "" {
		b.config.LoginPath = login
	}
	if refresh != "" {
		b.config.RefreshPath = refresh
	}
	return b
}

// WithTransport sets the underlying round tripper
func (b *Builder) WithTransport(transport nethttp.RoundTripper) *Builder {
	b.config.Transport = transport
	return b
}

// WithRequestInterceptor adds a request interceptor
func (b *Builder) WithRequestInterceptor(interceptor RequestInterceptor) *Builder {
	b.config.RequestInterceptors = append(b.config.RequestInterceptors, interceptor)
	return b
}

// WithResponseInterceptor adds a response interceptor
func (b *Builder) WithResponseInterceptor(interceptor ResponseInterceptor) *Builder {
	b.config.ResponseInterceptors = append(b.config.ResponseInterceptors, interceptor)
	return b
}

// WithPayloadLogging logs request and response bodies at debug level, capped at maxBytes
func (b *Builder) WithPayloadLogging(maxBytes int) *Builder {
	b.config.LogPayloads = true
	if maxBytes > 0 {
		b.config.MaxPayloadLogBytes = maxBytes
	}
	return b
}

// Build creates the client. It fails when the base URL is missing or not absolute.
func (b *Builder) Build() (Client, error) {
	c, err := newClient(b.logger, *b.config)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewFromConfig builds a client from loaded configuration. A nil store keeps
// credentials in memory. opts run last and may override any configured value.
func NewFromConfig(cfg *config.Config, log logger.Logger, store credentials.Store, opts ...func(*Builder)) (Client, error) {
	if cfg == nil {
		return nil, NewValidationError("configuration is required", "config")
	}
	b := NewBuilder(log, cfg.API.BaseURL).
		WithTimeout(cfg.API.Timeout).
		WithAuthPaths(cfg.API.Path.Login, cfg.API.Path.Refresh).
		WithRateLimit(cfg.Rate.Ceiling, cfg.Rate.Window).
		WithRetryAfter(cfg.Rate.RetryAfter).
		WithDefaultHeader("User-Agent", fmt.Sprintf("%s/%s", cfg.App.Name, cfg.App.Version))
	if store != nil {
		b.WithStore(store)
	}
	if cfg.Rate.Pacing.RPS > 0 {
		b.WithPacing(cfg.Rate.Pacing.RPS, cfg.Rate.Pacing.Burst)
	}
	if cfg.Log.Payloads {
		b.WithPayloadLogging(0)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.Build()
}

func newClient(log logger.Logger, cfg Config) (*client, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	applyDefaults(&cfg)

	c := &client{
		httpClient: &nethttp.Client{Transport: cfg.Transport},
		config:     cfg,
		baseURL:    base,
		logger:     log,
		store:      cfg.Store,
		window:     newRateWindow(cfg.RateCeiling, cfg.RateWindow),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	if cfg.PacingRPS > 0 {
		c.pacer = rate.NewLimiter(rate.Limit(cfg.PacingRPS), cfg.PacingBurst)
	}
	return c, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, NewValidationError("base URL is required", "baseURL")
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, NewValidationError(fmt.Sprintf("base URL %q must be absolute", raw), "baseURL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, NewValidationError(fmt.Sprintf("unsupported base URL scheme %q", u.Scheme), "baseURL")
	}
	return u, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateCeiling <= 0 {
		cfg.RateCeiling = DefaultRateCeiling
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = DefaultRetryAfter
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}
	cfg.DefaultHeaders = maps.Clone(cfg.DefaultHeaders)
	if cfg.Store == nil {
		cfg.Store = credentials.NewMemoryStore()
	}
	if cfg.Transport == nil {
		cfg.Transport = nethttp.DefaultTransport
	}
	if cfg.PacingRPS > 0 && cfg.PacingBurst <= 0 {
		cfg.PacingBurst = 1
	}
	if cfg.MaxPayloadLogBytes <= 0 {
		cfg.MaxPayloadLogBytes = defaultMaxPayloadLogBytes
	}
}

// request is the internal descriptor of one logical request. It is owned by a
// single goroutine at a time and survives replays.
type request struct {
	method  string
	path    string
	body    []byte
	headers map[string]string
	params  url.Values
	timeout time.Duration

	// skipAuth marks auth endpoint calls: no bearer and no refresh on 401
	skipAuth bool
	// authRetried is set once the request was replayed after a 401
	authRetried bool
	// rateRetried is set once the request was replayed after a 429
	rateRetried bool
	// token, when set, is used for the next dispatch instead of the stored one
	token string
	// onDispatch fires once, right before the next transport call
	onDispatch func()

	dispatches int
	callCount  int64
}

func (r *request) markDispatched() {
	if r.onDispatch != nil {
		f := r.onDispatch
		r.onDispatch = nil
		f()
	}
}

// Get performs a GET request
func (c *client) Get(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, nethttp.MethodGet, path, nil, opts)
}

// Delete performs a DELETE request
func (c *client) Delete(ctx context.Context, path string, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, nethttp.MethodDelete, path, nil, opts)
}

// Post performs a POST request with data encoded as JSON
func (c *client) Post(ctx context.Context, path string, data any, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPost, path, data, opts)
}

// Put performs a PUT request with data encoded as JSON
func (c *client) Put(ctx context.Context, path string, data any, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPut, path, data, opts)
}

// Patch performs a PATCH request with data encoded as JSON
func (c *client) Patch(ctx context.Context, path string, data any, opts *RequestOptions) (*Response, error) {
	return c.Do(ctx, nethttp.MethodPatch, path, data, opts)
}

// Do performs an HTTP request with the specified method. []byte and
// json.RawMessage payloads are sent verbatim.
func (c *client) Do(ctx context.Context, method, path string, data any, opts *RequestOptions) (*Response, error) {
	req, err := newRequest(method, path, data, opts)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, req)
}

// RefreshState reports the refresh coordinator state
func (c *client) RefreshState() RefreshState {
	return c.refresh.state()
}

// Close stops the rate window ticker
func (c *client) Close() error {
	c.window.close()
	return nil
}

func newRequest(method, path string, data any, opts *RequestOptions) (*request, error) {
	if method == "" {
		return nil, NewValidationError("method cannot be empty", "method")
	}
	if path == "" {
		return nil, NewValidationError("path cannot be empty", "path")
	}
	body, err := encodeBody(data)
	if err != nil {
		return nil, err
	}
	req := &request{method: method, path: path, body: body}
	if opts != nil {
		req.headers = opts.Headers
		req.params = opts.Params
		req.timeout = opts.Timeout
	}
	return req, nil
}

func encodeBody(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		apiErr := NewValidationError("failed to encode request body", "body")
		apiErr.cause = err
		return nil, apiErr
	}
	return raw, nil
}

// run executes a logical request and fills in its statistics
func (c *client) run(ctx context.Context, req *request) (*Response, error) {
	ctx, _ = trace.EnsureRequestID(ctx)
	start := c.now()
	req.callCount = atomic.AddInt64(&c.callCount, 1)

	resp, err := c.execute(ctx, req)
	if resp != nil {
		resp.Stats = Stats{
			ElapsedTime: time.Since(start),
			CallCount:   req.callCount,
			Dispatches:  req.dispatches,
		}
	}
	return resp, err
}

// execute dispatches req and applies the response policies: a single retry
// after 429, a coordinated refresh after 401, and error normalization.
func (c *client) execute(ctx context.Context, req *request) (*Response, error) {
	resp, sentToken, err := c.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if IsSuccessStatus(resp.StatusCode) {
		return resp, nil
	}

	switch {
	case resp.StatusCode == nethttp.StatusTooManyRequests && !req.rateRetried:
		return c.retryAfterThrottle(ctx, req, resp)
	case resp.StatusCode == nethttp.StatusUnauthorized && !req.skipAuth && !req.authRetried:
		return c.handleUnauthorized(ctx, req, resp, sentToken)
	}

	apiErr := normalizeResponse(resp)
	if apiErr.Type() == PermissionError || apiErr.Type() == ServerError {
		c.notify(ctx, apiErr)
	}
	return resp, apiErr
}

func (c *client) retryAfterThrottle(ctx context.Context, req *request, resp *Response) (*Response, error) {
	wait := retryAfterDelay(resp.Headers, c.config.DefaultRetryAfter, c.now())
	tracking.RecordRateLimited(ctx, tracking.SourceServer)
	c.logger.Warn().
		Str("method", req.method).
		Str("path", req.path).
		Dur("retry_after", wait).
		Msg("API rate limit reached, retrying once")

	if err := sleepContext(ctx, wait); err != nil {
		return nil, normalizeTransportError(err)
	}
	req.rateRetried = true
	return c.execute(ctx, req)
}

func (c *client) notify(ctx context.Context, apiErr *APIError) {
	c.logger.Warn().
		Int("status", apiErr.Status).
		Str("code", apiErr.Code).
		Msg(apiErr.Message)
	if c.config.Notifier != nil {
		c.config.Notifier(ctx, apiErr)
	}
}

// dispatch sends req once through the guarded path. It returns the access
// token the request carried so a 401 can be matched against later rotations.
func (c *client) dispatch(ctx context.Context, req *request) (*Response, string, error) {
	if remaining, ok := c.window.acquire(); !ok {
		tracking.RecordRateLimited(ctx, tracking.SourceLocal)
		c.logger.Warn().
			Str("method", req.method).
			Str("path", req.path).
			Dur("retry_in", remaining).
			Msg("Local rate limit reached, request rejected")
		return nil, "", rateLimited(remaining, c.config.RateCeiling)
	}
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, "", normalizeTransportError(err)
		}
	}

	token, err := c.tokenFor(req)
	if err != nil {
		return nil, "", err
	}

	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.buildRequest(dispatchCtx, req, token)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.roundTrip(ctx, req, httpReq)
	return resp, token, err
}

// roundTrip performs the transport call and reads the response
func (c *client) roundTrip(ctx context.Context, req *request, httpReq *nethttp.Request) (*Response, error) {
	req.dispatches++
	logger.IncrementCallCounter(ctx)
	c.logRequest(req, httpReq)
	req.markDispatched()

	start := c.now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		elapsed := time.Since(start)
		logger.AddCallElapsed(ctx, elapsed.Nanoseconds())
		apiErr := normalizeTransportError(err)
		tracking.RecordRequestDuration(ctx, req.method, 0, string(apiErr.Type()), elapsed)
		c.logger.Warn().
			Err(err).
			Str("method", req.method).
			Str("url", httpReq.URL.String()).
			Str("code", apiErr.Code).
			Msg("API request failed")
		return nil, apiErr
	}

	resp, err := c.buildResponse(httpReq.Context(), httpReq, httpResp)
	elapsed := time.Since(start)
	logger.AddCallElapsed(ctx, elapsed.Nanoseconds())
	if err != nil {
		tracking.RecordRequestDuration(ctx, req.method, httpResp.StatusCode, string(InterceptorError), elapsed)
		return nil, err
	}
	tracking.RecordRequestDuration(ctx, req.method, resp.StatusCode, "", elapsed)
	c.logResponse(req, resp, elapsed)
	return resp, nil
}

func (c *client) tokenFor(req *request) (string, error) {
	if req.skipAuth {
		return "", nil
	}
	if req.token != "" {
		token := req.token
		req.token = ""
		return token, nil
	}
	token, _, err := c.store.Get(credentials.KeyAccessToken)
	if err != nil {
		return "", newAPIError(AuthError, 0, CodeUnauthorized, "failed to read access token", nil, err)
	}
	return token, nil
}

func rateLimited(remaining time.Duration, ceiling int) *APIError {
	return newAPIError(RateLimitError, nethttp.StatusTooManyRequests, CodeRateLimited,
		fmt.Sprintf("too many requests, retry in %ds", int((remaining+time.Second-1)/time.Second)),
		map[string]any{
			"retryAfter": remaining.Seconds(),
			"limit":      ceiling,
		}, nil)
}

// resolveURL joins path onto the base URL, merges query parameters and adds
// the cache-busting timestamp to GETs that do not carry one.
func (c *client) resolveURL(req *request) (string, error) {
	ref, err := url.Parse(req.path)
	if err != nil {
		return "", NewValidationError(fmt.Sprintf("invalid request path %q", req.path), "path")
	}

	target := ref
	switch {
	case !ref.IsAbs():
		target = c.baseURL.JoinPath(ref.Path)
		target.RawQuery = ref.RawQuery
	case !strings.EqualFold(ref.Scheme, c.baseURL.Scheme) || !strings.EqualFold(ref.Host, c.baseURL.Host):
		// The session token must never leave the configured API origin
		return "", NewValidationError(fmt.Sprintf("request URL %q is outside the API base URL", req.path), "path")
	}

	query := target.Query()
	for key, values := range req.params {
		for _, v := range values {
			query.Add(key, v)
		}
	}
	if req.method == nethttp.MethodGet && !query.Has(cacheBustParam) {
		query.Set(cacheBustParam, strconv.FormatInt(c.now().UnixMilli(), 10))
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// applyHeaders applies default then request-specific headers
func (c *client) applyHeaders(httpReq *nethttp.Request, req *request) {
	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}
}

// buildRequest constructs an *http.Request, applies headers and auth, and runs request interceptors.
func (c *client) buildRequest(ctx context.Context, req *request, token string) (*nethttp.Request, error) {
	target, err := c.resolveURL(req)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := nethttp.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		apiErr := NewValidationError("failed to create HTTP request", "request")
		apiErr.cause = err
		return nil, apiErr
	}

	c.applyHeaders(httpReq, req)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if id, ok := trace.RequestIDFromContext(ctx); ok {
		httpReq.Header.Set(HeaderXRequestID, id)
	}

	if err := c.runRequestInterceptors(ctx, httpReq); err != nil {
		return nil, NewInterceptorError("request interceptor failed", "request", err)
	}
	return httpReq, nil
}

// buildResponse runs response interceptors, reads body, and builds a Response.
func (c *client) buildResponse(ctx context.Context, httpReq *nethttp.Request, httpResp *nethttp.Response) (*Response, error) {
	defer httpResp.Body.Close()

	if err := c.runResponseInterceptors(ctx, httpReq, httpResp); err != nil {
		return nil, NewInterceptorError("response interceptor failed", "response", err)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, normalizeTransportError(fmt.Errorf("failed to read response body: %w", err))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}, nil
}

// runRequestInterceptors executes all request interceptors
func (c *client) runRequestInterceptors(ctx context.Context, req *nethttp.Request) error {
	for _, interceptor := range c.config.RequestInterceptors {
		if err := interceptor(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// runResponseInterceptors executes all response interceptors
func (c *client) runResponseInterceptors(ctx context.Context, req *nethttp.Request, resp *nethttp.Response) error {
	for _, interceptor := range c.config.ResponseInterceptors {
		if err := interceptor(ctx, req, resp); err != nil {
			return err
		}
	}
	return nil
}

// logRequest logs the outgoing request
func (c *client) logRequest(req *request, httpReq *nethttp.Request) {
	logEvent := c.logger.Info().
		Str("direction", "outbound").
		Str("method", req.method).
		Str("url", httpReq.URL.String()).
		Str("request_id", httpReq.Header.Get(HeaderXRequestID)).
		Int("dispatch", req.dispatches)

	if req.authRetried {
		logEvent = logEvent.Bool("auth_replay", true)
	}
	if req.rateRetried {
		logEvent = logEvent.Bool("rate_replay", true)
	}
	logEvent.Msg("API request")

	if c.config.LogPayloads {
		debug := c.logger.Debug().Interface("headers", httpReq.Header)
		if len(req.body) > 0 {
			debug = debug.Interface("body", c.payload(req.body))
		}
		debug.Msg("API request payload")
	}
}

// logResponse logs the incoming response
func (c *client) logResponse(req *request, resp *Response, elapsed time.Duration) {
	c.logger.Info().
		Str("direction", "inbound").
		Str("method", req.method).
		Int("status", resp.StatusCode).
		Dur("elapsed", elapsed).
		Int64("call_count", req.callCount).
		Msg("API response")

	if c.config.LogPayloads && len(resp.Body) > 0 {
		c.logger.Debug().
			Int("status", resp.StatusCode).
			Interface("body", c.payload(resp.Body)).
			Msg("API response payload")
	}
}

// payload decodes JSON bodies so the logger can mask sensitive keys; anything
// else is logged as a capped string.
func (c *client) payload(body []byte) any {
	var decoded any
	if len(body) <= c.config.MaxPayloadLogBytes && json.Unmarshal(body, &decoded) == nil {
		return decoded
	}
	if len(body) > c.config.MaxPayloadLogBytes {
		return fmt.Sprintf("%s... (%d bytes)", body[:c.config.MaxPayloadLogBytes], len(body))
	}
	return string(body)
}
