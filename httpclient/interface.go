package httpclient

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/url"
	"time"

	"github.com/gaborage/prodtrack/credentials"
	"github.com/gaborage/prodtrack/trace"
)

// HeaderXRequestID is propagated on every dispatch, replays included
const HeaderXRequestID = trace.HeaderXRequestID

// Client is the production API client. Paths are relative to the configured
// base URL; every failure is returned as *APIError.
type Client interface {
	Get(ctx context.Context, path string, opts *RequestOptions) (*Response, error)
	Delete(ctx context.Context, path string, opts *RequestOptions) (*Response, error)
	Post(ctx context.Context, path string, data any, opts *RequestOptions) (*Response, error)
	Put(ctx context.Context, path string, data any, opts *RequestOptions) (*Response, error)
	Patch(ctx context.Context, path string, data any, opts *RequestOptions) (*Response, error)
	Do(ctx context.Context, method, path string, data any, opts *RequestOptions) (*Response, error)

	// Login exchanges user credentials for a token pair and stores the session
	Login(ctx context.Context, username, password string) (*Session, error)
	// Logout forgets the stored session
	Logout(ctx context.Context) error
	// CurrentUser decodes the cached user profile into dst
	CurrentUser(dst any) (bool, error)

	// RefreshState reports whether a token refresh is in flight and how many
	// requests are waiting for it
	RefreshState() RefreshState
	// Close releases background resources (the rate window ticker)
	Close() error
}

// RequestOptions are per-request settings
type RequestOptions struct {
	// Headers override default headers
	Headers map[string]string
	// Params are appended to the query string. GETs without a "_t" parameter
	// receive a cache-busting timestamp.
	Params url.Values
	// Timeout overrides the client timeout for this request's dispatches
	Timeout time.Duration
}

// Response represents an HTTP response with tracking information
type Response struct {
	StatusCode int
	Body       []byte
	Headers    nethttp.Header
	Stats      Stats
}

// Decode unmarshals a JSON body into v. Empty bodies decode to nothing.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return newAPIError(ValidationError, 0, CodeDecode, "failed to decode response body", nil, err)
	}
	return nil
}

// Stats contains request execution statistics
type Stats struct {
	ElapsedTime time.Duration
	// CallCount is the client-wide sequence number of the logical request
	CallCount int64
	// Dispatches counts transport round trips, replays included
	Dispatches int
}

// Session is the result of a successful login
type Session struct {
	AccessToken  string          `json:"token"`
	RefreshToken string          `json:"refreshToken"`
	User         json.RawMessage `json:"user,omitempty"`
}

// RefreshState is a snapshot of the refresh coordinator
type RefreshState struct {
	Refreshing bool
	Queued     int
}

// RequestInterceptor is called before each dispatch, after auth and cache busting
type RequestInterceptor func(ctx context.Context, req *nethttp.Request) error

// ResponseInterceptor is called after each response is received
type ResponseInterceptor func(ctx context.Context, req *nethttp.Request, resp *nethttp.Response) error

// SessionExpiredHandler is invoked once per failed refresh cycle, after the
// stored credentials were cleared. Typically it sends the user back to login.
type SessionExpiredHandler func(ctx context.Context, cause error)

// ErrorNotifier receives permission and server errors for global display
type ErrorNotifier func(ctx context.Context, err *APIError)

// Config holds the client configuration
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	DefaultHeaders map[string]string

	Store            credentials.Store
	OnSessionExpired SessionExpiredHandler
	Notifier         ErrorNotifier

	// RateCeiling requests are allowed per RateWindow before local rejection
	RateCeiling int
	RateWindow  time.Duration
	// DefaultRetryAfter is used after a 429 without a usable Retry-After header
	DefaultRetryAfter time.Duration
	// PacingRPS enables token-bucket pacing when positive
	PacingRPS   float64
	PacingBurst int

	LoginPath   string
	RefreshPath string

	Transport            nethttp.RoundTripper
	RequestInterceptors  []RequestInterceptor
	ResponseInterceptors []ResponseInterceptor

	// LogPayloads enables debug-level logging of headers and body payloads
	LogPayloads bool
	// MaxPayloadLogBytes caps the number of body bytes logged when LogPayloads is enabled
	MaxPayloadLogBytes int
}
