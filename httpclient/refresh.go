package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gaborage/prodtrack/credentials"
	"github.com/gaborage/prodtrack/httpclient/internal/tracking"
)

var errRefreshAborted = errors.New("token refresh aborted")

// refreshCoordinator serializes token refreshes for one client. While
// refreshing is set, requests that receive 401 park in queue and are resumed
// in arrival order once the refresh settles.
type refreshCoordinator struct {
	mu         sync.Mutex
	refreshing bool
	queue      []*pendingRequest
}

// pendingRequest is a request parked behind an in-flight refresh
type pendingRequest struct {
	method string
	path   string
	result chan refreshResult
	// started is closed once the replay reached the transport, or the waiter gave up
	started   chan struct{}
	startOnce sync.Once
}

type refreshResult struct {
	token string
	err   error
}

func newPendingRequest(req *request) *pendingRequest {
	return &pendingRequest{
		method:  req.method,
		path:    req.path,
		result:  make(chan refreshResult, 1),
		started: make(chan struct{}),
	}
}

func (p *pendingRequest) markStarted() {
	p.startOnce.Do(func() { close(p.started) })
}

func (rc *refreshCoordinator) state() RefreshState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return RefreshState{Refreshing: rc.refreshing, Queued: len(rc.queue)}
}

// settle ends the current cycle and hands back the parked requests
func (rc *refreshCoordinator) settle() []*pendingRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	queue := rc.queue
	rc.queue = nil
	rc.refreshing = false
	return queue
}

// handleUnauthorized decides, under the coordinator lock, whether req waits
// for a running refresh, replays with a token rotated while it was in flight,
// or leads a new refresh.
func (c *client) handleUnauthorized(ctx context.Context, req *request, resp *Response, sentToken string) (*Response, error) {
	original := normalizeResponse(resp)

	c.refresh.mu.Lock()
	if c.refresh.refreshing {
		pending := newPendingRequest(req)
		c.refresh.queue = append(c.refresh.queue, pending)
		queued := len(c.refresh.queue)
		c.refresh.mu.Unlock()

		c.logger.Debug().
			Str("method", req.method).
			Str("path", req.path).
			Int("queued", queued).
			Msg("Request parked until token refresh completes")
		return c.awaitRefresh(ctx, req, pending)
	}

	current, _, err := c.store.Get(credentials.KeyAccessToken)
	if err == nil && current != "" && current != sentToken {
		c.refresh.mu.Unlock()
		req.authRetried = true
		req.token = current
		c.logger.Debug().
			Str("method", req.method).
			Str("path", req.path).
			Msg("Access token rotated while request was in flight, replaying")
		return c.execute(ctx, req)
	}

	c.refresh.refreshing = true
	c.refresh.mu.Unlock()

	req.authRetried = true
	token, err := c.runRefreshCycle(ctx, original)
	if err != nil {
		return nil, err
	}
	req.token = token
	return c.execute(ctx, req)
}

func (c *client) awaitRefresh(ctx context.Context, req *request, pending *pendingRequest) (*Response, error) {
	defer pending.markStarted()
	tracking.RecordQueued(ctx)

	select {
	case <-ctx.Done():
		return nil, normalizeTransportError(ctx.Err())
	case result := <-pending.result:
		if result.err != nil {
			return nil, sessionExpired(result.err)
		}
		req.authRetried = true
		req.token = result.token
		req.onDispatch = pending.markStarted
		return c.execute(ctx, req)
	}
}

// runRefreshCycle performs one refresh as leader. Every path settles the
// coordinator; on failure the session is torn down exactly once. The refresh
// call ignores the caller's cancellation.
func (c *client) runRefreshCycle(ctx context.Context, original *APIError) (token string, err error) {
	ctx, span := c.tracer.Start(context.WithoutCancel(ctx), "auth.refresh")
	settled := false
	defer func() {
		if !settled {
			c.rejectQueue(c.refresh.settle(), errRefreshAborted)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "token refresh failed")
		}
		span.End()
	}()

	refreshToken, _, storeErr := c.store.Get(credentials.KeyRefreshToken)
	if storeErr != nil || refreshToken == "" {
		cause := error(original)
		if storeErr != nil {
			cause = fmt.Errorf("failed to read refresh token: %w", storeErr)
		}
		settled = true
		span.SetAttributes(attribute.String("refresh.outcome", tracking.OutcomeNoRefreshToken))
		c.failRefresh(ctx, cause, tracking.OutcomeNoRefreshToken)
		return "", sessionExpired(cause)
	}

	creds, callErr := c.callRefresh(ctx, refreshToken)
	if callErr == nil {
		callErr = credentials.Save(c.store, creds)
	}
	if callErr != nil {
		settled = true
		span.SetAttributes(attribute.String("refresh.outcome", tracking.OutcomeFailure))
		c.failRefresh(ctx, callErr, tracking.OutcomeFailure)
		return "", sessionExpired(callErr)
	}

	settled = true
	span.SetAttributes(attribute.String("refresh.outcome", tracking.OutcomeSuccess))
	c.completeRefresh(ctx, creds.AccessToken)
	return creds.AccessToken, nil
}

// completeRefresh releases parked requests in arrival order. Each waiter must
// reach its dispatch before the next one is released.
func (c *client) completeRefresh(ctx context.Context, token string) {
	queue := c.refresh.settle()
	tracking.RecordRefresh(ctx, tracking.OutcomeSuccess)
	c.logger.Info().
		Int("replaying", len(queue)).
		Msg("Access token refreshed")

	for _, pending := range queue {
		pending.result <- refreshResult{token: token}
		<-pending.started
	}
}

// failRefresh clears the session before the coordinator settles, so no
// request can start a second refresh with the rejected refresh token.
func (c *client) failRefresh(ctx context.Context, cause error, outcome string) {
	if err := credentials.Clear(c.store); err != nil {
		c.logger.Error().Err(err).Msg("Failed to clear stored credentials")
	}
	queue := c.refresh.settle()
	c.rejectQueue(queue, cause)

	tracking.RecordRefresh(ctx, outcome)
	c.logger.Warn().
		Err(cause).
		Str("outcome", outcome).
		Int("rejected", len(queue)).
		Msg("Token refresh failed, session expired")

	if c.config.OnSessionExpired != nil {
		c.config.OnSessionExpired(ctx, cause)
	}
}

func (c *client) rejectQueue(queue []*pendingRequest, cause error) {
	for _, pending := range queue {
		pending.result <- refreshResult{err: cause}
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenPair struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

// callRefresh posts the refresh token outside the guarded path: no rate
// window, no bearer header and no 401 handling.
func (c *client) callRefresh(ctx context.Context, refreshToken string) (credentials.Credentials, error) {
	body, err := json.Marshal(refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		return credentials.Credentials{}, fmt.Errorf("failed to encode refresh request: %w", err)
	}
	req := &request{
		method:   nethttp.MethodPost,
		path:     c.config.RefreshPath,
		body:     body,
		skipAuth: true,
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := c.buildRequest(ctx, req, "")
	if err != nil {
		return credentials.Credentials{}, err
	}
	resp, err := c.roundTrip(ctx, req, httpReq)
	if err != nil {
		return credentials.Credentials{}, err
	}
	if !IsSuccessStatus(resp.StatusCode) {
		return credentials.Credentials{}, normalizeResponse(resp)
	}

	var pair tokenPair
	if err := resp.Decode(&pair); err != nil {
		return credentials.Credentials{}, err
	}
	if pair.Token == "" {
		return credentials.Credentials{}, newAPIError(AuthError, resp.StatusCode, CodeDecode,
			"refresh response did not include an access token", nil, nil)
	}
	// Servers that do not rotate keep the presented refresh token valid
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return credentials.Credentials{AccessToken: pair.Token, RefreshToken: pair.RefreshToken}, nil
}
