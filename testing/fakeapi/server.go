// Package fakeapi is an in-process stand-in for the production REST API. It
// implements login, refresh-token rotation and production record CRUD, and
// exposes knobs to expire tokens, fail refreshes and throttle requests so
// client behavior can be exercised end to end.
package fakeapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/gaborage/prodtrack/logger"
	testutil "github.com/gaborage/prodtrack/testing"
)

const serviceName = "prodtrack-fakeapi"

// Account is a user the fake API accepts at login
type Account struct {
	User     User
	Password string
}

// User is the profile returned at login
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// Record is a production record
type Record struct {
	ID       int      `json:"id"`
	Date     string   `json:"date" validate:"required,datetime=2006-01-02"`
	Machine  string   `json:"machine" validate:"required"`
	Process  string   `json:"process" validate:"required"`
	Operator string   `json:"operator"`
	Shift    string   `json:"shift" validate:"omitempty,oneof=morning afternoon night"`
	Hours    float64  `json:"hours" validate:"gte=0,lte=24"`
	Supplies []string `json:"supplies,omitempty"`
}

// Seen is one authenticated request as the server received it
type Seen struct {
	Method    string
	Path      string
	Token     string
	RequestID string
	Query     string
}

// Options configures the fake API
type Options struct {
	// Accounts defaults to one operator and one admin
	Accounts []Account
	// LimitedRPS and LimitedBurst throttle the /consultas route
	LimitedRPS   float64
	LimitedBurst int
	// RetryAfter is sent with throttled responses
	RetryAfter time.Duration
	Logger     logger.Logger
}

// Server is the fake production API
type Server struct {
	echo *echo.Echo
	log  logger.Logger

	mu            sync.Mutex
	accounts      map[string]Account
	access        map[string]string
	refresh       map[string]string
	records       map[int]Record
	nextID        int
	seen          []Seen
	refreshCalls  int
	refreshStatus int
	refreshDelay  time.Duration
}

// DefaultAccounts returns the seeded operator and admin accounts
func DefaultAccounts() []Account {
	return []Account{
		{
			User:     User{ID: 1, Username: testutil.TestUsername, Name: "Operador Turno A", Role: testutil.TestRoleOperator},
			Password: testutil.TestPassword,
		},
		{
			User:     User{ID: 2, Username: testutil.TestAdminUsername, Name: "Supervisor Planta", Role: testutil.TestRoleAdmin},
			Password: testutil.TestAdminPassword,
		},
	}
}

// New creates the fake API with its routes registered
func New(opts Options) *Server {
	if len(opts.Accounts) == 0 {
		opts.Accounts = DefaultAccounts()
	}
	if opts.LimitedRPS <= 0 {
		opts.LimitedRPS = 1
	}
	if opts.LimitedBurst <= 0 {
		opts.LimitedBurst = 1
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	s := &Server{
		echo:     echo.New(),
		log:      opts.Logger,
		accounts: make(map[string]Account, len(opts.Accounts)),
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		records:  make(map[int]Record),
		nextID:   1,
	}
	for _, acc := range opts.Accounts {
		s.accounts[acc.User.Username] = acc
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRecordValidator()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(requestLogger(s.log))

	s.registerRoutes(opts)
	return s
}

func (s *Server) registerRoutes(opts Options) {
	e := s.echo
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.POST("/auth/login", s.login)
	e.POST("/auth/refresh-token", s.refreshToken)

	api := e.Group("", s.requireAuth)
	api.GET(testutil.TestPathRecords, s.listRecords)
	api.POST(testutil.TestPathRecords, s.createRecord)
	api.GET(testutil.TestPathRecords+"/:id", s.getRecord)
	api.PUT(testutil.TestPathRecords+"/:id", s.updateRecord)
	api.DELETE(testutil.TestPathRecords+"/:id", s.deleteRecord)
	api.GET(testutil.TestPathUsers, s.listUsers, s.requireRole(testutil.TestRoleAdmin))
	api.GET(testutil.TestPathFailure, func(c echo.Context) error {
		return c.JSON(http.StatusInternalServerError, errorBody("report generation failed", "REPORT_FAILED"))
	})
	api.GET(testutil.TestPathLimited, s.listRecords, rateLimit(opts.LimitedRPS, opts.LimitedBurst, opts.RetryAfter))
}

// Handler returns the HTTP handler, for httptest servers
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops a server started with Start
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// IssueSession creates a token pair for username as a login would
func (s *Server) IssueSession(username string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(username)
}

func (s *Server) issueLocked(username string) (access, refresh string) {
	access = uuid.NewString()
	refresh = uuid.NewString()
	s.access[access] = username
	s.refresh[refresh] = username
	return access, refresh
}

// ExpireAccessTokens invalidates every issued access token. Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefreshTokens invalidates every issued refresh token
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// FailRefresh makes the refresh endpoint answer with status. Zero restores normal behavior.
func (s *Server) FailRefresh(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshStatus = status
}

// SetRefreshDelay delays every refresh response by d
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RefreshCalls returns how many refresh requests were received
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// Records returns the stored records ordered by ID
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedRecordsLocked()
}

// Seen returns the authenticated requests received so far
func (s *Server) Seen() []Seen {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Seen, len(s.seen))
	copy(out, s.seen)
	return out
}
