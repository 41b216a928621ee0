package fakeapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/gaborage/prodtrack/logger"
)

const (
	userContextKey   = "fakeapi.user"
	rateLimitExpires = 3 * time.Minute
)

// requireAuth accepts only bearer tokens issued and not yet expired
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		token, hasBearer := strings.CutPrefix(req.Header.Get(echo.HeaderAuthorization), "Bearer ")

		s.mu.Lock()
		s.seen = append(s.seen, Seen{
			Method:    req.Method,
			Path:      req.URL.Path,
			Token:     token,
			RequestID: req.Header.Get(echo.HeaderXRequestID),
			Query:     req.URL.RawQuery,
		})
		username, valid := s.access[token]
		s.mu.Unlock()

		if !hasBearer || !valid {
			return c.JSON(http.StatusUnauthorized, errorBody("token expired or invalid", "TOKEN_INVALID"))
		}
		c.Set(userContextKey, username)
		return next(c)
	}
}

// requireRole rejects authenticated users lacking role
func (s *Server) requireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			username, _ := c.Get(userContextKey).(string)
			s.mu.Lock()
			acc, ok := s.accounts[username]
			s.mu.Unlock()
			if !ok || acc.User.Role != role {
				return c.JSON(http.StatusForbidden, errorBody("insufficient permissions", "FORBIDDEN"))
			}
			return next(c)
		}
	}
}

// rateLimit throttles per client IP and advertises the wait in Retry-After
func rateLimit(rps float64, burst int, retryAfter time.Duration) echo.MiddlewareFunc {
	seconds := strconv.Itoa(int(retryAfter.Round(time.Second) / time.Second))
	deny := func(c echo.Context, _ string, _ error) error {
		c.Response().Header().Set("Retry-After", seconds)
		return c.JSON(http.StatusTooManyRequests, errorBody("too many requests", "RATE_LIMITED"))
	}
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rps),
				Burst:     burst,
				ExpiresIn: rateLimitExpires,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return deny(c, "", err)
		},
		DenyHandler: deny,
	})
}

// requestLogger logs one line per request through the shared logger
func requestLogger(log logger.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("fake API request")
			return nil
		},
	})
}

// recordValidator validates request bodies with go-playground/validator
type recordValidator struct {
	validate *validator.Validate
}

func newRecordValidator() *recordValidator {
	return &recordValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (v *recordValidator) Validate(i any) error {
	if err := v.validate.Struct(i); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Field()+" failed "+fe.Tag())
			}
			return echo.NewHTTPError(http.StatusUnprocessableEntity, strings.Join(fields, "; "))
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}
