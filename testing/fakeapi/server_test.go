package fakeapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutil "github.com/gaborage/prodtrack/testing"
)

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestLogin(t *testing.T) {
	srv := New(Options{})

	tests := []struct {
		name     string
		username string
		password string
		status   int
	}{
		{name: "valid_operator", username: testutil.TestUsername, password: testutil.TestPassword, status: http.StatusOK},
		{name: "wrong_password", username: testutil.TestUsername, password: "nope", status: http.StatusUnauthorized},
		{name: "unknown_user", username: "ghost", password: "x", status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, "/auth/login", "", loginRequest{Username: tt.username, Password: tt.password})
			assert.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var resp tokenResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Token)
			assert.NotEmpty(t, resp.RefreshToken)
			require.NotNil(t, resp.User)
			assert.Equal(t, tt.username, resp.User.Username)
		})
	}
}

func TestRefreshRotatesTokens(t *testing.T) {
	srv := New(Options{})
	access, refresh := srv.IssueSession(testutil.TestUsername)

	rec := doJSON(t, srv, http.MethodPost, "/auth/refresh-token", "", refreshRequest{RefreshToken: refresh})
	require.Equal(t, http.StatusOK, rec.Code)
	var pair tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pair))
	assert.NotEqual(t, access, pair.Token)
	assert.NotEqual(t, refresh, pair.RefreshToken)

	// the consumed refresh token cannot be replayed
	rec = doJSON(t, srv, http.MethodPost, "/auth/refresh-token", "", refreshRequest{RefreshToken: refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 2, srv.RefreshCalls())
}

func TestRefreshKnobs(t *testing.T) {
	srv := New(Options{})
	_, refresh := srv.IssueSession(testutil.TestUsername)

	srv.FailRefresh(http.StatusInternalServerError)
	rec := doJSON(t, srv, http.MethodPost, "/auth/refresh-token", "", refreshRequest{RefreshToken: refresh})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	srv.FailRefresh(0)
	srv.SetRefreshDelay(30 * time.Millisecond)
	start := time.Now()
	rec = doJSON(t, srv, http.MethodPost, "/auth/refresh-token", "", refreshRequest{RefreshToken: refresh})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	srv.RevokeRefreshTokens()
	rec = doJSON(t, srv, http.MethodPost, "/auth/refresh-token", "", refreshRequest{RefreshToken: refresh})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecordsCRUD(t *testing.T) {
	srv := New(Options{})
	access, _ := srv.IssueSession(testutil.TestUsername)

	record := Record{
		Date:    testutil.TestRecordDate,
		Machine: testutil.TestMachine,
		Process: testutil.TestProcess,
		Shift:   testutil.TestShiftMorning,
		Hours:   7.5,
	}
	rec := doJSON(t, srv, http.MethodPost, testutil.TestPathRecords, access, record)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, 1, created.ID)
	assert.Equal(t, testutil.TestUsername, created.Operator)

	created.Hours = 8
	rec = doJSON(t, srv, http.MethodPut, testutil.TestPathRecords+"/1", access, created)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, testutil.TestPathRecords+"/1", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.InDelta(t, 8.0, fetched.Hours, 0.001)

	rec = doJSON(t, srv, http.MethodGet, testutil.TestPathRecords+"?machine="+testutil.TestMachine, access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = doJSON(t, srv, http.MethodDelete, testutil.TestPathRecords+"/1", access, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, srv.Records())

	rec = doJSON(t, srv, http.MethodDelete, testutil.TestPathRecords+"/1", access, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordValidation(t *testing.T) {
	srv := New(Options{})
	access, _ := srv.IssueSession(testutil.TestUsername)

	tests := []struct {
		name   string
		record Record
	}{
		{name: "missing_machine", record: Record{Date: testutil.TestRecordDate, Process: testutil.TestProcess}},
		{name: "bad_date", record: Record{Date: "15/10/2026", Machine: testutil.TestMachine, Process: testutil.TestProcess}},
		{name: "too_many_hours", record: Record{Date: testutil.TestRecordDate, Machine: testutil.TestMachine, Process: testutil.TestProcess, Hours: 30}},
		{name: "unknown_shift", record: Record{Date: testutil.TestRecordDate, Machine: testutil.TestMachine, Process: testutil.TestProcess, Shift: "graveyard"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv, http.MethodPost, testutil.TestPathRecords, access, tt.record)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		})
	}
	assert.Empty(t, srv.Records())
}

func TestAuthRequired(t *testing.T) {
	srv := New(Options{})
	access, _ := srv.IssueSession(testutil.TestUsername)

	rec := doJSON(t, srv, http.MethodGet, testutil.TestPathRecords, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "TOKEN_INVALID")

	rec = doJSON(t, srv, http.MethodGet, testutil.TestPathRecords, access, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.ExpireAccessTokens()
	rec = doJSON(t, srv, http.MethodGet, testutil.TestPathRecords, access, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	seen := srv.Seen()
	require.Len(t, seen, 3)
	assert.Equal(t, access, seen[1].Token)
}

func TestPermissionAndFailureRoutes(t *testing.T) {
	srv := New(Options{})
	operator, _ := srv.IssueSession(testutil.TestUsername)
	admin, _ := srv.IssueSession(testutil.TestAdminUsername)

	rec := doJSON(t, srv, http.MethodGet, testutil.TestPathUsers, operator, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, testutil.TestPathUsers, admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, testutil.TestPathFailure, operator, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "REPORT_FAILED")
}

func TestRateLimitedRoute(t *testing.T) {
	srv := New(Options{LimitedRPS: 1, LimitedBurst: 1, RetryAfter: 2 * time.Second})
	access, _ := srv.IssueSession(testutil.TestUsername)

	rec := doJSON(t, srv, http.MethodGet, testutil.TestPathLimited, access, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, testutil.TestPathLimited, access, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestRequestIDEchoed(t *testing.T) {
	srv := New(Options{})
	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}
