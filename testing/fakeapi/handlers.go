package fakeapi

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user,omitempty"`
}

type listResponse struct {
	Data  []Record `json:"data"`
	Total int      `json:"total"`
}

func errorBody(message, code string) map[string]string {
	return map[string]string{"message": message, "code": code}
}

func (s *Server) login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed login request", "BAD_REQUEST"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[req.Username]
	if !ok || acc.Password != req.Password {
		return c.JSON(http.StatusUnauthorized, errorBody("invalid username or password", "INVALID_CREDENTIALS"))
	}
	access, refresh := s.issueLocked(acc.User.Username)
	user := acc.User
	return c.JSON(http.StatusOK, tokenResponse{Token: access, RefreshToken: refresh, User: &user})
}

// refreshToken rotates the pair: the presented refresh token is consumed
func (s *Server) refreshToken(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed refresh request", "BAD_REQUEST"))
	}

	s.mu.Lock()
	s.refreshCalls++
	delay, status := s.refreshDelay, s.refreshStatus
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}
	if status != 0 {
		return c.JSON(status, errorBody("refresh rejected", "REFRESH_FAILED"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.refresh[req.RefreshToken]
	if !ok {
		return c.JSON(http.StatusUnauthorized, errorBody("invalid refresh token", "REFRESH_INVALID"))
	}
	delete(s.refresh, req.RefreshToken)
	access, refresh := s.issueLocked(username)
	return c.JSON(http.StatusOK, tokenResponse{Token: access, RefreshToken: refresh})
}

func (s *Server) listRecords(c echo.Context) error {
	s.mu.Lock()
	records := s.sortedRecordsLocked()
	s.mu.Unlock()

	if machine := c.QueryParam("machine"); machine != "" {
		records = slices.DeleteFunc(records, func(r Record) bool { return r.Machine != machine })
	}
	return c.JSON(http.StatusOK, listResponse{Data: records, Total: len(records)})
}

func (s *Server) getRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("record not found", "NOT_FOUND"))
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) createRecord(c echo.Context) error {
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed record", "BAD_REQUEST"))
	}
	if err := c.Validate(&rec); err != nil {
		return err
	}
	if rec.Operator == "" {
		rec.Operator = c.Get(userContextKey).(string)
	}

	s.mu.Lock()
	rec.ID = s.nextID
	s.nextID++
	s.records[rec.ID] = rec
	s.mu.Unlock()
	return c.JSON(http.StatusCreated, rec)
}

func (s *Server) updateRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("malformed record", "BAD_REQUEST"))
	}
	if err := c.Validate(&rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return c.JSON(http.StatusNotFound, errorBody("record not found", "NOT_FOUND"))
	}
	rec.ID = id
	s.records[id] = rec
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) deleteRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return c.JSON(http.StatusNotFound, errorBody("record not found", "NOT_FOUND"))
	}
	delete(s.records, id)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listUsers(c echo.Context) error {
	s.mu.Lock()
	users := make([]User, 0, len(s.accounts))
	for _, acc := range s.accounts {
		users = append(users, acc.User)
	}
	s.mu.Unlock()
	slices.SortFunc(users, func(a, b User) int { return a.ID - b.ID })
	return c.JSON(http.StatusOK, map[string]any{"data": users})
}

func (s *Server) sortedRecordsLocked() []Record {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return a.ID - b.ID })
	return out
}

func recordID(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	return id, nil
}
