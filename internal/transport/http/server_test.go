package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/signcap/signcap/internal/app"
	"github.com/signcap/signcap/internal/clock"
	"github.com/signcap/signcap/internal/domain"
)

type fakeStaffRepo struct {
	staff map[string]domain.Staff
}

func (f *fakeStaffRepo) Create(_ context.Context, s domain.Staff) error {
	if _, ok := f.staff[s.Login]; ok {
		return domain.ErrStaffExists
	}
	f.staff[s.Login] = s
	return nil
}

func (f *fakeStaffRepo) GetByLogin(_ context.Context, login string) (domain.Staff, error) {
	s, ok := f.staff[login]
	if !ok {
		return domain.Staff{}, domain.ErrStaffNotFound
	}
	return s, nil
}

func (f *fakeStaffRepo) Count(context.Context) (int, error) {
	return len(f.staff), nil
}

func newTestServer(t *testing.T) (*Server, *app.StaffService) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	repo := &fakeStaffRepo{staff: map[string]domain.Staff{
		"admin": {ID: "staff-1", Login: "admin", PasswordHash: hash},
	}}
	staff := app.NewStaffService(repo, []byte("test-secret"), clock.NewSystem())
	log := slog.New(slog.DiscardHandler)
	return NewServer(nil, nil, nil, nil, staff, log), staff
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStaffLogin(t *testing.T) {
	server, staff := newTestServer(t)

	t.Run("valid credentials return a working token", func(t *testing.T) {
		body, _ := json.Marshal(loginRequest{Login: "admin", Password: "hunter2"})
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/staff/login", bytes.NewReader(body)))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

		staffID, err := staff.Authenticate(resp["token"])
		require.NoError(t, err)
		assert.Equal(t, "staff-1", staffID)
	})

	t.Run("wrong password is unauthorized", func(t *testing.T) {
		body, _ := json.Marshal(loginRequest{Login: "admin", Password: "wrong"})
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/staff/login", bytes.NewReader(body)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown login is unauthorized, not not-found", func(t *testing.T) {
		body, _ := json.Marshal(loginRequest{Login: "ghost", Password: "hunter2"})
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/staff/login", bytes.NewReader(body)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestStaffAuthMiddleware(t *testing.T) {
	_, staff := newTestServer(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Staff", StaffID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
	guarded := StaffAuth(staff)(next)

	t.Run("missing header rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token passes staff identity through", func(t *testing.T) {
		token, err := staff.Login(context.Background(), "admin", "hunter2")
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "staff-1", rec.Header().Get("X-Staff"))
	})
}

func TestWriteDomainError(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrOrderNotFound, http.StatusNotFound},
		{domain.ErrInsufficientCapacity, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrLeaseExpired, http.StatusGone},
		{domain.ErrInvalidQuantity, http.StatusUnprocessableEntity},
		{domain.ErrCodeBudgetExhausted, http.StatusTooManyRequests},
		{domain.ErrInvalidCredentials, http.StatusUnauthorized},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeDomainError(log, rec, tt.err)
		assert.Equalf(t, tt.want, rec.Code, "error %v", tt.err)
	}
}
