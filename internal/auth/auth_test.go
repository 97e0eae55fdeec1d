package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/repository"
	"github.com/atelier-ai/atelier/pkg/models"
)

type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...any) {}
func (l *noopLogger) Info(msg string, args ...any)  {}
func (l *noopLogger) Error(msg string, args ...any) {}

// mockKeySet satisfies oidc.KeySet to bypass signature verification.
type mockKeySet struct{}

func (m *mockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) GetUserBySubject(ctx context.Context, subject string) (*models.User, error) {
	args := m.Called(ctx, subject)
	if u := args.Get(0); u != nil {
		return u.(*models.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUserStore) CreateUser(ctx context.Context, u *models.User) error {
	return m.Called(ctx, u).Error(0)
}

func fakeToken(t *testing.T, issuer, clientID, subject, email string) string {
	t.Helper()
	header, _ := json.Marshal(map[string]any{"alg": "RS256", "typ": "JWT", "kid": "test-key"})
	payload, _ := json.Marshal(map[string]any{
		"iss":   issuer,
		"aud":   clientID,
		"sub":   subject,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
		"email": email,
	})
	return base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func apiVerifier(issuer, clientID string) *oidc.IDTokenVerifier {
	return oidc.NewVerifier(issuer, &mockKeySet{}, &oidc.Config{
		ClientID:          clientID,
		SkipClientIDCheck: true,
	})
}

func runMiddleware(a *Auth, req *http.Request) (*httptest.ResponseRecorder, *models.User) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen *models.User
	handler := a.RequireAuth()(func(c echo.Context) error {
		u, ok := UserFromContext(c)
		if ok {
			seen = u
		}
		return c.NoContent(http.StatusOK)
	})
	if err := handler(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec, seen
}

func TestRequireAuthBearerResolvesUser(t *testing.T) {
	issuer := "https://test-issuer.example"
	clientID := "test-client"

	users := new(mockUserStore)
	users.On("GetUserBySubject", mock.Anything, "subject-1").Return(&models.User{
		ID:      "user-1",
		Subject: "subject-1",
		Email:   "user@example.com",
		Role:    models.RoleUser,
	}, nil)

	a := &Auth{apiVerifier: apiVerifier(issuer, clientID), users: users}

	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, issuer, clientID, "subject-1", "user@example.com"))

	rec, seen := runMiddleware(a, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.ID)
	users.AssertExpectations(t)
}

func TestRequireAuthAutoProvisionsUser(t *testing.T) {
	issuer := "https://test-issuer.example"
	clientID := "test-client"

	users := new(mockUserStore)
	users.On("GetUserBySubject", mock.Anything, "new-subject").Return(nil, repository.ErrNotFound)
	users.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *models.User) bool {
		return u.Subject == "new-subject" && u.Role == models.RoleUser
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*models.User).ID = "new-user-id"
	}).Return(nil)

	a := &Auth{apiVerifier: apiVerifier(issuer, clientID), users: users}

	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken(t, issuer, clientID, "new-subject", "new@example.com"))

	rec, seen := runMiddleware(a, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, seen)
	assert.Equal(t, "new-user-id", seen.ID)
	users.AssertExpectations(t)
}

func TestRequireAuthBypassMode(t *testing.T) {
	users := new(mockUserStore)
	users.On("GetUserBySubject", mock.Anything, "dev-bypass").Return(nil, repository.ErrNotFound)
	users.On("CreateUser", mock.Anything, mock.MatchedBy(func(u *models.User) bool {
		return u.Subject == "dev-bypass" && u.Role == models.RoleAdmin
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*models.User).ID = "dev-user-id"
	}).Return(nil)

	cfg := &config.Config{}
	cfg.Auth.DevBypass = true
	a, err := New(context.Background(), cfg, users, &noopLogger{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	rec, seen := runMiddleware(a, req)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, seen)
	assert.True(t, seen.IsAdmin())
	users.AssertExpectations(t)
}

func TestRequireAuthMissingCookieRedirectsToLogin(t *testing.T) {
	issuer := "https://test-issuer.example"
	a := &Auth{
		verifier:    apiVerifier(issuer, "test-client"),
		apiVerifier: apiVerifier(issuer, "test-client"),
		users:       new(mockUserStore),
	}

	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	rec, _ := runMiddleware(a, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestRequireAuthRejectsGarbageBearer(t *testing.T) {
	issuer := "https://test-issuer.example"
	a := &Auth{apiVerifier: apiVerifier(issuer, "test-client"), users: new(mockUserStore)}

	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	rec, _ := runMiddleware(a, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
