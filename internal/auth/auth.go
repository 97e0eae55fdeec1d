// Package auth performs OpenID Connect authentication and resolves the
// requesting user for the API layer.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/repository"
	"github.com/atelier-ai/atelier/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

const userContextKey = "auth.user"

// WithUser stores the resolved user on the request context.
func WithUser(c echo.Context, u *models.User) {
	c.Set(userContextKey, u)
}

// UserFromContext returns the user resolved by RequireAuth.
func UserFromContext(c echo.Context) (*models.User, bool) {
	u, ok := c.Get(userContextKey).(*models.User)
	return u, ok && u != nil
}

// Auth holds configuration and helpers for performing OpenID Connect
// authentication against the configured issuer.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	users        repository.UserStore
	logger       Logger
	bypass       bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier. With DevBypass set, every request runs as a local
// admin and no provider connection is made.
func New(ctx context.Context, cfg *config.Config, users repository.UserStore, logger Logger) (*Auth, error) {
	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !cfg.Auth.DevBypass {
		if cfg.Auth.Issuer == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Separate verifier for access tokens (Bearer): their audience is
		// usually not the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		users:        users,
		logger:       logger,
		bypass:       cfg.Auth.DevBypass,
	}, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting
// the user to the provider's authorization endpoint. A random state value is
// stored in a cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(c echo.Context) error {
	if a.bypass {
		return c.Redirect(http.StatusSeeOther, "/")
	}

	state, err := generateState()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate state")
	}

	c.SetCookie(&http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
	})
	return c.Redirect(http.StatusTemporaryRedirect, a.oauth2Config.AuthCodeURL(state))
}

// CallbackHandler handles the redirect back from the provider. It verifies
// the state parameter, exchanges the code for tokens, validates the ID
// token, and sets a session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(c echo.Context) error {
	if a.bypass {
		return c.Redirect(http.StatusSeeOther, "/")
	}

	cookie, err := c.Cookie("oauthstate")
	if err != nil || c.QueryParam("state") != cookie.Value {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid state")
	}

	token, err := a.oauth2Config.Exchange(c.Request().Context(), c.QueryParam("code"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "token exchange failed")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "no id_token in token response")
	}

	if _, err := a.verifier.Verify(c.Request().Context(), rawIDToken); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "failed to verify id token")
	}

	c.SetCookie(&http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
	})
	return c.Redirect(http.StatusSeeOther, "/")
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	return c.Redirect(http.StatusSeeOther, "/")
}

// RequireAuth verifies a Bearer access token or the id_token session cookie
// and resolves the request's user, auto-provisioning a record on first
// sight of a subject.
func (a *Auth) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			var subject, email string

			if a.bypass {
				subject, email = "dev-bypass", "dev@localhost"
			} else {
				var token *oidc.IDToken
				var err error

				if header := c.Request().Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
					raw := strings.TrimPrefix(header, "Bearer ")
					token, err = a.apiVerifier.Verify(c.Request().Context(), raw)
					if err != nil {
						return echo.NewHTTPError(http.StatusUnauthorized, "invalid token: "+err.Error())
					}
				} else {
					cookie, cerr := c.Cookie("id_token")
					if cerr != nil {
						return c.Redirect(http.StatusSeeOther, "/login")
					}
					token, err = a.verifier.Verify(c.Request().Context(), cookie.Value)
					if err != nil {
						return echo.NewHTTPError(http.StatusUnauthorized, "invalid token: "+err.Error())
					}
				}

				var claims struct {
					Subject string `json:"sub"`
					Email   string `json:"email"`
				}
				if err := token.Claims(&claims); err != nil {
					return echo.NewHTTPError(http.StatusUnauthorized, "failed to parse token claims")
				}
				subject, email = claims.Subject, claims.Email
			}

			if subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			user, err := a.resolveUser(c.Request().Context(), subject, email)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve user: "+err.Error())
			}

			WithUser(c, user)
			return next(c)
		}
	}
}

// resolveUser looks up a user by token subject, creating the record on
// first login. The dev bypass identity is provisioned as an admin so a
// local instance is fully operable.
func (a *Auth) resolveUser(ctx context.Context, subject, email string) (*models.User, error) {
	user, err := a.users.GetUserBySubject(ctx, subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	role := models.RoleUser
	if a.bypass {
		role = models.RoleAdmin
	}
	user = &models.User{Subject: subject, Email: email, Role: role}
	if err := a.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	if a.logger != nil {
		a.logger.Info("provisioned user", "subject", subject, "role", role)
	}
	return user, nil
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
