// Package auth implements the additive --web-login HTTP session layer:
// Basic-auth challenge/response backed by a bcrypt password hash, an
// optional TOTP second factor, and a JWT cookie so repeat requests for
// the index page and static assets don't have to re-present credentials.
// This is independent of the wire-protocol AuthToken check in session's
// state machine, which spec.md specifies directly.
package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

var errInvalidCredentials = errors.New("invalid credentials")

const cookieName = "webtty_session"

// Manager guards HTTP requests when --web-login is enabled.
type Manager struct {
	username     string
	passwordHash []byte
	totpSecret   string // "" disables the second factor
	jwtSecret    []byte
}

// NewManager builds a Manager. totpSecret == "" disables the TOTP check.
func NewManager(username, passwordHash, totpSecret string, jwtSecret []byte) *Manager {
	return &Manager{
		username:     username,
		passwordHash: []byte(passwordHash),
		totpSecret:   totpSecret,
		jwtSecret:    jwtSecret,
	}
}

// Verify checks a username/password/TOTP-code triple against the
// configured account. totpCode is ignored (and need not be supplied) when
// no TOTP secret is configured.
func (m *Manager) Verify(username, password, totpCode string) error {
	if username != m.username {
		return errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)); err != nil {
		return errInvalidCredentials
	}
	if m.totpSecret != "" && !totp.Validate(totpCode, m.totpSecret) {
		return errInvalidCredentials
	}
	return nil
}

// IssueToken signs a short-lived session token for SetCookie.
func (m *Manager) IssueToken() (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   m.username,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.jwtSecret)
}

// SetCookie attaches the signed session cookie to the response.
func (m *Manager) SetCookie(w http.ResponseWriter, tokenStr string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    tokenStr,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   86400,
		Path:     "/",
	})
}

// ClearCookie logs the session out client-side.
func (m *Manager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   cookieName,
		Value:  "",
		MaxAge: -1,
		Path:   "/",
	})
}

func (m *Manager) validateCookie(r *http.Request) error {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return errInvalidCredentials
	}
	token, err := jwt.Parse(cookie.Value, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidCredentials
		}
		return m.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return errInvalidCredentials
	}
	return nil
}

// Middleware guards next with, in order: a valid session cookie, else a
// valid HTTP Basic challenge (so curl/wget and the /ws upgrade itself keep
// working without a browser to hold cookies). A fresh Basic login also
// issues a cookie for subsequent requests.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.validateCookie(r) == nil {
			next.ServeHTTP(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok || m.Verify(user, pass, r.Header.Get("X-Totp-Code")) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="webtty"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if tok, err := m.IssueToken(); err == nil {
			m.SetCookie(w, tok)
		}
		next.ServeHTTP(w, r)
	})
}
