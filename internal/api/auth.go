package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
)

var (
	errUnauthorized = errors.New("missing or invalid credentials")
	errForbidden    = errors.New("not allowed to act for this account")
)

type subjectKey struct{}

// Auth checks bearer tokens. Account routes take an HS256 JWT whose subject
// is the acting account id. Admin routes take a static token.
type Auth struct {
	secret     []byte
	adminToken string
}

// NewAuth creates an Auth. An empty secret leaves account routes open; an
// empty admin token closes the admin routes.
func NewAuth(secret, adminToken string) *Auth {
	return &Auth{secret: []byte(secret), adminToken: adminToken}
}

// Issue signs a token for accountID valid for ttl.
func (a *Auth) Issue(accountID string, ttl time.Duration) (string, error) {
	claims := jwt.StandardClaims{
		Subject:  accountID,
		IssuedAt: time.Now().Unix(),
	}
	if ttl > 0 {
		claims.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Subject validates tokenString and returns its subject.
func (a *Auth) Subject(tokenString string) (string, error) {
	var claims jwt.StandardClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errUnauthorized)
	}
	return claims.Subject, nil
}

func (a *Auth) userEnabled() bool { return a != nil && len(a.secret) > 0 }

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}

// userAuth stores the token subject on the request context when auth is on.
func (s *Server) userAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.userEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := bearer(r)
		if !ok {
			s.writeError(w, r, errUnauthorized)
			return
		}
		sub, err := s.auth.Subject(tok)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
	})
}

// adminAuth requires the configured admin token.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || s.auth.adminToken == "" {
			s.writeError(w, r, errForbidden)
			return
		}
		tok, ok := bearer(r)
		if !ok || subtle.ConstantTimeCompare([]byte(tok), []byte(s.auth.adminToken)) != 1 {
			s.writeError(w, r, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actAs fails unless the authenticated subject may act for accountID.
func (s *Server) actAs(r *http.Request, accountID string) error {
	if !s.auth.userEnabled() {
		return nil
	}
	sub, _ := r.Context().Value(subjectKey{}).(string)
	if sub == "" {
		return errUnauthorized
	}
	if sub != accountID {
		return errForbidden
	}
	return nil
}
