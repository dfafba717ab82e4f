// Package auth verifies session tokens presented at the WebSocket upgrade.
// The pod never issues tokens itself (an external edge service does that),
// so this package only re-verifies a signature and extracts identity
// claims, using the bearer-token-on-upgrade model and jwt/v5.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
	ErrMissingSubject       = errors.New("auth: subject required")
)

// EdgeClaims mirrors the JWT payload the edge token issuer stamps on a
// session token: the pod trusts an externally issued token naming podId,
// roomId, and userId.
type EdgeClaims struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	PodID  string `json:"pod_id"`
	jwt.RegisteredClaims
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// Validator verifies HS256 edge tokens.
type Validator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewValidator constructs a Validator, validating its configuration.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Validator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken parses and verifies a bearer token string.
func (v *Validator) ValidateToken(tokenString string) (EdgeClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return EdgeClaims{}, ErrMissingToken
	}

	claims := &EdgeClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return EdgeClaims{}, ErrExpiredToken
		}
		return EdgeClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return EdgeClaims{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return EdgeClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return EdgeClaims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ExtractBearerToken pulls the token out of a request's Authorization
// header or, failing that, its "token" query parameter: WebSocket clients
// in browsers cannot always set custom headers on the upgrade request.
func ExtractBearerToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
		return h
	}
	return r.URL.Query().Get("token")
}
