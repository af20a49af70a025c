// Package auth verifies the bearer tokens presented at WebSocket handshake
// time. Tokens are HS256-signed JWTs whose "sub" claim carries the numeric
// user id, issued by the account service that owns signup and login.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned for missing, malformed, or badly signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned when the token's expiry has passed.
	ErrExpiredToken = errors.New("auth: token has expired")
)

// accessClaims mirrors the access-token payload: a numeric subject plus the
// registered claims. The outer Sub field shadows RegisteredClaims.Subject so
// the numeric "sub" decodes without a type error.
type accessClaims struct {
	Sub   int64  `json:"sub"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks access tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token string, returning the user id it was
// issued for. Any signature, structure, or signing-method problem surfaces as
// ErrInvalidToken; an expired token surfaces as ErrExpiredToken.
func (v *Verifier) Verify(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &accessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredToken
		}
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid || claims.Sub == 0 {
		return 0, ErrInvalidToken
	}
	return claims.Sub, nil
}

// Sign issues an access token for the given user, valid for ttl. The gateway
// itself never issues tokens in production; this mirrors the account
// service's signing so tests and tooling can mint compatible credentials.
func (v *Verifier) Sign(userID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Sub:   userID,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
