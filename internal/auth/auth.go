// Package auth turns session credentials into a user identity. Tokens
// are HMAC-signed JWTs carried in the Authorization header, the token
// query parameter, or the session cookie (browsers cannot set headers
// on a WebSocket upgrade).
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Identity is the authenticated user plus the display fields presence
// and awareness need.
type Identity struct {
	UserID string
	Name   string
	Color  string
}

// Authenticator resolves an upgrade or API request to an identity, or
// rejects it.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Claims is the JWT claim set issued and accepted by the relay.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Color  string `json:"color,omitempty"`
	jwt.RegisteredClaims
}

// JWT is the HMAC-based Authenticator.
type JWT struct {
	secret []byte
	ttl    time.Duration
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), ttl: 24 * time.Hour}
}

// Issue signs a token for the identity.
func (j *JWT) Issue(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: id.UserID,
		Name:   id.Name,
		Color:  id.Color,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Authenticate validates the request's token and returns the identity.
func (j *JWT) Authenticate(r *http.Request) (Identity, error) {
	tokenString := extractToken(r)
	if tokenString == "" {
		return Identity{}, fmt.Errorf("no credentials: %w", ErrUnauthorized)
	}
	return j.Parse(tokenString)
}

// Parse validates a raw token string.
func (j *JWT) Parse(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return Identity{}, fmt.Errorf("invalid claims: %w", ErrUnauthorized)
	}
	return Identity{UserID: claims.UserID, Name: claims.Name, Color: claims.Color}, nil
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.Split(h, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("session"); err == nil {
		return c.Value
	}
	return ""
}
