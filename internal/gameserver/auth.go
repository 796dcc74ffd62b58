package gameserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned for a missing, malformed or unverifiable token.
var ErrUnauthorized = errors.New("unauthorized")

// Claims identifies the player behind a connection.
type Claims struct {
	UserID      int64
	DisplayName string
}

// Authenticator verifies handshake tokens (HS256, claims id and display_name).
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator for the shared secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Authenticate extracts and verifies the token of an upgrade request.
// The token comes from the "token" query parameter or the Authorization
// header; a "Bearer " prefix is accepted in both.
func (a *Authenticator) Authenticate(r *http.Request) (Claims, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = r.Header.Get("Authorization")
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return Claims{}, fmt.Errorf("no token: %w", ErrUnauthorized)
	}
	return a.Verify(raw)
}

// Verify checks the signature and reads the identity claims.
func (a *Authenticator) Verify(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(token, mc, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	id, ok := claimID(mc["id"])
	if !ok {
		return Claims{}, fmt.Errorf("token without id: %w", ErrUnauthorized)
	}

	c := Claims{UserID: id}
	if name, ok := mc["display_name"].(string); ok {
		c.DisplayName = name
	}
	return c, nil
}

// claimID accepts the id as a JSON number or a numeric string.
func claimID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		if id <= 0 || id != float64(int64(id)) {
			return 0, false
		}
		return int64(id), true
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
