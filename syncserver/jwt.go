// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package syncserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mobiletoly/go-timelimit/internal/auth"
	"github.com/mobiletoly/go-timelimit/model"
)

const (
	// DefaultTokenLifetime is the validity of device tokens issued on registration
	DefaultTokenLifetime = 365 * 24 * time.Hour

	tokenIssuer = "go-timelimit"
)

// JWTAuth issues and verifies device tokens. A token names the family in the
// subject and the device in the did claim.
type JWTAuth struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(tokenIssuer),
			jwt.WithExpirationRequired(),
		),
		now: time.Now,
	}
}

// JWTClaims identifies one device of one family
type JWTClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token of deviceID in familyID
func (j *JWTAuth) GenerateToken(familyID, deviceID string, expiration time.Duration) (string, error) {
	now := j.now()
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   familyID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies a token and returns its claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	var claims JWTClaims
	_, err := j.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !model.IsValidID(claims.DeviceID) {
		return nil, errors.New("token carries no valid device id")
	}
	if claims.Subject == "" {
		return nil, errors.New("token carries no family id")
	}
	return &claims, nil
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || scheme != "Bearer" || token == "" {
		return "", false
	}
	return token, true
}

// Identify validates the bearer token of r if there is one and returns the
// request with the auth context set. ok is false if no token was presented.
func (j *JWTAuth) Identify(r *http.Request) (_ *http.Request, ok bool, err error) {
	token, ok := bearerToken(r)
	if !ok {
		return r, false, nil
	}
	claims, err := j.ValidateToken(token)
	if err != nil {
		return r, true, err
	}
	return r.WithContext(auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID)), true, nil
}

// Middleware rejects requests without a valid device token
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, ok, err := j.Identify(r)
		switch {
		case !ok:
			writeErrorResponse(w, http.StatusUnauthorized, "authentication_required", "missing bearer token")
		case err != nil:
			slog.Debug("rejected device token", "error", err, "path", r.URL.Path)
			writeErrorResponse(w, http.StatusUnauthorized, "authentication_failed", "invalid token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}
