// Package auth verifies bearer tokens issued by the identity service and
// extracts the participant id. This service never mints tokens.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fathima-sithara/counsel-realtime/internal/apperr"
)

// participant id claim names, in lookup order
var idClaims = []string{"sub", "user_id", "user_uuid"}

type Verifier struct {
	method string
	secret []byte
	pub    *rsa.PublicKey
}

func NewHS256(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("hs256 secret empty")
	}
	return &Verifier{method: "HS256", secret: []byte(secret)}, nil
}

func NewRS256(pubKeyPath string) (*Verifier, error) {
	b, err := os.ReadFile(pubKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return &Verifier{method: "RS256", pub: pub}, nil
}

// New picks the verifier for the configured algorithm.
func New(algorithm, hsSecret, pubKeyPath string) (*Verifier, error) {
	switch strings.ToUpper(algorithm) {
	case "HS256":
		return NewHS256(hsSecret)
	case "RS256":
		return NewRS256(pubKeyPath)
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}
}

func (v *Verifier) key(t *jwt.Token) (any, error) {
	switch v.method {
	case "HS256":
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	default:
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.pub, nil
	}
}

// Verify validates signature and expiry and returns the participant id.
func (v *Verifier) Verify(tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", apperr.E(apperr.KindUnauthorized, "missing token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, v.key, jwt.WithValidMethods([]string{v.method}))
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthorized, err, "invalid token")
	}
	for _, name := range idClaims {
		if s, ok := claims[name].(string); ok && s != "" {
			return s, nil
		}
	}
	return "", apperr.E(apperr.KindUnauthorized, "token has no participant id")
}

func ParseBearerToken(header string) (string, error) {
	if header == "" {
		return "", apperr.E(apperr.KindUnauthorized, "authorization header empty")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", apperr.E(apperr.KindUnauthorized, "invalid authorization header format")
	}
	return strings.TrimSpace(parts[1]), nil
}
