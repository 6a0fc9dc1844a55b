// Package auth holds credential hashing and the signed session tokens the
// built-in auth service issues.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tjfontaine/restspace-gateway/internal/message"
)

// CookieName carries the session token for browser clients.
const CookieName = "rs-auth"

// HashSecret creates a SHA-256 hash of a password or key for storage
func HashSecret(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// VerifySecret compares secret with a stored hash in constant time.
func VerifySecret(secret, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(strings.ToLower(hash))) == 1
}

// ExtractToken returns the bearer token of msg, falling back to the session
// cookie. "" means no credentials were presented.
func ExtractToken(msg *message.Message) (string, error) {
	if h := msg.Headers.Get("Authorization"); h != "" {
		// Support "Bearer <token>" format
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("invalid Authorization header format")
		}
		if !strings.EqualFold(parts[0], "bearer") {
			return "", fmt.Errorf("unsupported authorization scheme")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	req := http.Request{Header: msg.Headers}
	if c, err := req.Cookie(CookieName); err == nil {
		return c.Value, nil
	}
	return "", nil
}

// Claims is the token payload.
type Claims struct {
	Email  string         `json:"email"`
	Roles  string         `json:"roles,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewSigner creates a signer. A token lifetime of zero means 24 hours.
func NewSigner(secret, issuer string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl, issuer: issuer, now: time.Now}, nil
}

// TTL is the lifetime of issued tokens.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for user.
func (s *Signer) Issue(user *message.User) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Email:  user.Email,
		Roles:  user.Roles,
		Fields: user.Fields,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Email,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

// Parse verifies token and returns its user.
func (s *Signer) Parse(token string) (*message.User, error) {
	var claims Claims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Email == "" {
		return nil, errors.New("invalid token: no email claim")
	}
	return &message.User{Email: claims.Email, Roles: claims.Roles, Fields: claims.Fields}, nil
}
