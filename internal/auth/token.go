// ABOUTME: HS256 channel tokens naming the connecting proxy and the services it may reach
// ABOUTME: Used by relayd to verify streams and to mint tokens for proxies

package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrEmptySecret  = errors.New("empty signing secret")
)

// AllServices in a token's services claim grants every service.
const AllServices = "*"

// Claims is what a verified token says about its bearer.
type Claims struct {
	Subject   string   // proxy name
	Services  []string // services the bearer may open channels to
	ExpiresAt time.Time
}

// Allows reports whether the claims grant access to service.
func (c *Claims) Allows(service string) bool {
	return slices.Contains(c.Services, AllServices) || slices.Contains(c.Services, service)
}

// TokenVerifier checks a bearer token.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier signs and verifies HS256 tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier. An empty secret is rejected.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &JWTVerifier{secret: secret}, nil
}

type channelClaims struct {
	Services []string `json:"svc,omitempty"`
	jwt.RegisteredClaims
}

// Verify validates the token and returns its claims. A token without a
// services claim grants every service.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	var cc channelClaims
	token, err := jwt.ParseWithClaims(tokenString, &cc, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if cc.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	claims := &Claims{Subject: cc.Subject, Services: cc.Services}
	if len(claims.Services) == 0 {
		claims.Services = []string{AllServices}
	}
	if cc.ExpiresAt != nil {
		claims.ExpiresAt = cc.ExpiresAt.Time
	}
	return claims, nil
}

// Generate mints a token for subject, limited to services (all when empty).
func (v *JWTVerifier) Generate(subject string, services []string, expiresIn time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := time.Now()
	claims := channelClaims{
		Services: services,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
