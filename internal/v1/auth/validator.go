// Package auth validates the JWTs presented at websocket upgrade time
// against the identity provider's JWKS endpoint.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"github.com/huddlekit/signaling/internal/v1/logging"
)

// CustomClaims are the claims we care about beyond the registered set.
// Subject doubles as the rate-limit key for per-user connection limits.
type CustomClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Validator verifies RS256 tokens against a cached JWKS, checking issuer
// and audience.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewValidator registers the domain's JWKS endpoint with an hourly refresh
// cache and fetches it once to fail fast on connectivity problems. Extra
// regOpts are passed through to the cache registration (used by tests to
// inject an HTTP client).
func NewValidator(ctx context.Context, domain, audience string, regOpts ...jwk.RegisterOption) (*Validator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}
	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := append([]jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}, regOpts...)
	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		// Reject before key lookup so an attacker can't downgrade to
		// HMAC with the public key as the secret.
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	return &Validator{
		keyFunc:  keyFunc,
		issuer:   issuerURL.String(),
		audience: audience,
	}, nil
}

// ValidateToken parses and verifies the token, returning its claims.
func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is invalid")
	}
	claims, ok := token.Claims.(*CustomClaims)
	if !ok {
		return nil, errors.New("failed to cast claims to CustomClaims")
	}
	return claims, nil
}

// GetAllowedOriginsFromEnv reads a comma-separated origin list from the
// named env var, falling back to defaults for local development.
func GetAllowedOriginsFromEnv(envVarName string, defaults []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), "Allowed-origins env var not set, using development defaults",
			zap.String("envVar", envVarName),
			zap.Strings("defaults", defaults))
		return defaults
	}
	return strings.Split(originsStr, ",")
}

// MockValidator accepts any token. Development only. It still decodes the
// payload so the subject matches what the frontend put in its dev token.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	var subject, name, email string

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var raw map[string]interface{}
			if json.Unmarshal(payload, &raw) == nil {
				subject, _ = raw["sub"].(string)
				name, _ = raw["name"].(string)
				email, _ = raw["email"].(string)
			}
		}
	}

	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}
	if email == "" {
		email = "dev@example.com"
	}

	claims := &CustomClaims{Name: name, Email: email}
	claims.Subject = subject
	return claims, nil
}
