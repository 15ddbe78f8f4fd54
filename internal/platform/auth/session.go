package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	sessionRoleClaim   = "role"
	sessionLocaleClaim = "locale"
	sessionEmailClaim  = "email"
)

// SessionVerifier validates storefront session JWTs against a JWKS cache and
// maps their claims onto an Identity. It implements TokenVerifier.
type SessionVerifier struct {
	cache    *JWKSCache
	issuer   string
	audience string
	now      func() time.Time
}

// SessionOption customises the verifier.
type SessionOption func(*SessionVerifier)

// WithSessionClock injects a custom clock, primarily for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(v *SessionVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewSessionVerifier constructs a SessionVerifier bound to the given issuer
// and audience.
func NewSessionVerifier(cache *JWKSCache, issuer, audience string, opts ...SessionOption) (*SessionVerifier, error) {
	if cache == nil {
		return nil, errors.New("auth: jwks cache is required")
	}
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" {
		return nil, errors.New("auth: session issuer is required")
	}
	if audience == "" {
		return nil, errors.New("auth: session audience is required")
	}

	verifier := &SessionVerifier{
		cache:    cache,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(verifier)
		}
	}
	return verifier, nil
}

// VerifyToken parses and validates the session token, returning the principal.
func (v *SessionVerifier) VerifyToken(ctx context.Context, token string) (*Identity, error) {
	if v == nil || v.cache == nil {
		return nil, ErrTokenInvalid
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenInvalid
	}

	// The parser's own claim validation reads the package-level clock, so it
	// is disabled and the time claims are checked against the injected clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, v.cache.Keyfunc(ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	now := v.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, fmt.Errorf("%w: token expired", ErrTokenExpired)
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, fmt.Errorf("%w: token not yet valid", ErrTokenInvalid)
	}
	if !claims.VerifyIssuedAt(now, false) {
		return nil, fmt.Errorf("%w: token issued in the future", ErrTokenInvalid)
	}

	if issuer, _ := claims["iss"].(string); issuer != v.issuer {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrTokenInvalid)
	}
	if !containsString(audienceFromClaims(claims), v.audience) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrTokenInvalid)
	}

	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}

	return &Identity{
		UID:    subject,
		Email:  claimAsString(claims, sessionEmailClaim),
		Locale: claimAsString(claims, sessionLocaleClaim),
		Roles:  rolesFromClaims(claims, sessionRoleClaim),
	}, nil
}

func rolesFromClaims(claims map[string]interface{}, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		role := normaliseRole(v)
		if role == "" {
			return nil
		}
		return []string{role}
	case []interface{}:
		out := make([]string, 0, len(v))
		seen := make(map[string]struct{}, len(v))
		for _, value := range v {
			str, ok := value.(string)
			if !ok {
				continue
			}
			role := normaliseRole(str)
			if role == "" {
				continue
			}
			if _, exists := seen[role]; exists {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
		return out
	default:
		return nil
	}
}

func claimAsString(claims map[string]interface{}, key string) string {
	raw, ok := claims[key]
	if !ok {
		return ""
	}
	if str, ok := raw.(string); ok {
		return strings.TrimSpace(str)
	}
	return ""
}
