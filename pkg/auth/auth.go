// Package auth implements the two authentication schemes spec.md §4.5
// calls for: shared-secret auth for lab callbacks, and signed bearer
// tokens for the user-facing API (api/checkout, api/jobretry,
// api/patchset). The teacher has no user-facing auth model of its own
// (its HTTP surface is cluster-internal); the bearer-token scheme is
// grounded on R3E-Network/service_layer's JWT-based API auth.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ErrUnauthorized is returned by both verifiers on any authentication
// failure; callers map it to an HTTP 401 (spec.md §4.5: "a mismatch
// returns 401").
var ErrUnauthorized = errors.New("auth: unauthorized")

// CallbackAuthenticator maps the shared secret presented in a callback's
// Authorization header to the runtime name it belongs to (spec.md §4.5).
// The *description* of the token (public, embedded in the outgoing job) is
// a distinct, non-secret value (config.RuntimeConfig.CallbackDescription)
// and never passed through this type.
type CallbackAuthenticator struct {
	// secretToRuntime maps secret value -> runtime name.
	secretToRuntime map[string]string
}

// NewCallbackAuthenticator builds an authenticator from a runtime name ->
// secret map (the inverse of the lookup it performs, since config stores
// it keyed by runtime for operator readability).
func NewCallbackAuthenticator(runtimeTokens map[string]string) *CallbackAuthenticator {
	a := &CallbackAuthenticator{secretToRuntime: make(map[string]string, len(runtimeTokens))}
	for runtime, secret := range runtimeTokens {
		a.secretToRuntime[secret] = runtime
	}
	return a
}

// Authenticate extracts the bearer value from the Authorization header of
// req and returns the runtime name it maps to.
func (a *CallbackAuthenticator) Authenticate(req *http.Request) (runtime string, err error) {
	secret := bearerValue(req.Header.Get("Authorization"))
	if secret == "" {
		return "", ErrUnauthorized
	}

	runtime, ok := a.secretToRuntime[secret]
	if !ok {
		return "", ErrUnauthorized
	}
	return runtime, nil
}

func bearerValue(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// UserClaims is the payload of a signed user-facing bearer token.
type UserClaims struct {
	jwt.RegisteredClaims
	UserGroups []string `json:"user_groups,omitempty"`
}

// TokenIssuer signs and verifies user-facing bearer tokens for
// api/checkout, api/jobretry, api/patchset.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer constructs an issuer using signingSecret as the HMAC key.
func NewTokenIssuer(signingSecret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(signingSecret)}
}

// Issue signs a token for subject (the submitter) valid for ttl.
func (t *TokenIssuer) Issue(subject string, userGroups []string, ttl time.Duration) (string, error) {
	claims := UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "kernelci-pipeline",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserGroups: userGroups,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(t.secret)
	return signed, errors.Wrap(err, "couldn't sign user token")
}

// Verify validates the bearer token in req's Authorization header and
// returns its claims.
func (t *TokenIssuer) Verify(req *http.Request) (*UserClaims, error) {
	raw := bearerValue(req.Header.Get("Authorization"))
	if raw == "" {
		return nil, ErrUnauthorized
	}

	claims := &UserClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}
