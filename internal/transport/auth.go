package transport

import (
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// ClientClaims are the bearer-credential claims required to join the
// client channel.
type ClientClaims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Authenticator verifies client bearer credentials (HS256 JWT).
type Authenticator struct {
	key []byte
}

// NewAuthenticator creates an authenticator over a shared HMAC key.
func NewAuthenticator(key string) *Authenticator {
	return &Authenticator{key: []byte(key)}
}

// Verify parses and verifies a bearer token, returning its claims.
func (a *Authenticator) Verify(token string) (*ClientClaims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("failed to parse bearer token: %w", err)
	}

	var claims ClientClaims
	if err := parsed.Claims(a.key, &claims); err != nil {
		return nil, fmt.Errorf("failed to verify bearer token: %w", err)
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("bearer token missing user or tenant claim")
	}
	return &claims, nil
}

// Sign issues a token for the given claims. Used by tests and by the
// embedding application when it provisions client credentials.
func (a *Authenticator) Sign(claims ClientClaims) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: a.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("failed to construct signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign bearer token: %w", err)
	}
	return token, nil
}
