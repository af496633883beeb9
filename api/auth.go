package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"taskhub/domain"
	"taskhub/hub"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// JWTAuth validates bearer JWTs. Production tokens are RS256 and checked
// against the provider's JWKS; test mode accepts HS256 tokens signed with
// a shared secret.
type JWTAuth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
	now         func() time.Time
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewJWTAuth verifies RS256 tokens with keys from jwks.
func NewJWTAuth(jwks *keyfunc.JWKS, audience, issuer string) *JWTAuth {
	return &JWTAuth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"})),
		keyCacheTTL: defaultJWKSCacheTTL,
		now:         time.Now,
	}
}

// NewTestJWTAuth verifies HS256 tokens signed with secret.
func NewTestJWTAuth(secret []byte, audience, issuer string) *JWTAuth {
	return &JWTAuth{
		Audience:   audience,
		Issuer:     issuer,
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"})),
		now:        time.Now,
	}
}

var _ hub.Authenticator = (*JWTAuth)(nil)

// Resolve verifies token and maps its subject and expiry to an identity.
func (a *JWTAuth) Resolve(_ context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, errMissingAuthorization
	}
	claims, err := a.verify(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing sub", domain.ErrUnauthorized)
	}
	id := domain.Identity{UserID: sub}
	if exp, ok := claims["exp"].(float64); ok {
		id.ExpiresAt = time.Unix(int64(exp), 0).UTC()
	}
	return id, nil
}

func (a *JWTAuth) verify(token string) (jwt.MapClaims, error) {
	var parsed *jwt.Token
	var err error
	if a.TestMode {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsed, err = a.parser.Parse(token, a.keyForToken)
	}
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	now := a.now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("token expired")
	}
	// Allow a minute of clock skew for tokens minted just now.
	skewed := a.now().Add(time.Minute).Unix()
	if !claims.VerifyNotBefore(skewed, false) {
		return nil, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(skewed, false) {
		return nil, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return nil, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

func (a *JWTAuth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if a.now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: a.now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// ChainAuthenticator sends three-segment tokens to the JWT verifier and
// everything else to the session store.
type ChainAuthenticator struct {
	JWT      hub.Authenticator
	Sessions hub.Authenticator
}

func (c ChainAuthenticator) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, errMissingAuthorization
	}
	if c.JWT != nil && looksLikeJWT(token) {
		return c.JWT.Resolve(ctx, token)
	}
	if c.Sessions != nil {
		return c.Sessions.Resolve(ctx, token)
	}
	return domain.Identity{}, fmt.Errorf("%w: no authenticator for token", domain.ErrUnauthorized)
}
