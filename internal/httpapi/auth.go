package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	pushScope           = "call:push"
)

var ErrInvalidToken = errors.New("invalid push token")

// PushClaims is what the push relay signs.
type PushClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// PushAuth verifies HS256 tokens minted by the push relay.
type PushAuth struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewPushAuth returns nil when secret is empty; the push route then stays
// closed.
func NewPushAuth(secret, issuer string) *PushAuth {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &PushAuth{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Issue mints a push token. The daemon never calls it; relays and tests do.
func (a *PushAuth) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := PushClaims{
		Scope: pushScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *PushAuth) Verify(token string) (PushClaims, error) {
	var claims PushClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return PushClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithTimeFunc(a.now),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return PushClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Scope != pushScope {
		return PushClaims{}, fmt.Errorf("%w: scope %q", ErrInvalidToken, claims.Scope)
	}
	return claims, nil
}

// RequirePushToken rejects requests without a valid bearer push token.
func RequirePushToken(a *PushAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "push not configured"})
			return
		}
		raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
		if !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := a.Verify(strings.TrimPrefix(raw, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("push_subject", claims.Subject)
		c.Next()
	}
}
