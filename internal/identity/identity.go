// Package identity turns bearer tokens into the actor recorded on token
// events. It authenticates only; there is no authorization policy here.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const actorKey contextKey = "actor"

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type Actor struct {
	Subject string
	Role    string
}

// String is the form stored in token events, e.g. "nurse:u-123".
func (a Actor) String() string {
	if a.Subject == "" {
		return ""
	}
	if a.Role == "" {
		return a.Subject
	}
	return a.Role + ":" + a.Subject
}

type Verifier struct {
	key    []byte
	issuer string
}

// NewVerifier returns nil when no signing key is configured, meaning the
// service runs without authentication.
func NewVerifier(signingKey, issuer string) *Verifier {
	if strings.TrimSpace(signingKey) == "" {
		return nil
	}
	return &Verifier{key: []byte(signingKey), issuer: issuer}
}

func (v *Verifier) Parse(tokenStr string) (Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		return v.key, nil
	}, opts...)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{Subject: claims.Subject, Role: claims.Role}, nil
}

// Authenticate reads the bearer token from the Authorization header, or from
// the access_token query parameter for clients that cannot set headers.
func (v *Verifier) Authenticate(r *http.Request) (Actor, error) {
	tokenStr := TokenFromRequest(r)
	if tokenStr == "" {
		return Actor{}, ErrMissingToken
	}
	return v.Parse(tokenStr)
}

// Sign issues an HS256 token. Used by tests and local tooling.
func (v *Verifier) Sign(actor Actor, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = actor.Subject
	if v.issuer != "" && claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: claims, Role: actor.Role})
	return token.SignedString(v.key)
}

func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if r.URL == nil {
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func ActorFrom(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}
