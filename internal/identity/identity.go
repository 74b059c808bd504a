// Package identity supplies the current actor's fields for tentative entities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/rshade/finfeed/internal/entity"
)

// Identity errors.
var (
	ErrNoActor      = errors.New("identity: no signed-in actor")
	ErrInvalidToken = errors.New("identity: invalid session token")
)

// Claim names read from session tokens.
const (
	ClaimUserID = "user_id"
	ClaimName   = "name"
	ClaimHandle = "handle"
)

// Actor is the signed-in user.
type Actor struct {
	ID     string
	Name   string
	Handle string
}

// Fields returns the actor as entity fields, keyed under prefix ("author" gives
// authorId, authorName, authorHandle).
func (a Actor) Fields(prefix string) entity.Fields {
	out := entity.Fields{prefix + "Id": a.ID}
	if a.Name != "" {
		out[prefix+"Name"] = a.Name
	}
	if a.Handle != "" {
		out[prefix+"Handle"] = a.Handle
	}
	return out
}

// Provider returns the current actor.
type Provider interface {
	Actor(ctx context.Context) (Actor, error)
}

// Static always returns the same actor.
type Static Actor

// Actor returns the static actor, or ErrNoActor when it has no id.
func (s Static) Actor(context.Context) (Actor, error) {
	if s.ID == "" {
		return Actor{}, ErrNoActor
	}
	return Actor(s), nil
}

// TokenProvider reads the actor from an HS256 session token. Session issuance happens
// elsewhere; the token is only decoded here.
type TokenProvider struct {
	token  string
	secret []byte
}

// NewTokenProvider verifies token with secret. An empty secret skips signature
// verification, for tokens already verified by the session layer.
func NewTokenProvider(token string, secret []byte) *TokenProvider {
	return &TokenProvider{token: token, secret: secret}
}

// Actor decodes the token's claims.
func (p *TokenProvider) Actor(context.Context) (Actor, error) {
	if p.token == "" {
		return Actor{}, ErrNoActor
	}

	claims := gojwt.MapClaims{}
	if len(p.secret) == 0 {
		if _, _, err := gojwt.NewParser().ParseUnverified(p.token, claims); err != nil {
			return Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
	} else {
		parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
		_, err := parser.ParseWithClaims(p.token, claims, func(*gojwt.Token) (any, error) {
			return p.secret, nil
		})
		if err != nil {
			return Actor{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
	}

	actor := Actor{}
	if id, ok := claims[ClaimUserID].(string); ok {
		actor.ID = id
	}
	if name, ok := claims[ClaimName].(string); ok {
		actor.Name = name
	}
	if handle, ok := claims[ClaimHandle].(string); ok {
		actor.Handle = handle
	}
	if actor.ID == "" {
		return Actor{}, fmt.Errorf("%w: missing %s claim", ErrInvalidToken, ClaimUserID)
	}
	return actor, nil
}

// IssueToken signs an HS256 token for actor. Used by the reference backend and demos.
func IssueToken(actor Actor, secret []byte, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		ClaimUserID: actor.ID,
		"iat":       time.Now().Unix(),
	}
	if actor.Name != "" {
		claims[ClaimName] = actor.Name
	}
	if actor.Handle != "" {
		claims[ClaimHandle] = actor.Handle
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}
