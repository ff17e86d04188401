// Package auth resolves participant identities from signed bearer tokens and
// issues peer-to-peer rendezvous tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agent-racer/gamehost/internal/session"
)

const (
	audienceSession = "gamesession"
	audienceP2P     = "p2p"

	defaultTokenTTL = 24 * time.Hour
	p2pTokenTTL     = time.Hour
)

// Credentialed is implemented by peers that carry a bearer token.
type Credentialed interface {
	Credential() string
}

// Tokens signs and verifies HS256 tokens whose subject is the participant
// identity.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewTokens(secret, issuer string) (*Tokens, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth secret must be at least 16 bytes")
	}
	if issuer == "" {
		issuer = "gamehost"
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

func (t *Tokens) sign(subject, audience string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (t *Tokens) verify(token, audience string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// Mint issues a participant token for identity.
func (t *Tokens) Mint(identity string, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", errors.New("identity is required")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return t.sign(identity, audienceSession, ttl)
}

// GetUser implements session.Users. Peers without a valid token are
// reported as unauthenticated rather than as an error.
func (t *Tokens) GetUser(_ context.Context, peer session.Peer) (string, bool, error) {
	c, ok := peer.(Credentialed)
	if !ok || c.Credential() == "" {
		return "", false, nil
	}
	identity, err := t.verify(c.Credential(), audienceSession)
	if err != nil {
		return "", false, nil
	}
	return identity, true, nil
}

// CreateP2PToken implements session.P2PTokens. The token names the
// connection other peers should rendezvous with.
func (t *Tokens) CreateP2PToken(_ context.Context, peer session.Peer) (string, error) {
	return t.sign(peer.ID(), audienceP2P, p2pTokenTTL)
}

// VerifyP2PToken returns the connection id a p2p token was issued for.
func (t *Tokens) VerifyP2PToken(token string) (string, error) {
	return t.verify(token, audienceP2P)
}
