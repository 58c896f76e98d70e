// Package auth resolves bearer credentials to stable identities.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the resolved principal bound to a session.
type Identity struct {
	UserID   uuid.UUID
	Username string
}

// Verifier turns an opaque credential into an Identity or rejects it.
type Verifier interface {
	Resolve(credential string) (Identity, error)
}

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type contextKey string

const IdentityKey contextKey = "identity"

// JWTVerifier validates HS256 tokens minted by Issue.
type JWTVerifier struct {
	secret []byte
	ttl    time.Duration
}

func NewJWTVerifier(secret string, ttl time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), ttl: ttl}
}

// Issue creates a new signed token for a user.
func (v *JWTVerifier) Issue(id Identity) (string, error) {
	claims := &Claims{
		UserID:   id.UserID.String(),
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(v.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Resolve parses and validates a token, returning the identity it carries.
func (v *JWTVerifier) Resolve(credential string) (Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: userID, Username: claims.Username}, nil
}
