package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ericfitz/huc/collab"
)

// Identity is the participant identity carried in a verified bearer token.
// Token issuance belongs to the host application's auth layer; the broker
// only verifies.
type Identity struct {
	ParticipantID string
	DisplayName   string
	Role          collab.Role
}

// VerifyToken parses and validates an HS256 bearer token and extracts the
// participant identity from its claims.
func VerifyToken(tokenStr string, secret []byte) (*Identity, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid or expired token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	role := collab.RoleEditor
	if r, ok := claims["role"].(string); ok && r != "" {
		role = collab.Role(r)
	}

	return &Identity{ParticipantID: sub, DisplayName: name, Role: role}, nil
}

// NewToken issues an HS256 token for a participant. Used by the harness and
// tests; production deployments issue tokens from the host auth service.
func NewToken(identity Identity, secret []byte, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  identity.ParticipantID,
		"name": identity.DisplayName,
		"role": string(identity.Role),
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}
