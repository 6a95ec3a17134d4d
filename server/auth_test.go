package server

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfitz/huc/collab"
)

func TestVerifyToken_RoundTrip(t *testing.T) {
	token, err := NewToken(Identity{
		ParticipantID: "p1",
		DisplayName:   "Ada",
		Role:          collab.RoleOwner,
	}, testSecret, time.Hour)
	require.NoError(t, err)

	identity, err := VerifyToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "p1", identity.ParticipantID)
	assert.Equal(t, "Ada", identity.DisplayName)
	assert.Equal(t, collab.RoleOwner, identity.Role)
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	token, err := NewToken(Identity{ParticipantID: "p1"}, []byte("other"), time.Hour)
	require.NoError(t, err)

	_, err = VerifyToken(token, testSecret)
	assert.Error(t, err)
}

func TestVerifyToken_Expired(t *testing.T) {
	token, err := NewToken(Identity{ParticipantID: "p1"}, testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = VerifyToken(token, testSecret)
	assert.Error(t, err)
}

func TestVerifyToken_MissingSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"name": "No Subject",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	_, err = VerifyToken(signed, testSecret)
	assert.Error(t, err)
}

func TestVerifyToken_DefaultsNameAndRole(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "p1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)

	identity, err := VerifyToken(signed, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "p1", identity.DisplayName, "display name falls back to the subject")
	assert.Equal(t, collab.RoleEditor, identity.Role)
}
