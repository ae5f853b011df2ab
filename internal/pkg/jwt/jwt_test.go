package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_RoundTrip(t *testing.T) {
	s := New("test_secret_key_32_characters_min", time.Hour)

	tok, err := s.GenerateToken(7, "editor")
	require.NoError(t, err)

	claims, err := s.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "editor", claims.Role)
}

func TestService_Rejects(t *testing.T) {
	s := New("test_secret_key_32_characters_min", time.Hour)
	tok, err := s.GenerateToken(7, "editor")
	require.NoError(t, err)

	_, err = New("another_secret_key_32_characters", time.Hour).ValidateToken(tok)
	assert.Error(t, err, "wrong secret")

	expired, err := New("test_secret_key_32_characters_min", -time.Minute).GenerateToken(7, "editor")
	require.NoError(t, err)
	_, err = s.ValidateToken(expired)
	assert.Error(t, err, "expired")

	_, err = s.ValidateToken("not-a-token")
	assert.Error(t, err)
}

func TestService_ClaimsChecks(t *testing.T) {
	s := New("test_secret_key_32_characters_min", time.Hour)

	tok, err := s.GenerateToken(0, "editor")
	require.NoError(t, err)
	_, err = s.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidClaims, "user id is required")

	tok, err = s.GenerateToken(3, "viewer")
	require.NoError(t, err)
	claims, err := s.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "pulse", claims.Issuer)
	assert.Equal(t, "3", claims.Subject)
	assert.Equal(t, time.Hour, s.TTL())
}

func TestService_RejectsOtherAlgorithms(t *testing.T) {
	s := New("test_secret_key_32_characters_min", time.Hour)

	claims := Claims{UserID: 1, Role: "admin", RegisteredClaims: jwtlib.RegisteredClaims{
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS512, claims).SignedString([]byte("test_secret_key_32_characters_min"))
	require.NoError(t, err)

	_, err = s.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
