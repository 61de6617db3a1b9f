package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager_RoundTrip(t *testing.T) {
	m := NewJWTManager("secret", 1)
	tok, err := m.GenerateToken("ops-1", RoleAdmin)
	require.NoError(t, err)

	claims, err := m.VerifyToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestJWTManager_RejectsForeignSignature(t *testing.T) {
	tok, err := NewJWTManager("other", 1).GenerateToken("ops-1", RoleAdmin)
	require.NoError(t, err)

	_, err = NewJWTManager("secret", 1).VerifyToken(tok)
	assert.Error(t, err)
}

func TestJWTManager_EmptySecret(t *testing.T) {
	_, err := NewJWTManager("", 1).GenerateToken("ops-1", RoleAdmin)
	assert.Error(t, err)
}
