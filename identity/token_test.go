package identity

import (
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/require"
)

func signTestToken(t *testing.T, secret []byte, claims map[string]string) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret}, nil)
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(claims).Serialize()
	require.NoError(t, err)
	return raw
}

func TestParseBearerToken_Verified(t *testing.T) {
	secret := []byte("shared-secret")
	raw := signTestToken(t, secret, map[string]string{"tenant_id": "acme", "user_id": "u1"})

	claims := ParseBearerToken(raw, secret)
	require.Equal(t, ClaimVerified, claims.Kind)
	require.Equal(t, "acme", claims.TenantID)
	require.Equal(t, "u1", claims.UserID)
}

func TestParseBearerToken_WrongSecretRejected(t *testing.T) {
	raw := signTestToken(t, []byte("secret-a"), map[string]string{"tenant_id": "acme"})

	claims := ParseBearerToken(raw, []byte("secret-b"))
	require.Equal(t, ClaimNone, claims.Kind)
}

func TestParseBearerToken_DecodedWithoutSecret(t *testing.T) {
	raw := signTestToken(t, []byte("whatever"), map[string]string{"tenant_id": "acme", "sub": "u2"})

	claims := ParseBearerToken(raw, nil)
	require.Equal(t, ClaimDecoded, claims.Kind)
	require.Equal(t, "acme", claims.TenantID)
	require.Equal(t, "u2", claims.UserID)
}

func TestParseBearerToken_Empty(t *testing.T) {
	claims := ParseBearerToken("", nil)
	require.Equal(t, ClaimNone, claims.Kind)
}

func TestParseBearerToken_Garbage(t *testing.T) {
	claims := ParseBearerToken("not.a.jwt", nil)
	require.Equal(t, ClaimNone, claims.Kind)
}
