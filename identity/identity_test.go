package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEndpoint(t *testing.T) {
	cases := map[string]string{
		"/v1/users":          "/v1/users",
		"/v1/users/":         "/v1/users",
		"/v1/users?foo=bar":  "/v1/users",
		"/v1/users/123 abc":  "/v1/users/123_abc",
		"":                   "/",
		"/":                  "/",
		"/v1/u$er#s":         "/v1/u_er_s",
	}
	for in, want := range cases {
		require.Equal(t, want, NormalizeEndpoint(in), "input %q", in)
	}
}

func TestResolver_PrefersHeadersOverAnonymous(t *testing.T) {
	r := NewResolver(nil)
	id := r.Resolve(Source{
		XTenantID:  "acme",
		XUserID:    "u1",
		Path:       "/v1/foo",
		RemoteAddr: "1.2.3.4:5555",
	})
	require.Equal(t, "acme", id.TenantID)
	require.Equal(t, "u1", id.UserID)
	require.Equal(t, MethodHeaders, id.Method)
	require.False(t, id.Anonymous)
}

func TestResolver_APIKeyFormat(t *testing.T) {
	r := NewResolver(nil)
	id := r.Resolve(Source{APIKey: "acme.u1.supersecret", Path: "/v1/foo"})
	require.Equal(t, "acme", id.TenantID)
	require.Equal(t, "u1", id.UserID)
	require.Equal(t, MethodAPIKey, id.Method)
}

func TestResolver_MalformedAPIKeyFallsThrough(t *testing.T) {
	r := NewResolver(nil)
	id := r.Resolve(Source{APIKey: "not-a-valid-key", Path: "/v1/foo", RemoteAddr: "1.2.3.4:5555"})
	require.True(t, id.Anonymous)
}

func TestResolver_AnonymousFallback(t *testing.T) {
	r := NewResolver(nil)
	id := r.Resolve(Source{Path: "/v1/foo", RemoteAddr: "9.8.7.6:1111"})
	require.True(t, id.Anonymous)
	require.Equal(t, "anonymous", id.TenantID)
	require.Equal(t, "9.8.7.6", id.UserID)
	require.Equal(t, MethodAnonymousIP, id.Method)
}

func TestResolver_UnparseableBearerFallsThrough(t *testing.T) {
	r := NewResolver(nil)
	id := r.Resolve(Source{
		Authorization: "Bearer not-a-jwt",
		XTenantID:     "should-not-be-used",
		Path:          "/v1/foo",
		RemoteAddr:    "1.1.1.1:1",
	})
	// An unparseable bearer token falls through to the next source rather
	// than producing a bogus identity.
	require.Equal(t, "should-not-be-used", id.TenantID)
}
