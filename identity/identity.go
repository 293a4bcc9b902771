// Package identity resolves a RequestIdentity — tenant, user, endpoint — from
// an inbound request using the ordered source list spec §4.5 defines, and
// normalizes endpoint strings into stable bucket-key components.
package identity

import (
	"net"
	"strings"
)

// Source carries the raw request fields identity extraction reads from.
// middleware builds one of these from the *http.Request; keeping it as a
// plain struct (rather than threading *http.Request through this package)
// keeps extraction testable without a live HTTP stack.
type Source struct {
	Authorization string // raw "Bearer ..." header value
	APIKey        string // raw X-API-Key header value, "tenant.user.secret"
	XTenantID     string
	XUserID       string
	Path          string
	RemoteAddr    string
}

// Method enumerates which source ultimately supplied the identity, mirroring
// the order spec §4.5 lists them in.
type Method int

const (
	MethodBearerToken Method = iota
	MethodAPIKey
	MethodHeaders
	MethodAnonymousIP
)

// RequestIdentity is the resolved (tenant, user, endpoint) triple a decision
// check runs against.
type RequestIdentity struct {
	TenantID string
	UserID   string
	Endpoint string
	Method   Method
	// Anonymous is true when no tenant/user claim could be resolved and the
	// caller is being rate-limited purely by source IP (spec §4.5 fallback).
	Anonymous bool
}

// Resolver extracts a RequestIdentity from a Source.
type Resolver struct {
	bearerSecret []byte
}

// NewResolver builds a Resolver. bearerSecret may be empty, in which case
// bearer tokens are parsed but never cryptographically verified (ClaimDecoded).
func NewResolver(bearerSecret []byte) *Resolver {
	return &Resolver{bearerSecret: bearerSecret}
}

// Resolve runs the ordered source list against src and returns the identity.
func (r *Resolver) Resolve(src Source) RequestIdentity {
	endpoint := NormalizeEndpoint(src.Path)

	if tenantID, userID, ok := r.fromBearer(src.Authorization); ok {
		return RequestIdentity{TenantID: tenantID, UserID: userID, Endpoint: endpoint, Method: MethodBearerToken}
	}

	if tenantID, userID, ok := fromAPIKey(src.APIKey); ok {
		return RequestIdentity{TenantID: tenantID, UserID: userID, Endpoint: endpoint, Method: MethodAPIKey}
	}

	if src.XTenantID != "" {
		return RequestIdentity{TenantID: src.XTenantID, UserID: src.XUserID, Endpoint: endpoint, Method: MethodHeaders}
	}

	return RequestIdentity{
		TenantID:  "anonymous",
		UserID:    anonymousUserID(src.RemoteAddr),
		Endpoint:  endpoint,
		Method:    MethodAnonymousIP,
		Anonymous: true,
	}
}

func (r *Resolver) fromBearer(authHeader string) (tenantID, userID string, ok bool) {
	raw := strings.TrimPrefix(authHeader, "Bearer ")
	if raw == authHeader || raw == "" {
		return "", "", false
	}
	claims := ParseBearerToken(raw, r.bearerSecret)
	if claims.Kind == ClaimNone || claims.TenantID == "" {
		return "", "", false
	}
	return claims.TenantID, claims.UserID, true
}

// fromAPIKey parses the "tenant.user.secret" shape spec §4.5 defines. The
// secret component itself is not validated here or anywhere else in this
// module.
func fromAPIKey(raw string) (tenantID, userID string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func anonymousUserID(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// endpointCharsArray is the O(1) lookup table driving endpoint normalization,
// same technique as utils.ValidateKey's allowedCharsArray.
var endpointCharsArray [128]bool

func init() {
	for _, c := range "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789/_-" {
		endpointCharsArray[c] = true
	}
}

// NormalizeEndpoint maps an HTTP path to the stable string used as a policy
// and bucket-key component (spec §4.5): query strings are dropped, a single
// trailing slash is trimmed, and any byte outside [A-Za-z0-9/_-] becomes '_'.
func NormalizeEndpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		return "/"
	}

	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c < 128 && endpointCharsArray[c] {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
