// Package identity resolves the stable key every policy decision is made
// against: the authenticated principal when there is one, else an API-key
// fingerprint, else the normalized client address.
package identity

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gosuda/bastion/internal/auth"
)

// Kind is the source an identity was resolved from.
type Kind string

const (
	KindUser   Kind = "user"
	KindAPIKey Kind = "apikey"
	KindIP     Kind = "ip"
)

// Identity is a resolved requester. IP is always populated.
type Identity struct {
	Kind  Kind
	Value string
	Role  string
	IP    string
}

// String returns the canonical key, e.g. "user:42" or "ip:203.0.113.7".
func (i Identity) String() string {
	return string(i.Kind) + ":" + i.Value
}

// Resolver extracts identities from requests.
type Resolver struct {
	jwtSecret  string
	trustProxy bool
}

// NewResolver builds a resolver. When trustProxy is set the first
// X-Forwarded-For hop is taken as the client address.
func NewResolver(jwtSecret string, trustProxy bool) *Resolver {
	return &Resolver{jwtSecret: jwtSecret, trustProxy: trustProxy}
}

// Resolve picks the strongest available identity for r. An invalid bearer
// token falls through to the next source.
func (res *Resolver) Resolve(r *http.Request) Identity {
	ip := ClientIP(r, res.trustProxy)

	if tok := auth.ExtractBearer(r); tok != "" && res.jwtSecret != "" {
		if claims, err := auth.ValidateToken(res.jwtSecret, tok); err == nil {
			return Identity{Kind: KindUser, Value: claims.Principal(), Role: claims.Role, IP: ip}
		}
	}
	if key := r.Header.Get(auth.HeaderAPIKey); key != "" {
		return Identity{Kind: KindAPIKey, Value: auth.Fingerprint(key), IP: ip}
	}
	return Identity{Kind: KindIP, Value: ip, IP: ip}
}

// ClientIP returns the normalized client address of r. With trustProxy the
// first X-Forwarded-For hop wins when it parses; otherwise RemoteAddr is
// used, and "unknown" when neither is an address.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := NormalizeIP(first); ip != "" {
				return ip
			}
		}
	}
	if ip := NormalizeIP(r.RemoteAddr); ip != "" {
		return ip
	}
	return "unknown"
}

// NormalizeIP strips ports and brackets, unmaps IPv4-mapped IPv6 addresses
// and folds every loopback address to 127.0.0.1. It returns "" for input
// that is not an IP address.
func NormalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	addr = addr.Unmap().WithZone("")
	if addr.IsLoopback() {
		return "127.0.0.1"
	}
	return addr.String()
}

type ctxKey struct{}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
