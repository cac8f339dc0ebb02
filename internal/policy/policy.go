// Package policy resolves and validates the gateway's startup security
// policy. Validation happens once, before any socket is bound; a failure
// here must abort startup with no listener ever opened.
package policy

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"modelgate/internal/core"
)

// SecurityPolicy is the validated bind/auth/CORS configuration. It is
// immutable once constructed and owned exclusively by the gateway listener.
type SecurityPolicy struct {
	BindAddress string
	Port        int
	Token       string
	NoAuth      bool
	CORSOrigins []string
}

// Raw holds unvalidated policy inputs as collected from flags and the
// [server] config section.
type Raw struct {
	BindAddress string
	Port        int
	Token       string
	NoAuth      bool
	CORSOrigins []string
}

// Resolve validates raw inputs into a SecurityPolicy. It fails closed with a
// *core.GatewayError of type policy_error naming the specific violation.
func Resolve(raw Raw) (*SecurityPolicy, error) {
	bind := raw.BindAddress
	if bind == "" {
		bind = "127.0.0.1"
	}

	if raw.Port < 1 || raw.Port > 65535 {
		return nil, core.NewPolicyError(fmt.Sprintf("port %d is out of range", raw.Port))
	}

	loopback := isLoopback(bind)
	if raw.NoAuth && !loopback {
		return nil, core.NewPolicyError("no-auth is only allowed when binding to loopback")
	}
	if !raw.NoAuth && raw.Token == "" {
		// Enforced auth with an empty token would accept an empty Bearer
		// header. Callers who want an open gateway must say no-auth.
		if !loopback {
			return nil, core.NewPolicyError("non-loopback bind requires a token")
		}
		return nil, core.NewPolicyError("a token is required unless no-auth is set")
	}

	origins := make([]string, 0, len(raw.CORSOrigins))
	for _, o := range raw.CORSOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "" {
			continue
		}
		if o != "*" {
			u, err := url.Parse(o)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return nil, core.NewPolicyError(fmt.Sprintf("invalid CORS origin %q", o))
			}
		}
		origins = append(origins, o)
	}

	return &SecurityPolicy{
		BindAddress: bind,
		Port:        raw.Port,
		Token:       raw.Token,
		NoAuth:      raw.NoAuth,
		CORSOrigins: origins,
	}, nil
}

// Addr returns the host:port the listener should bind.
func (p *SecurityPolicy) Addr() string {
	return net.JoinHostPort(p.BindAddress, fmt.Sprintf("%d", p.Port))
}

// AllowsOrigin reports whether the given Origin header value is on the
// allowlist. Origins not on the list receive no CORS headers at all.
func (p *SecurityPolicy) AllowsOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	origin = strings.TrimRight(origin, "/")
	for _, o := range p.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
