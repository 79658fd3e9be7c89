package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	goVerify "github.com/MrEthical07/goVerify"
)

// ContextOptions controls RequestContext.
type ContextOptions struct {
	// TenantHeader names the header carrying the tenant id. Empty disables it.
	TenantHeader string
	// TrustedProxies are the peers whose X-Forwarded-For is honoured.
	TrustedProxies []netip.Prefix
}

// RequestContext stores the client IP and tenant id in the request context.
func RequestContext(opts ContextOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := goVerify.WithClientIP(r.Context(), clientIP(r, opts.TrustedProxies))
			if opts.TenantHeader != "" {
				if tenant := strings.TrimSpace(r.Header.Get(opts.TenantHeader)); tenant != "" {
					ctx = goVerify.WithTenantID(ctx, tenant)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !isTrusted(peer, trusted) {
		return host
	}

	// Walk right to left and stop at the first hop we do not trust.
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		if !isTrusted(addr, trusted) {
			return addr.String()
		}
	}
	return host
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
