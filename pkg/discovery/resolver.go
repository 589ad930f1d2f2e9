package discovery

import (
	"context"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// HostResolver maps host names to addresses. *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Resolver answers ".local" names from DNS-SD announcements and hands every
// other name to Fallback. Concurrent lookups of the same name share one
// browse, so a race with several attempts towards one server browses once.
type Resolver struct {
	Browser  Browser
	Fallback HostResolver

	// Timeout bounds a browse. Default: ResolveTimeout.
	Timeout time.Duration

	group singleflight.Group
}

// NewResolver returns a Resolver browsing with b and falling back to the
// system resolver.
func NewResolver(b Browser) *Resolver {
	return &Resolver{Browser: b, Fallback: net.DefaultResolver, Timeout: ResolveTimeout}
}

// LookupHost implements connection.Resolver.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	name := strings.TrimSuffix(host, ".")
	if r.Browser == nil || !strings.HasSuffix(strings.ToLower(name), "."+Domain) {
		return r.fallback().LookupHost(ctx, host)
	}

	ch := r.group.DoChan(name, func() (any, error) {
		// The shared browse outlives any single caller.
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout())
		defer cancel()
		svc, err := Find(bctx, r.Browser, matchHost(name))
		if err != nil {
			return nil, err
		}
		return append([]string(nil), svc.Addresses...), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, &net.DNSError{Err: res.Err.Error(), Name: host, IsNotFound: true}
		}
		addrs := res.Val.([]string)
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no addresses announced", Name: host, IsNotFound: true}
		}
		return append([]string(nil), addrs...), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resolver) fallback() HostResolver {
	if r.Fallback == nil {
		return net.DefaultResolver
	}
	return r.Fallback
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout <= 0 {
		return ResolveTimeout
	}
	return r.Timeout
}

// matchHost matches a service by its host name or instance name under the
// local domain.
func matchHost(name string) FilterFunc {
	name = strings.ToLower(name)
	instance := strings.TrimSuffix(name, "."+Domain)
	return func(svc *Service) bool {
		if len(svc.Addresses) == 0 {
			return false
		}
		return strings.ToLower(svc.Host) == name || strings.ToLower(svc.InstanceName) == instance
	}
}
