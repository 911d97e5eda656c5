package service

import (
	"context"
	"net"
)

// Resolver is the name-resolution collaborator the Service consults before
// every outgoing dial, explicit (Dial/DialSecure) or on-demand. Treated
// as an external dependency the same way the TLS backend is: this package
// only decides when to resolve, never how.
type Resolver interface {
	Resolve(ctx context.Context, target string) (string, error)
}

// netResolver is the default Resolver, wrapping net.Resolver.
type netResolver struct {
	r *net.Resolver
}

// NewResolver returns the default Resolver, backed by net.DefaultResolver.
func NewResolver() Resolver {
	return &netResolver{r: net.DefaultResolver}
}

// Resolve looks up target's host and recombines the first address
// returned with target's original port. Targets whose host is already a
// literal IP address are returned unchanged.
func (n *netResolver) Resolve(ctx context.Context, target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return target, nil
	}
	if net.ParseIP(host) != nil {
		return target, nil
	}
	addrs, err := n.r.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses found", Name: host}
	}
	return net.JoinHostPort(addrs[0], port), nil
}
