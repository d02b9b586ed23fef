package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"netprobe/internal/models"
)

// lookupIPAddrFunc is swapped in tests to avoid real DNS.
var lookupIPAddrFunc = net.DefaultResolver.LookupIPAddr

// Resolver turns a user-supplied host string into probe addresses.
type Resolver struct {
	Logger *slog.Logger
}

// New creates a Resolver.
func New(logger *slog.Logger) *Resolver {
	return &Resolver{Logger: logger.With(slog.String("component", "resolver"))}
}

// Validate performs the syntactic checks that do not need the network.
func Validate(host string) error {
	_, _, err := normalize(host)
	return err
}

// normalize strips brackets and returns the host plus its literal IP, if any.
func normalize(host string) (string, net.IP, error) {
	h := strings.TrimSpace(host)
	if h == "" {
		return "", nil, fmt.Errorf("%w: empty host", models.ErrInvalidTarget)
	}
	if strings.HasPrefix(h, "[") || strings.HasSuffix(h, "]") {
		if !strings.HasPrefix(h, "[") || !strings.HasSuffix(h, "]") {
			return "", nil, fmt.Errorf("%w: unbalanced brackets in %q", models.ErrInvalidTarget, host)
		}
		h = h[1 : len(h)-1]
		ip := net.ParseIP(h)
		if ip == nil || ip.To4() != nil {
			return "", nil, fmt.Errorf("%w: %q is not an IPv6 literal", models.ErrInvalidTarget, host)
		}
		return h, ip, nil
	}
	if ip := net.ParseIP(h); ip != nil {
		return h, ip, nil
	}
	if !validHostname(h) {
		return "", nil, fmt.Errorf("%w: %q contains disallowed characters", models.ErrInvalidTarget, host)
	}
	return h, nil, nil
}

// validHostname checks RFC 1123 label syntax.
func validHostname(h string) bool {
	h = strings.TrimSuffix(h, ".")
	if len(h) == 0 || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Resolve returns every address for host, IPv4 first. Literals skip DNS.
// The caller bounds the lookup through ctx; running out of time yields
// ErrResolutionTimeout.
func (r *Resolver) Resolve(ctx context.Context, host string) (models.ResolvedTarget, error) {
	h, literal, err := normalize(host)
	if err != nil {
		return models.ResolvedTarget{}, err
	}
	if literal != nil {
		return models.ResolvedTarget{Host: h, Addresses: []net.IP{literal}}, nil
	}

	r.Logger.Debug("Resolving hostname.", "host", h)
	addrs, err := lookupIPAddrFunc(ctx, h)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return models.ResolvedTarget{}, fmt.Errorf("%w: %s", models.ErrResolutionTimeout, h)
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTimeout {
			return models.ResolvedTarget{}, fmt.Errorf("%w: %s", models.ErrResolutionTimeout, h)
		}
		if ctx.Err() != nil {
			return models.ResolvedTarget{}, ctx.Err()
		}
		return models.ResolvedTarget{}, fmt.Errorf("%w: lookup %s: %v", models.ErrInvalidTarget, h, err)
	}

	var v4, v6 []net.IP
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			v4 = append(v4, ip4)
		} else {
			v6 = append(v6, a.IP)
		}
	}
	ips := append(v4, v6...)
	if len(ips) == 0 {
		return models.ResolvedTarget{}, fmt.Errorf("%w: %s resolved to no addresses", models.ErrInvalidTarget, h)
	}
	r.Logger.Debug("Hostname resolved.", "host", h, "addresses", len(ips))
	return models.ResolvedTarget{Host: h, Addresses: ips}, nil
}
