package nodes

import (
	"errors"
	"net"
	"strings"

	mdns "github.com/miekg/dns"
)

// Resolver resolves node hostnames against configurable DNS servers,
// following CNAMEs, with the system resolver as fallback. Self-hosted
// deployments routinely name nodes in internal zones the host resolver does
// not know about.
type Resolver struct {
	servers []string
}

// NewResolver accepts "host[:port]" server entries; port 53 is assumed when
// missing. With no servers only the system resolver is used.
func NewResolver(servers []string) *Resolver {
	out := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		out = append(out, s)
	}
	return &Resolver{servers: out}
}

// Resolve returns the A/AAAA addresses for name.
func (r *Resolver) Resolve(name string) ([]net.IP, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("empty host")
	}
	if ip := net.ParseIP(name); ip != nil {
		return []net.IP{ip}, nil
	}
	var ips []net.IP
	if len(r.servers) > 0 {
		ips = r.resolveOne(name)
	}
	if len(ips) == 0 {
		sys, err := net.LookupIP(name)
		if err != nil {
			return nil, err
		}
		ips = sys
	}
	if len(ips) == 0 {
		return nil, errors.New("no addresses for " + name)
	}
	return ips, nil
}

// resolveOne queries A+AAAA, following up to 5 CNAME hops.
func (r *Resolver) resolveOne(name string) []net.IP {
	seen := map[string]struct{}{}
	var acc []net.IP
	q := func(fqdn string, qtype uint16) []mdns.RR {
		m := new(mdns.Msg)
		m.SetQuestion(mdns.Fqdn(fqdn), qtype)
		c := new(mdns.Client)
		for _, srv := range r.servers {
			in, _, err := c.Exchange(m, srv)
			if err == nil && in != nil && in.Rcode == mdns.RcodeSuccess {
				return append(in.Answer, in.Extra...)
			}
		}
		return nil
	}
	add := func(ip net.IP) {
		if _, ok := seen[ip.String()]; !ok {
			seen[ip.String()] = struct{}{}
			acc = append(acc, ip)
		}
	}
	target := name
	for hop := 0; hop < 5; hop++ {
		for _, rr := range q(target, mdns.TypeA) {
			switch v := rr.(type) {
			case *mdns.A:
				add(v.A)
			case *mdns.CNAME:
				target = strings.TrimSuffix(v.Target, ".")
			}
		}
		for _, rr := range q(target, mdns.TypeAAAA) {
			switch v := rr.(type) {
			case *mdns.AAAA:
				add(v.AAAA)
			case *mdns.CNAME:
				target = strings.TrimSuffix(v.Target, ".")
			}
		}
		if len(acc) > 0 {
			break
		}
	}
	return acc
}
