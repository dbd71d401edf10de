package vitalsguard

import (
	"hash/fnv"
	"net"
	"strings"
)

func parseCIDRs(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, n, err := net.ParseCIDR(c)
		if err == nil && n != nil {
			nets = append(nets, n)
			continue
		}
		// Support single IPs
		ip := net.ParseIP(c)
		if ip != nil {
			if v4 := ip.To4(); v4 != nil {
				ip = v4
			}
			mask := net.CIDRMask(len(ip)*8, len(ip)*8)
			nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return nets
}

func ipInNets(ipStr string, nets []*net.IPNet) bool {
	if ipStr == "" {
		return false
	}
	addr := net.ParseIP(ipStr)
	if addr == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIPResolver picks the address a request is rate limited by. Forwarding
// headers are only honoured when the direct peer is a trusted proxy.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

func NewClientIPResolver(trustedProxyCIDRs []string) *ClientIPResolver {
	return &ClientIPResolver{trusted: parseCIDRs(trustedProxyCIDRs)}
}

// Resolve returns the client address given the peer address and the
// X-Real-IP / X-Forwarded-For header values.
func (r *ClientIPResolver) Resolve(peer, realIP, forwardedFor string) string {
	if r == nil || len(r.trusted) == 0 || !ipInNets(peer, r.trusted) {
		return peer
	}
	if ip := strings.TrimSpace(realIP); ip != "" && net.ParseIP(ip) != nil {
		return ip
	}
	if forwardedFor != "" {
		// walk right to left, skipping our own proxies
		hops := strings.Split(forwardedFor, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip := strings.TrimSpace(hops[i])
			if net.ParseIP(ip) == nil {
				continue
			}
			if !ipInNets(ip, r.trusted) || i == 0 {
				return ip
			}
		}
	}
	return peer
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// roundPow2 rounds n up to a power of two, using def when n is not positive.
func roundPow2(n, def int) int {
	if n <= 0 {
		n = def
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
