package vitalsguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCIDRs(t *testing.T) {
	nets := parseCIDRs([]string{"10.0.0.0/8", " 192.168.1.10 ", "", "not-an-ip", "2001:db8::/32"})
	assert.Len(t, nets, 3)
	assert.True(t, ipInNets("10.1.2.3", nets))
	assert.True(t, ipInNets("192.168.1.10", nets))
	assert.False(t, ipInNets("192.168.1.11", nets))
	assert.True(t, ipInNets("2001:db8::1", nets))
	assert.False(t, ipInNets("garbage", nets))
}

func TestClientIPResolver(t *testing.T) {
	r := NewClientIPResolver([]string{"10.0.0.0/8"})

	tests := []struct {
		name      string
		peer      string
		realIP    string
		forwarded string
		want      string
	}{
		{"direct client ignores headers", "203.0.113.9", "198.51.100.1", "198.51.100.2", "203.0.113.9"},
		{"proxy with real ip", "10.0.0.1", "198.51.100.1", "", "198.51.100.1"},
		{"proxy with forwarded chain", "10.0.0.1", "", "198.51.100.2, 10.0.0.7", "198.51.100.2"},
		{"spoofed leftmost hop", "10.0.0.1", "", "6.6.6.6, 198.51.100.2, 10.0.0.7", "198.51.100.2"},
		{"only proxies", "10.0.0.1", "", "10.0.0.8, 10.0.0.7", "10.0.0.8"},
		{"junk headers", "10.0.0.1", "nope", "nope", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.peer, tt.realIP, tt.forwarded))
		})
	}

	var none *ClientIPResolver
	assert.Equal(t, "203.0.113.9", none.Resolve("203.0.113.9", "198.51.100.1", ""))
}

func TestRoundPow2(t *testing.T) {
	assert.Equal(t, 64, roundPow2(0, 64))
	assert.Equal(t, 1, roundPow2(1, 64))
	assert.Equal(t, 8, roundPow2(5, 64))
	assert.Equal(t, 16, roundPow2(16, 64))
}
