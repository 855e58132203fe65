package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHash(t *testing.T) {
	// echo -n "abc" | sha256sum
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Hash("abc"))
	assert.Equal(t, Hash("user-1"), Hash("user-1"))
	assert.NotEqual(t, Hash("user-1"), Hash("user-2"))
	assert.Len(t, Hash(""), 64)
}

func TestNetworkPrefix(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want string
	}{
		{"IPv4", "203.0.113.45", "203.0.113.0/24"},
		{"IPv4带空格", " 10.1.2.3 ", "10.1.2.0/24"},
		{"IPv6完整", "2001:db8:85a3:8d3:1319:8a2e:370:7348", "2001:db8:85a3:8d3::/56"},
		{"IPv6压缩", "2001:db8::1", "2001:db8:0:0::/56"},
		{"IPv4映射", "::ffff:192.168.1.20", "192.168.1.0/24"},
		{"无法解析", "unknown", "unknown::/56"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NetworkPrefix(tt.ip))
		})
	}
}

func TestClientIP(t *testing.T) {
	assert.Equal(t, "198.51.100.7", ClientIP("198.51.100.7, 10.0.0.1", "127.0.0.1:1234"))
	assert.Equal(t, "127.0.0.1", ClientIP("", "127.0.0.1:1234"))
	assert.Equal(t, "[::1]", ClientIP("", "[::1]"))
	assert.Equal(t, "unknown", ClientIP("", ""))
}
