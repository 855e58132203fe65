package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Hash 返回输入的 SHA-256 十六进制摘要
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// NetworkPrefix 将IP地址泛化为网段：IPv4 取 /24，IPv6 取前4组并标记为 /56
func NetworkPrefix(ip string) string {
	ip = strings.TrimSpace(ip)
	if addr, err := netip.ParseAddr(ip); err == nil {
		addr = addr.Unmap()
		if addr.Is4() {
			b := addr.As4()
			return fmt.Sprintf("%d.%d.%d.0/24", b[0], b[1], b[2])
		}
		b := addr.As16()
		groups := make([]string, 4)
		for i := range groups {
			groups[i] = fmt.Sprintf("%x", uint16(b[2*i])<<8|uint16(b[2*i+1]))
		}
		return strings.Join(groups, ":") + "::/56"
	}

	// 无法解析时按文本规则处理
	if strings.Contains(ip, ".") {
		parts := strings.Split(ip, ".")
		if len(parts) > 3 {
			parts = parts[:3]
		}
		return strings.Join(parts, ".") + ".0/24"
	}
	groups := strings.Split(ip, ":")
	if len(groups) > 4 {
		groups = groups[:4]
	}
	return strings.Join(groups, ":") + "::/56"
}

// ClientIP 从 X-Forwarded-For 取第一个地址，没有时使用连接地址
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if first != "" {
			return first
		}
	}
	if remoteAddr != "" {
		if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
			return ap.Addr().String()
		}
		return remoteAddr
	}
	return "unknown"
}
