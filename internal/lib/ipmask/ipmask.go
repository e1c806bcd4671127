package ipmask

import (
	"net"
	"strconv"
	"strings"
)

// Mask redacts the least-significant part of an IP address for display:
// the last octet for IPv4, the low 64 bits for IPv6. Stored addresses stay
// untouched; only responses go through this.
func Mask(addr string) string {
	if addr == "" {
		return ""
	}

	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}

	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		parts[len(parts)-1] = "xxx"
		return strings.Join(parts, ".")
	}

	// Format from the 16-byte form so compressed notation masks the same
	// as the expanded one.
	v6 := ip.To16()
	groups := make([]string, 4)
	for i := range groups {
		groups[i] = strconv.FormatUint(uint64(v6[2*i])<<8|uint64(v6[2*i+1]), 16)
	}
	return strings.Join(groups, ":") + "::xxxx"
}
