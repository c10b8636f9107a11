package admission

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// AllowList holds permitted client addresses. The zero value allows all.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList compiles entries that are either single addresses or CIDR
// ranges.
func ParseAllowList(entries []string) (AllowList, error) {
	var list AllowList
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return AllowList{}, fmt.Errorf("invalid CIDR %q: %w", e, err)
			}
			list.prefixes = append(list.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return AllowList{}, fmt.Errorf("invalid IP %q: %w", e, err)
		}
		addr = addr.Unmap()
		list.prefixes = append(list.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

// Empty reports whether the list allows every address.
func (l AllowList) Empty() bool { return len(l.prefixes) == 0 }

// Allows reports whether ip is on the list. Unparseable addresses are
// refused unless the list is empty.
func (l AllowList) Allows(ip string) bool {
	if l.Empty() {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client IP address from the request.
// Trusts X-Forwarded-For and X-Real-IP headers only from localhost.
func ClientIP(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if IsLoopback(remoteIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	return remoteIP
}

// IsLoopback reports whether ip is a loopback address.
func IsLoopback(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.Unmap().IsLoopback()
}

// RemoteIsLoopback reports whether the TCP peer itself is local, ignoring
// forwarding headers.
func RemoteIsLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return IsLoopback(host)
}
