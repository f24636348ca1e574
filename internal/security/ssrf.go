package security

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// BlockedError marks a request refused by a security policy. Tool callers
// turn it into an error result; it never aborts the agent loop.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string { return e.Reason }

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var blockedSuffixes = []string{
	".localhost",
	".local",
	".internal",
}

// CheckURL validates an outbound HTTP target before any socket is opened.
// It rejects non-HTTP(S) schemes, loopback and internal hostnames, private
// and reserved IPv4/IPv6 ranges, integer-encoded IPv4 forms, and hostnames
// that resolve to any of the above.
func CheckURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &BlockedError{Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}

	host := normalizeHost(u.Hostname())
	if host == "" {
		return &BlockedError{Reason: "empty host"}
	}
	if blockedHostnames[host] {
		return &BlockedError{Reason: fmt.Sprintf("blocked hostname %q", host)}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return &BlockedError{Reason: fmt.Sprintf("blocked hostname %q", host)}
		}
	}

	// Literal addresses, including encoded IPv4 forms, are checked without
	// any DNS traffic.
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return &BlockedError{Reason: fmt.Sprintf("address %q is private or reserved", host)}
		}
		return nil
	}
	if octets, ok := parseEncodedIPv4(host); ok {
		if isPrivateIPv4(octets) {
			return &BlockedError{Reason: fmt.Sprintf("encoded address %q is private or reserved", host)}
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return &BlockedError{Reason: fmt.Sprintf("%q resolves to a private or reserved address", host)}
		}
	}
	return nil
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// isPrivateIP covers loopback, RFC1918, link-local, CGNAT, multicast and
// reserved, unspecified, IPv6 ULA, and IPv4-mapped IPv6 (re-checked as
// IPv4).
func isPrivateIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		return isPrivateIPv4([4]byte(v4))
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// fc00::/7 unique local addresses
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}

func isPrivateIPv4(o [4]byte) bool {
	switch {
	case o[0] == 0: // 0.0.0.0/8
		return true
	case o[0] == 10: // 10.0.0.0/8
		return true
	case o[0] == 127: // 127.0.0.0/8
		return true
	case o[0] == 169 && o[1] == 254: // 169.254.0.0/16
		return true
	case o[0] == 172 && o[1] >= 16 && o[1] <= 31: // 172.16.0.0/12
		return true
	case o[0] == 192 && o[1] == 168: // 192.168.0.0/16
		return true
	case o[0] == 100 && o[1] >= 64 && o[1] <= 127: // 100.64.0.0/10
		return true
	case o[0] >= 224: // 224.0.0.0/4 multicast, 240.0.0.0/4 reserved, broadcast
		return true
	}
	return false
}

// parseEncodedIPv4 recognizes IPv4 addresses written as a single decimal,
// octal, or hex integer (http://2130706433/) and dotted forms whose octets
// use octal or hex prefixes (http://0177.0.0.1/).
func parseEncodedIPv4(host string) ([4]byte, bool) {
	var out [4]byte

	if !strings.Contains(host, ".") {
		v, err := strconv.ParseUint(host, 0, 64)
		if err != nil || v > 0xffffffff {
			return out, false
		}
		out[0] = byte(v >> 24)
		out[1] = byte(v >> 16)
		out[2] = byte(v >> 8)
		out[3] = byte(v)
		return out, true
	}

	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return out, false
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 0, 16)
		if err != nil || v > 255 {
			return out, false
		}
		out[i] = byte(v)
	}
	return out, true
}
