// Package ipfilter restricts HTTP endpoints to a list of networks
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Config lists the networks allowed to connect and the proxies whose
// forwarding headers are believed
type Config struct {
	AllowedIPs     []string
	TrustedProxies []string
}

// Filter checks client addresses against the allowed networks.
// An empty allow list admits everyone.
type Filter struct {
	allowed []*net.IPNet
	proxies []*net.IPNet
	logger  *slog.Logger
}

// New creates a filter. Invalid entries are logged and skipped.
func New(cfg Config, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}

	var errs []error
	f.allowed, errs = ParseNetworks(cfg.AllowedIPs)
	for _, err := range errs {
		logger.Warn("invalid entry in allowed_ips", "error", err)
	}

	f.proxies, errs = ParseNetworks(cfg.TrustedProxies)
	for _, err := range errs {
		logger.Warn("invalid entry in trusted_proxies", "error", err)
	}

	return f
}

// ParseNetworks turns IPs and CIDRs into networks. A bare IP becomes a
// single host network.
func ParseNetworks(entries []string) ([]*net.IPNet, []error) {
	var nets []*net.IPNet
	var errs []error

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid CIDR %q: %w", entry, err))
				continue
			}
			nets = append(nets, ipNet)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			errs = append(errs, fmt.Errorf("invalid IP %q", entry))
			continue
		}
		bits := 128
		if v4 := ip.To4(); v4 != nil {
			ip = v4
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nets, errs
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return len(f.allowed) > 0
}

// Count returns the number of allowed networks
func (f *Filter) Count() int {
	return len(f.allowed)
}

// IsAllowed checks if the IP is in the allowed list
func (f *Filter) IsAllowed(ip net.IP) bool {
	if len(f.allowed) == 0 {
		return true
	}
	return contains(f.allowed, ip)
}

// ClientIP returns the address of the caller. Forwarding headers are only
// honoured when the direct peer is a trusted proxy.
func (f *Filter) ClientIP(r *http.Request) net.IP {
	peer := remoteIP(r.RemoteAddr)
	if peer == nil || !contains(f.proxies, peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(strings.TrimSpace(xri)); ip != nil {
			return ip
		}
	}

	return peer
}

// Middleware rejects requests from networks outside the allow list
func (f *Filter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := f.ClientIP(r)
		if clientIP == nil {
			f.logger.Warn("could not parse client IP", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.IsAllowed(clientIP) {
			f.logger.Warn("access denied by IP filter", "ip", clientIP.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.ParseIP(addr)
	}
	return net.ParseIP(host)
}
