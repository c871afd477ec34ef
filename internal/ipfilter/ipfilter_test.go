package ipfilter

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseNetworks(t *testing.T) {
	nets, errs := ParseNetworks([]string{"10.0.0.0/8", " 192.168.1.5 ", "::1", "", "bogus", "1.2.3.4/99"})
	if len(nets) != 3 {
		t.Errorf("expected 3 networks, got %d", len(nets))
	}
	if len(errs) != 2 {
		t.Errorf("expected 2 errors, got %d: %v", len(errs), errs)
	}

	ones, bits := nets[1].Mask.Size()
	if ones != 32 || bits != 32 {
		t.Errorf("single IPv4 should be /32, got /%d of %d", ones, bits)
	}
	ones, bits = nets[2].Mask.Size()
	if ones != 128 || bits != 128 {
		t.Errorf("single IPv6 should be /128, got /%d of %d", ones, bits)
	}
}

func TestFilter_IsAllowed(t *testing.T) {
	f := New(Config{AllowedIPs: []string{"10.0.0.0/8", "192.168.1.100"}}, newTestLogger())

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"8.8.8.8", false},
	}

	for _, tt := range tests {
		if got := f.IsAllowed(net.ParseIP(tt.ip)); got != tt.allowed {
			t.Errorf("IsAllowed(%s) = %v, want %v", tt.ip, got, tt.allowed)
		}
	}

	open := New(Config{}, newTestLogger())
	if open.Enabled() || !open.IsAllowed(net.ParseIP("8.8.8.8")) {
		t.Error("empty filter should allow everyone")
	}
}

func TestFilter_ClientIP(t *testing.T) {
	f := New(Config{TrustedProxies: []string{"127.0.0.1"}}, newTestLogger())

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.7:5000", "", "", "203.0.113.7"},
		{"spoofed header from untrusted peer", "203.0.113.7:5000", "10.0.0.1", "", "203.0.113.7"},
		{"trusted proxy xff", "127.0.0.1:5000", "198.51.100.1, 127.0.0.1", "", "198.51.100.1"},
		{"trusted proxy real ip", "127.0.0.1:5000", "", "198.51.100.2", "198.51.100.2"},
		{"trusted proxy no header", "127.0.0.1:5000", "", "", "127.0.0.1"},
		{"no port", "203.0.113.9", "", "", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}

			got := f.ClientIP(r)
			if got == nil || got.String() != tt.want {
				t.Errorf("ClientIP() = %v, want %s", got, tt.want)
			}
		})
	}
}

func TestFilter_Middleware(t *testing.T) {
	f := New(Config{AllowedIPs: []string{"10.0.0.0/8"}}, newTestLogger())
	handler := f.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		remoteAddr string
		want       int
	}{
		{"10.0.0.5:1234", http.StatusOK},
		{"8.8.8.8:1234", http.StatusForbidden},
		{"garbage", http.StatusForbidden},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil)
		r.RemoteAddr = tt.remoteAddr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != tt.want {
			t.Errorf("remote %s: status = %d, want %d", tt.remoteAddr, w.Code, tt.want)
		}
	}
}
