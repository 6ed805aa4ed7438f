package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractClientIP(t *testing.T) {
	d := NewDetector(nil)

	tests := []struct {
		name   string
		remote string
		xff    string
		xri    string
		want   string
	}{
		{"direct", "203.0.113.5:1234", "", "", "203.0.113.5"},
		{"untrusted peer ignores forwarded", "203.0.113.5:1234", "1.1.1.1", "", "203.0.113.5"},
		{"trusted peer uses first forwarded", "10.0.0.2:80", "198.51.100.7, 10.0.0.3", "", "198.51.100.7"},
		{"trusted peer falls back to real ip", "127.0.0.1:80", "garbage", "198.51.100.9", "198.51.100.9"},
		{"trusted peer without headers", "192.168.1.1:80", "", "", "192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := d.ExtractClientIP(r); got != tt.want {
				t.Fatalf("ExtractClientIP = %q, want %q", got, tt.want)
			}
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "not-an-ip"
	d.ExtractClientIP(r)
	if d.GetMetrics().InvalidIPAttempts != 1 {
		t.Fatal("invalid peer address not counted")
	}
}

func TestDetectSuspiciousRequest(t *testing.T) {
	d := NewDetector(nil)

	ok := httptest.NewRequest(http.MethodGet, "/api/dashboard/overview?year=2025&month=1", nil)
	if d.DetectSuspiciousRequest(ok) {
		t.Fatal("normal request flagged")
	}

	for _, target := range []string{"/.env", "/api/x?file=../../etc/passwd", "/wp-admin/"} {
		if !d.DetectSuspiciousRequest(httptest.NewRequest(http.MethodGet, target, nil)) {
			t.Fatalf("%s not flagged", target)
		}
	}

	scan := httptest.NewRequest(http.MethodGet, "/", nil)
	scan.Header.Set("User-Agent", "sqlmap/1.7")
	if !d.DetectSuspiciousRequest(scan) {
		t.Fatal("scanner user agent not flagged")
	}

	if got := d.GetMetrics().SuspiciousRequests; got != 4 {
		t.Fatalf("SuspiciousRequests = %d, want 4", got)
	}
}

func TestHeadersMiddleware(t *testing.T) {
	h := NewHeadersMiddleware(DefaultHeadersConfig()).Middleware(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatalf("missing headers: %v", rr.Header())
	}
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Fatal("HSTS set on plain HTTP")
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.TLS = &tls.ConnectionState{}
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Strict-Transport-Security") != "max-age=31536000; includeSubDomains" {
		t.Fatalf("unexpected HSTS %q", rr.Header().Get("Strict-Transport-Security"))
	}
}

func TestCORS(t *testing.T) {
	called := false
	h := CORS([]string{"http://localhost:3000/"})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	pre := httptest.NewRequest(http.MethodOptions, "/api/entries", nil)
	pre.Header.Set("Origin", "http://localhost:3000")
	pre.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, pre)
	if rr.Code != http.StatusNoContent || called {
		t.Fatalf("preflight: status %d called %v", rr.Code, called)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatal("origin not echoed")
	}

	other := httptest.NewRequest(http.MethodGet, "/api/rates", nil)
	other.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	if !called || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("disallowed origin should be served without CORS headers")
	}
}

func TestOriginPolicyCheckOrigin(t *testing.T) {
	p := NewOriginPolicy([]string{" https://app.example/ ", ""})

	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"http://bff.local:8081", true}, // same origin as the request
		{"https://evil.example", false},
		{"https://app.example.evil.example", false},
		{"null", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "http://bff.local:8081/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := p.CheckOrigin(r); got != tc.want {
			t.Errorf("CheckOrigin(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}

	if p.Allowed("") {
		t.Error("empty origin must not be allowed for CORS")
	}
	if !NewOriginPolicy([]string{"*"}).Allowed("https://anything.example") {
		t.Error("wildcard should allow any origin")
	}
}
