package agentfence

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
		wantErr    bool
	}{
		{name: "IPv4 with port", remoteAddr: "192.168.1.1:12345", want: "ip:192.168.1.1"},
		{name: "IPv4 without port", remoteAddr: "192.168.1.1", want: "ip:192.168.1.1"},
		{name: "IPv6 with port", remoteAddr: "[2001:db8::1]:8080", want: "ip:2001:db8::1"},
		{name: "empty", remoteAddr: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr

			got, err := ExtractIP()(req)
			if tt.wantErr {
				if !errors.Is(err, ErrCallerExtractionFailed) {
					t.Errorf("err = %v, want ErrCallerExtractionFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractIPWithProxy(t *testing.T) {
	tests := []struct {
		name          string
		xForwardedFor string
		xRealIP       string
		want          string
	}{
		{name: "single forwarded IP", xForwardedFor: "203.0.113.1", want: "ip:203.0.113.1"},
		{name: "forwarded chain", xForwardedFor: "203.0.113.1, 10.0.0.1", want: "ip:203.0.113.1"},
		{name: "padded", xForwardedFor: "  203.0.113.1  ", want: "ip:203.0.113.1"},
		{name: "real IP", xRealIP: "203.0.113.2", want: "ip:203.0.113.2"},
		{name: "forwarded wins", xForwardedFor: "203.0.113.1", xRealIP: "203.0.113.2", want: "ip:203.0.113.1"},
		{name: "remote addr fallback", want: "ip:192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.xRealIP != "" {
				req.Header.Set("X-Real-IP", tt.xRealIP)
			}

			got, err := ExtractIPWithProxy()(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractHeaderAndBearer(t *testing.T) {
	tests := []struct {
		name      string
		extractor KeyExtractor
		header    string
		value     string
		want      string
		wantErr   bool
	}{
		{name: "agent header", extractor: ExtractHeader("X-Agent-ID"), header: "X-Agent-ID", value: "agent-7", want: "header:X-Agent-ID:agent-7"},
		{name: "header missing", extractor: ExtractHeader("X-Agent-ID"), wantErr: true},
		{name: "bearer", extractor: ExtractBearer(), header: "Authorization", value: "Bearer tok123", want: "bearer:tok123"},
		{name: "lowercase bearer", extractor: ExtractBearer(), header: "Authorization", value: "bearer tok123", want: "bearer:tok123"},
		{name: "no authorization", extractor: ExtractBearer(), wantErr: true},
		{name: "no space", extractor: ExtractBearer(), header: "Authorization", value: "Bearertok123", wantErr: true},
		{name: "basic auth", extractor: ExtractBearer(), header: "Authorization", value: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "empty token", extractor: ExtractBearer(), header: "Authorization", value: "Bearer ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}

			got, err := tt.extractor(req)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractComposite(t *testing.T) {
	extractor := ExtractComposite(ExtractHeader("X-Agent-ID"), ExtractIP())

	t.Run("first succeeds", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Agent-ID", "agent-7")

		got, err := extractor(req)
		if err != nil || got != "header:X-Agent-ID:agent-7" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("falls back", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.RemoteAddr = "10.0.0.5:999"

		got, err := extractor(req)
		if err != nil || got != "ip:10.0.0.5" {
			t.Errorf("got %q, %v", got, err)
		}
	})

	t.Run("all fail", func(t *testing.T) {
		both := ExtractComposite(ExtractHeader("X-Agent-ID"), ExtractBearer())
		_, err := both(httptest.NewRequest("GET", "/test", nil))
		if !errors.Is(err, ErrCallerExtractionFailed) {
			t.Errorf("err = %v, want ErrCallerExtractionFailed", err)
		}
	})

	t.Run("empty list", func(t *testing.T) {
		_, err := ExtractComposite()(httptest.NewRequest("GET", "/test", nil))
		if err == nil {
			t.Error("expected error for no extractors")
		}
	})
}

func TestExtractStatic(t *testing.T) {
	got, err := ExtractStatic("global")(httptest.NewRequest("GET", "/", nil))
	if err != nil || got != "global" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := ExtractStatic("")(httptest.NewRequest("GET", "/", nil)); err == nil {
		t.Error("expected error for empty static id")
	}
}

func TestParseKeyExtractorConfig(t *testing.T) {
	tests := []struct {
		config  string
		wantErr bool
	}{
		{config: "ip"},
		{config: "ip-proxy"},
		{config: "bearer"},
		{config: "header:X-Agent-ID"},
		{config: "static:global"},
		{config: "header", wantErr: true},
		{config: "header:", wantErr: true},
		{config: "static", wantErr: true},
		{config: "cookie:session", wantErr: true},
		{config: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.config, func(t *testing.T) {
			extractor, err := ParseKeyExtractorConfig(tt.config)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("err = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil || extractor == nil {
				t.Errorf("ParseKeyExtractorConfig(%q) = %v, %v", tt.config, extractor, err)
			}
		})
	}
}
