package agentfence

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// KeyExtractor derives a caller id from an HTTP request.
type KeyExtractor func(*http.Request) (string, error)

// ExtractIP uses the client's IP address from r.RemoteAddr.
func ExtractIP() KeyExtractor {
	return func(r *http.Request) (string, error) {
		return remoteIP(r)
	}
}

// ExtractIPWithProxy checks X-Forwarded-For and X-Real-IP before falling back to RemoteAddr.
// Only use it behind a proxy that overwrites these headers.
func ExtractIPWithProxy() KeyExtractor {
	return func(r *http.Request) (string, error) {
		// First entry is the original client
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return "ip:" + ip, nil
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return "ip:" + xri, nil
		}
		return remoteIP(r)
	}
}

func remoteIP(r *http.Request) (string, error) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if ip == "" {
		return "", fmt.Errorf("%w: empty IP address", ErrCallerExtractionFailed)
	}
	return "ip:" + ip, nil
}

// ExtractHeader uses the value of a request header, e.g. ExtractHeader("X-Agent-ID").
func ExtractHeader(headerName string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		value := r.Header.Get(headerName)
		if value == "" {
			return "", fmt.Errorf("%w: header %s not found or empty", ErrCallerExtractionFailed, headerName)
		}
		return fmt.Sprintf("header:%s:%s", headerName, value), nil
	}
}

// ExtractBearer uses the token from "Authorization: Bearer <token>".
func ExtractBearer() KeyExtractor {
	return func(r *http.Request) (string, error) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			return "", fmt.Errorf("%w: Authorization header not found", ErrCallerExtractionFailed)
		}

		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", fmt.Errorf("%w: invalid Authorization header format", ErrCallerExtractionFailed)
		}
		if token == "" {
			return "", fmt.Errorf("%w: empty bearer token", ErrCallerExtractionFailed)
		}
		return "bearer:" + token, nil
	}
}

// ExtractComposite tries extractors in order and returns the first non-empty id.
//
// Example:
//
//	extractor := ExtractComposite(
//	    ExtractHeader("X-Agent-ID"),
//	    ExtractIPWithProxy(),
//	)
func ExtractComposite(extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if len(extractors) == 0 {
			return "", fmt.Errorf("%w: no extractors provided", ErrCallerExtractionFailed)
		}

		var lastErr error
		for _, extract := range extractors {
			id, err := extract(r)
			if err == nil && id != "" {
				return id, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", fmt.Errorf("%w: all extractors failed: %v", ErrCallerExtractionFailed, lastErr)
		}
		return "", fmt.Errorf("%w: all extractors returned empty id", ErrCallerExtractionFailed)
	}
}

// ExtractStatic always returns id, so every request shares one bucket.
func ExtractStatic(id string) KeyExtractor {
	return func(r *http.Request) (string, error) {
		if id == "" {
			return "", fmt.Errorf("%w: static id is empty", ErrCallerExtractionFailed)
		}
		return id, nil
	}
}

// ParseKeyExtractorConfig builds a KeyExtractor from a config string:
// "ip", "ip-proxy", "header:<Name>", "bearer" or "static:<id>".
func ParseKeyExtractorConfig(config string) (KeyExtractor, error) {
	kind, arg, hasArg := strings.Cut(config, ":")

	switch kind {
	case "ip":
		return ExtractIP(), nil
	case "ip-proxy":
		return ExtractIPWithProxy(), nil
	case "bearer":
		return ExtractBearer(), nil
	case "header":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: header extractor requires format 'header:HeaderName'", ErrInvalidConfig)
		}
		return ExtractHeader(arg), nil
	case "static":
		if !hasArg || arg == "" {
			return nil, fmt.Errorf("%w: static extractor requires format 'static:id'", ErrInvalidConfig)
		}
		return ExtractStatic(arg), nil
	default:
		return nil, fmt.Errorf("%w: unknown key extractor type: %s", ErrInvalidConfig, kind)
	}
}
