package transport

import (
	"net/http"
	"time"
)

type logger interface {
	Debug(msg string, args ...any)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Logging wraps next and logs every outbound request
// Only method, path, duration and status are logged. Headers may carry tokens and never logged
func Logging(l logger, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		start := time.Now()

		resp, err := next.RoundTrip(r)

		status := 0
		if resp != nil {
			status = resp.StatusCode
		}

		args := []any{
			"method", r.Method,
			"uri", r.URL.Path,
			"duration", time.Since(start),
			"status", status,
		}
		if err != nil {
			args = append(args, "error", err)
		}

		l.Debug("sent HTTP request", args...)
		return resp, err
	})
}

// Sets headers every request to the remote API carries
func WithHeaders(headers map[string]string, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		r = r.Clone(r.Context())
		for k, v := range headers {
			if r.Header.Get(k) == "" {
				r.Header.Set(k, v)
			}
		}
		return next.RoundTrip(r)
	})
}

// NewClient returns HTTP client for the remote API: default headers, request logging and timeout
func NewClient(l logger, timeout time.Duration, headers map[string]string) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: Logging(l, WithHeaders(headers, http.DefaultTransport)),
	}
}
