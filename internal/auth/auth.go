// Package auth implements the bearer and API-key checks used by the
// receivers and the credentials attached by the exporter.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var authFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "telemetry_governor_auth_failures_total",
	Help: "Requests rejected by receiver authentication",
}, []string{"protocol"})

func init() {
	prometheus.MustRegister(authFailuresTotal)
	authFailuresTotal.WithLabelValues("http").Add(0)
	authFailuresTotal.WithLabelValues("grpc").Add(0)
}

var (
	errMissing = errors.New("missing credentials")
	errInvalid = errors.New("invalid credentials")
)

// ServerConfig holds receiver authentication settings.
type ServerConfig struct {
	Enabled     bool
	BearerToken string
	// APIKeyHeader and APIKey accept a static key in a custom header.
	APIKeyHeader string
	APIKey       string
}

// ClientConfig holds the credentials sent to the destination.
type ClientConfig struct {
	BearerToken  string
	APIKeyHeader string
	APIKey       string
	Headers      map[string]string
}

// Configured reports whether any credential or header is set.
func (c ClientConfig) Configured() bool {
	return c.BearerToken != "" || c.APIKey != "" || len(c.Headers) > 0
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// check validates the Authorization value and the API key header value.
func (c ServerConfig) check(authorization, apiKey string) error {
	if !c.Enabled {
		return nil
	}
	if c.APIKey != "" && apiKey != "" {
		if equal(apiKey, c.APIKey) {
			return nil
		}
		return errInvalid
	}
	if c.BearerToken != "" {
		if authorization == "" {
			return errMissing
		}
		token, ok := strings.CutPrefix(authorization, "Bearer ")
		if !ok || !equal(token, c.BearerToken) {
			return errInvalid
		}
		return nil
	}
	if c.APIKey != "" {
		return errMissing
	}
	return nil
}

func (c ServerConfig) apiKeyHeader() string {
	if c.APIKeyHeader == "" {
		return "X-API-Key"
	}
	return c.APIKeyHeader
}

// HTTPMiddleware rejects unauthenticated requests with 401.
func HTTPMiddleware(cfg ServerConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.check(r.Header.Get("Authorization"), r.Header.Get(cfg.apiKeyHeader())); err != nil {
			authFailuresTotal.WithLabelValues("http").Inc()
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GRPCServerInterceptor rejects unauthenticated calls with Unauthenticated.
func GRPCServerInterceptor(cfg ServerConfig) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !cfg.Enabled {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		first := func(k string) string {
			if v := md.Get(k); len(v) > 0 {
				return v[0]
			}
			return ""
		}
		if err := cfg.check(first("authorization"), first(strings.ToLower(cfg.apiKeyHeader()))); err != nil {
			authFailuresTotal.WithLabelValues("grpc").Inc()
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(ctx, req)
	}
}

// GRPCClientInterceptor attaches the configured credentials to every call.
func GRPCClientInterceptor(cfg ClientConfig) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		md := metadata.MD{}
		for k, v := range cfg.Headers {
			md.Set(k, v)
		}
		if cfg.BearerToken != "" {
			md.Set("authorization", "Bearer "+cfg.BearerToken)
		}
		if cfg.APIKey != "" {
			md.Set(apiKeyHeader(cfg.APIKeyHeader), cfg.APIKey)
		}
		if len(md) > 0 {
			ctx = metadata.NewOutgoingContext(ctx, md)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func apiKeyHeader(h string) string {
	if h == "" {
		return "X-API-Key"
	}
	return h
}

// HTTPTransport wraps base so every request carries the credentials.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{base: base, cfg: cfg}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, v := range t.cfg.Headers {
		r.Header.Set(k, v)
	}
	if t.cfg.BearerToken != "" {
		r.Header.Set("Authorization", "Bearer "+t.cfg.BearerToken)
	}
	if t.cfg.APIKey != "" {
		r.Header.Set(apiKeyHeader(t.cfg.APIKeyHeader), t.cfg.APIKey)
	}
	return t.base.RoundTrip(r)
}
