package receiver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/szibis/telemetry-governor/internal/auth"
	"github.com/szibis/telemetry-governor/internal/compression"
	"github.com/szibis/telemetry-governor/internal/logging"
	"github.com/szibis/telemetry-governor/internal/model"
	"github.com/szibis/telemetry-governor/internal/otlpconv"
	"github.com/szibis/telemetry-governor/internal/pipeline"
	tlspkg "github.com/szibis/telemetry-governor/internal/tls"
)

const (
	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
)

// HTTPConfig holds the OTLP/HTTP receiver settings.
type HTTPConfig struct {
	Addr string
	// MaxRequestBytes bounds the body as sent; larger requests get 413.
	MaxRequestBytes int64
	// MaxDecompressedBytes bounds the body after Content-Encoding is removed.
	MaxDecompressedBytes int64
	// RetryAfter is advertised with 429 and 503 responses.
	RetryAfter        time.Duration
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	TLS               tlspkg.ServerConfig
	Auth              auth.ServerConfig
}

// DefaultHTTPConfig listens on :4318 with a 4 MB body limit.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:                 ":4318",
		MaxRequestBytes:      4 << 20,
		MaxDecompressedBytes: 32 << 20,
		RetryAfter:           5 * time.Second,
		ReadHeaderTimeout:    time.Minute,
		WriteTimeout:         30 * time.Second,
		IdleTimeout:          time.Minute,
	}
}

// HTTPReceiver serves POST /v1/metrics, /v1/traces and /v1/logs.
type HTTPReceiver struct {
	cfg       HTTPConfig
	sink      Sink
	server    *http.Server
	tlsConfig *tls.Config
	handler   http.Handler
}

// NewHTTP creates an HTTP receiver. Zero config fields take their defaults.
func NewHTTP(cfg HTTPConfig, sink Sink) (*HTTPReceiver, error) {
	def := DefaultHTTPConfig()
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = def.MaxRequestBytes
	}
	if cfg.MaxDecompressedBytes <= 0 {
		cfg.MaxDecompressedBytes = def.MaxDecompressedBytes
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("http receiver TLS: %w", err)
	}

	r := &HTTPReceiver{cfg: cfg, sink: sink, tlsConfig: tlsConfig}
	mux := http.NewServeMux()
	mux.Handle("/v1/metrics", r.handlerFor(model.KindMetric))
	mux.Handle("/v1/traces", r.handlerFor(model.KindTrace))
	mux.Handle("/v1/logs", r.handlerFor(model.KindLog))
	r.handler = auth.HTTPMiddleware(cfg.Auth, mux)

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return r, nil
}

// Handler returns the request handler including authentication.
func (r *HTTPReceiver) Handler() http.Handler { return r.handler }

func (r *HTTPReceiver) handlerFor(kind model.SignalKind) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.handle(w, req, kind)
	}
}

func (r *HTTPReceiver) handle(w http.ResponseWriter, req *http.Request, kind model.SignalKind) {
	requestsTotal.WithLabelValues("http", kind.String()).Inc()
	w.Header().Set(IntervalScaleHeader, scaleValue(r.sink))

	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	isJSON, ok := parseContentType(req.Header.Get("Content-Type"))
	if !ok {
		errorsTotal.WithLabelValues(reasonContentType).Inc()
		http.Error(w, "unsupported content type, expected application/x-protobuf or application/json", http.StatusUnsupportedMediaType)
		return
	}

	if req.ContentLength > r.cfg.MaxRequestBytes {
		errorsTotal.WithLabelValues(reasonTooLarge).Inc()
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.cfg.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorsTotal.WithLabelValues(reasonTooLarge).Inc()
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		errorsTotal.WithLabelValues(reasonRead).Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	requestBytes.WithLabelValues("http").Observe(float64(len(body)))

	if enc := req.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		ct := compression.ParseContentEncoding(enc)
		if ct == compression.TypeNone {
			errorsTotal.WithLabelValues(reasonDecompress).Inc()
			http.Error(w, "unsupported content encoding "+enc, http.StatusUnsupportedMediaType)
			return
		}
		done := pipeline.Track(pipeline.StageDecode)
		body, err = compression.DecompressLimit(body, ct, r.cfg.MaxDecompressedBytes)
		done()
		if err != nil {
			if errors.Is(err, compression.ErrTooLarge) {
				errorsTotal.WithLabelValues(reasonTooLarge).Inc()
				http.Error(w, "decompressed body too large", http.StatusRequestEntityTooLarge)
				return
			}
			errorsTotal.WithLabelValues(reasonDecompress).Inc()
			log.Debug("failed to decompress request", logging.F("encoding", enc, "error", err.Error()))
			http.Error(w, "failed to decompress body", http.StatusBadRequest)
			return
		}
	}

	done := pipeline.Track(pipeline.StageDecode)
	batches, err := otlpconv.Decode(kind, body, isJSON)
	done()
	if err != nil {
		errorsTotal.WithLabelValues(reasonDecode).Inc()
		http.Error(w, "failed to decode request: "+err.Error(), http.StatusBadRequest)
		return
	}

	switch res, err := ingest(r.sink, batches); res {
	case backpressured:
		backpressureTotal.WithLabelValues("http").Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(r.cfg.RetryAfter.Seconds())))
		http.Error(w, "pipeline saturated, retry later", http.StatusTooManyRequests)
		return
	case unavailable:
		errorsTotal.WithLabelValues(reasonUnavailable).Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(r.cfg.RetryAfter.Seconds())))
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	case failed:
		errorsTotal.WithLabelValues(reasonInternal).Inc()
		log.Error("failed to ingest request", logging.F("signal", kind.String(), "error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeResponse(w, kind, isJSON)
}

// parseContentType reports whether ct selects JSON and whether it is
// supported at all. An empty content type means protobuf.
func parseContentType(ct string) (isJSON, ok bool) {
	if ct == "" {
		return false, true
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false, false
	}
	switch mt {
	case contentTypeProtobuf:
		return false, true
	case contentTypeJSON:
		return true, true
	}
	return false, false
}

func writeResponse(w http.ResponseWriter, kind model.SignalKind, isJSON bool) {
	resp := otlpconv.NewResponse(kind)
	var (
		out []byte
		err error
		ct  = contentTypeProtobuf
	)
	if isJSON {
		out, err = protojson.Marshal(resp)
		ct = contentTypeJSON
	} else {
		out, err = proto.Marshal(resp)
	}
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// Start serves until Stop is called. It returns nil after a graceful stop.
func (r *HTTPReceiver) Start() error {
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http receiver listen %s: %w", r.cfg.Addr, err)
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln.
func (r *HTTPReceiver) Serve(ln net.Listener) error {
	log.Info("HTTP receiver started", logging.F("addr", ln.Addr().String(), "tls", r.tlsConfig != nil))
	var err error
	if r.tlsConfig != nil {
		err = r.server.ServeTLS(ln, "", "")
	} else {
		err = r.server.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// HealthCheck returns nil if the listen address accepts connections.
func (r *HTTPReceiver) HealthCheck() error {
	return dialCheck("HTTP", r.cfg.Addr)
}
