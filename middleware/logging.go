package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mnehpets/flagdeck/endpoint"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the request ID back to the client.
const RequestIDHeader = "X-Request-ID"

// RequestLogger is an endpoint processor that tags every request with an ID,
// attaches a child logger carrying it to the request context, and writes one
// access log line per request.
type RequestLogger struct {
	log zerolog.Logger
}

// NewRequestLogger returns a RequestLogger writing to log.
func NewRequestLogger(log zerolog.Logger) *RequestLogger {
	return &RequestLogger{log: log}
}

// Process implements endpoint.Processor.
func (p *RequestLogger) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	id := uuid.NewString()
	w.Header().Set(RequestIDHeader, id)
	log := p.log.With().Str("request_id", id).Logger()
	*r = *r.WithContext(log.WithContext(r.Context()))

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w}
	err := next(sw, r)

	status := sw.status
	if err != nil {
		status = endpoint.StatusOf(err)
	} else if status == 0 {
		status = http.StatusOK
	}
	log.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Dur("duration", time.Since(start)).
		Msg("request")
	return err
}

// statusWriter records the status code written by a renderer.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

var _ endpoint.Processor = (*RequestLogger)(nil)
