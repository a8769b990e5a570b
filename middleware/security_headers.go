package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/flagdeck/endpoint"
)

// DefaultCSP allows the console's own pages and forms only. No script runs in
// the console, so script-src is shut entirely.
const DefaultCSP = "default-src 'self'; script-src 'none'; object-src 'none'; base-uri 'none'; form-action 'self'; frame-ancestors 'none'"

// SecurityHeadersProcessor sets response headers for the console pages.
//
// Defaults:
//   - HSTS: max-age=31536000; includeSubDomains
//   - Referrer-Policy: no-referrer, so callback codes never leak via Referer
//   - X-Frame-Options: DENY
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: DefaultCSP
//   - Cache-Control: no-store
//   - Cross-Origin-Opener-Policy / Cross-Origin-Resource-Policy: same-origin
type SecurityHeadersProcessor struct {
	// HSTS configures Strict-Transport-Security. Nil disables it.
	HSTS *HSTSConfig

	ReferrerPolicy            string
	FrameOptions              string
	ContentTypeOptions        bool
	ContentSecurityPolicy     string
	CacheControl              string
	CrossOriginOpenerPolicy   string
	CrossOriginResourcePolicy string
}

// HSTSConfig configures HTTP Strict Transport Security.
type HSTSConfig struct {
	// MaxAge in seconds.
	MaxAge            int
	IncludeSubDomains bool
	// Preload only if the domain was submitted to the preload list.
	Preload bool
}

// SecurityHeadersOption configures a SecurityHeadersProcessor.
type SecurityHeadersOption func(*SecurityHeadersProcessor)

// NewSecurityHeadersProcessor returns a processor with the defaults above.
func NewSecurityHeadersProcessor(opts ...SecurityHeadersOption) *SecurityHeadersProcessor {
	p := &SecurityHeadersProcessor{
		HSTS:                      &HSTSConfig{MaxAge: 31536000, IncludeSubDomains: true},
		ReferrerPolicy:            "no-referrer",
		FrameOptions:              "DENY",
		ContentTypeOptions:        true,
		ContentSecurityPolicy:     DefaultCSP,
		CacheControl:              "no-store",
		CrossOriginOpenerPolicy:   "same-origin",
		CrossOriginResourcePolicy: "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithHSTS configures HSTS settings.
func WithHSTS(maxAge int, includeSubDomains, preload bool) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) {
		p.HSTS = &HSTSConfig{MaxAge: maxAge, IncludeSubDomains: includeSubDomains, Preload: preload}
	}
}

// WithoutHSTS disables HSTS, e.g. when serving plain HTTP in development.
func WithoutHSTS() SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.HSTS = nil }
}

// WithCSP sets the Content-Security-Policy header. Empty disables it.
func WithCSP(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.ContentSecurityPolicy = policy }
}

// WithReferrerPolicy sets the Referrer-Policy header.
func WithReferrerPolicy(policy string) SecurityHeadersOption {
	return func(p *SecurityHeadersProcessor) { p.ReferrerPolicy = policy }
}

// Process implements endpoint.Processor.
func (p *SecurityHeadersProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	set := func(name, value string) {
		if value != "" {
			h.Set(name, value)
		}
	}
	set("Strict-Transport-Security", formatHSTS(p.HSTS))
	set("Referrer-Policy", p.ReferrerPolicy)
	set("X-Frame-Options", p.FrameOptions)
	if p.ContentTypeOptions {
		h.Set("X-Content-Type-Options", "nosniff")
	}
	set("Content-Security-Policy", p.ContentSecurityPolicy)
	set("Cache-Control", p.CacheControl)
	set("Cross-Origin-Opener-Policy", p.CrossOriginOpenerPolicy)
	set("Cross-Origin-Resource-Policy", p.CrossOriginResourcePolicy)
	return next(w, r)
}

func formatHSTS(config *HSTSConfig) string {
	if config == nil || config.MaxAge <= 0 {
		return ""
	}
	parts := []string{"max-age=" + strconv.Itoa(config.MaxAge)}
	if config.IncludeSubDomains {
		parts = append(parts, "includeSubDomains")
	}
	if config.Preload {
		parts = append(parts, "preload")
	}
	return strings.Join(parts, "; ")
}

var _ endpoint.Processor = (*SecurityHeadersProcessor)(nil)
