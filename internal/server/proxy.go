package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/bastion/internal/guard"
)

// NewUpstream returns a reverse proxy to the protected application. Transport
// failures answer 502, which the guard records as a circuit failure.
func NewUpstream(rawURL string) (http.Handler, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("server.NewUpstream: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("server.NewUpstream: %q is not an absolute URL", rawURL)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
			if id := chimw.GetReqID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(chimw.RequestIDHeader, id)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("upstream", target.Host).
				Msg("upstream request failed")

			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(guard.Problem{
				Title:  http.StatusText(http.StatusBadGateway),
				Status: http.StatusBadGateway,
				Detail: "upstream service unavailable",
				Code:   guard.CodeUpstreamUnavailable,
			})
		},
	}
	return proxy, nil
}
