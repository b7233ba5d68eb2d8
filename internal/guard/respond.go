package guard

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gosuda/bastion/internal/ratelimit"
)

// Reason codes returned to clients.
const (
	CodeIdentityBlocked     = "identity_blocked"
	CodeIdentityQuarantined = "identity_quarantined"
	CodeCircuitOpen         = "circuit_open"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeRequestTimeout      = "request_timeout"
	CodeUpstreamUnavailable = "upstream_unavailable"
)

// Problem is the JSON body of a policy rejection.
type Problem struct {
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeProblem(w http.ResponseWriter, status int, code, detail string, retryAfter time.Duration) {
	p := Problem{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		Code:   code,
	}
	if retryAfter > 0 {
		secs := ratelimit.FormatRetryAfter(retryAfter)
		w.Header().Set("Retry-After", secs)
		p.RetryAfter = retrySeconds(retryAfter)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func retrySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}
