package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/gosuda/bastion/internal/domain"
)

// Period is a half-open time interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Report aggregates audit activity for a period along with the integrity of
// the chain segment that covers it.
type Report struct {
	Period           Period         `json:"period"`
	GeneratedAt      time.Time      `json:"generated_at"`
	TotalEntries     int            `json:"total_entries"`
	DataProcessing   map[string]int `json:"data_processing"`
	PrivacyControls  map[string]int `json:"privacy_controls"`
	SecuritySeverity map[string]int `json:"security_severity"`
	Integrity        VerifyResult   `json:"integrity"`
}

// ComplianceReport counts entries by processing activity, applied privacy
// controls and security severity for p, and verifies the covered sequences.
func (c *Chain) ComplianceReport(ctx context.Context, p Period) (*Report, error) {
	if !p.End.After(p.Start) {
		return nil, fmt.Errorf("audit.Chain.ComplianceReport: %w", domain.ErrInvalidRange)
	}

	links, err := c.repo.ListPeriod(ctx, p.Start, p.End)
	if err != nil {
		return nil, fmt.Errorf("audit.Chain.ComplianceReport: %w", err)
	}

	r := &Report{
		Period:           p,
		GeneratedAt:      c.now().UTC(),
		DataProcessing:   make(map[string]int),
		PrivacyControls:  make(map[string]int),
		SecuritySeverity: make(map[string]int),
	}

	var first, last uint64
	for _, link := range links {
		seq := link.Record.ChainSequence
		if first == 0 || seq < first {
			first = seq
		}
		last = max(last, seq)

		e := link.Entry
		if e == nil {
			continue
		}
		r.TotalEntries++
		r.DataProcessing[e.EventType+"/"+e.Action]++
		for _, control := range stringList(e.Metadata[MetadataPrivacyControls]) {
			r.PrivacyControls[control]++
		}
		if sev, ok := e.Metadata[MetadataSeverity].(string); ok && sev != "" {
			r.SecuritySeverity[sev]++
		}
	}

	if first == 0 {
		r.Integrity = VerifyResult{Valid: true, Errors: []VerifyError{}}
		return r, nil
	}
	r.Integrity = c.Verify(ctx, Range{From: first, To: last})
	return r, nil
}

// stringList accepts both []string and the []any form produced by a JSON
// round trip through storage.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
