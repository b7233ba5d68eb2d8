package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/bastion/internal/audit"
	"github.com/gosuda/bastion/internal/domain"
	"github.com/gosuda/bastion/internal/server/middleware"
)

type VerifyInput struct {
	From uint64 `query:"from" minimum:"0" doc:"First sequence to verify (default: 1)"`
	To   uint64 `query:"to" minimum:"0" doc:"Last sequence to verify (default: chain head)"`
}

type VerifyOutput struct {
	Body audit.VerifyResult
}

type ReportInput struct {
	Start time.Time `query:"start" required:"true" doc:"Period start (RFC 3339, inclusive)"`
	End   time.Time `query:"end" required:"true" doc:"Period end (RFC 3339, exclusive)"`
}

type ReportOutput struct {
	Body *audit.Report
}

type HeadOutput struct {
	Body struct {
		Sequence uint64 `json:"sequence"`
	}
}

func RegisterAuditRoutes(api huma.API, chain AuditService) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-audit-chain",
		Method:      http.MethodGet,
		Path:        "/audit/verify",
		Summary:     "Verify the integrity of a chain segment",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, input *VerifyInput) (*VerifyOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if input.To != 0 && input.From > input.To {
			return nil, huma.Error400BadRequest("from must not exceed to")
		}

		return &VerifyOutput{Body: chain.Verify(ctx, audit.Range{From: input.From, To: input.To})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-compliance-report",
		Method:      http.MethodGet,
		Path:        "/audit/report",
		Summary:     "Compliance report for a period",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, input *ReportInput) (*ReportOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		report, err := chain.ComplianceReport(ctx, audit.Period{Start: input.Start, End: input.End})
		if errors.Is(err, domain.ErrInvalidRange) {
			return nil, huma.Error400BadRequest("end must be after start")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to build report", err)
		}

		return &ReportOutput{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-chain-head",
		Method:      http.MethodGet,
		Path:        "/audit/head",
		Summary:     "Current chain sequence",
		Tags:        []string{"Audit"},
	}, func(ctx context.Context, _ *struct{}) (*HeadOutput, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}

		out := &HeadOutput{}
		out.Body.Sequence = chain.Sequence()
		return out, nil
	})
}

func requireAdmin(ctx context.Context) error {
	role, ok := middleware.RoleFromContext(ctx)
	if !ok || role != middleware.RoleAdmin {
		return huma.Error403Forbidden("admin role required")
	}
	return nil
}

func operator(ctx context.Context) string {
	id, _ := middleware.UserIDFromContext(ctx)
	return "user:" + id
}
