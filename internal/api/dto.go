package api

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/service"
)

// maxVerifyURIs bounds one verify request.
const maxVerifyURIs = 500

// VerifyRequest is the request body for POST /api/verify.
type VerifyRequest struct {
	URIs []string `json:"uris" example:"dep://corpus/msg-1/lines_1-3#ab12cd34ef56" validate:"required"`
}

// Validate implements validation.Validatable.
func (r VerifyRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.URIs, validation.Required, validation.Length(1, maxVerifyURIs),
			validation.Each(validation.Required)),
	)
}

// VerifyResponse wraps per-URI results in request order.
type VerifyResponse struct {
	Results []models.VerifyResult `json:"results" validate:"required"`
}

// IssuePointerRequest is the request body for POST /api/pointers.
type IssuePointerRequest struct {
	SourceKey string `json:"source_key" example:"msg-1" validate:"required"`
	StartLine int    `json:"start_line" example:"1" validate:"required"`
	EndLine   int    `json:"end_line" example:"3" validate:"required"`
	Role      string `json:"role" example:"support"`
}

// Validate implements validation.Validatable.
func (r IssuePointerRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.SourceKey, validation.Required),
		validation.Field(&r.StartLine, validation.Required, validation.Min(1)),
		validation.Field(&r.EndLine, validation.Required, validation.Min(r.StartLine)),
		validation.Field(&r.Role, validation.In(models.RoleAnchor, models.RoleSupport, models.RoleContext)),
	)
}

func (r IssuePointerRequest) toService() service.PointerRequest {
	return service.PointerRequest{SourceKey: r.SourceKey, StartLine: r.StartLine, EndLine: r.EndLine, Role: r.Role}
}

// ResolveDedupeRequest is the request body for POST /api/review/dedupe/{id}/resolve.
type ResolveDedupeRequest struct {
	WinnerID string `json:"winner_id" example:"1893456789012345678" validate:"required"`
	Actor    string `json:"actor" example:"reviewer:alice" validate:"required"`
}

// Validate implements validation.Validatable.
func (r ResolveDedupeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.WinnerID, validation.Required),
		validation.Field(&r.Actor, validation.Required),
	)
}

// ResolveLinkRequest is the request body for POST /api/review/links/{child}/resolve.
type ResolveLinkRequest struct {
	ParentID string `json:"parent_id" example:"1893456789012345678" validate:"required"`
	Actor    string `json:"actor" example:"reviewer:alice" validate:"required"`
}

// Validate implements validation.Validatable.
func (r ResolveLinkRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ParentID, validation.Required),
		validation.Field(&r.Actor, validation.Required),
	)
}

// AuditResponse wraps audit entries for a subject.
type AuditResponse struct {
	Subject string              `json:"subject" validate:"required"`
	Entries []models.AuditEntry `json:"entries" validate:"required"`
}
