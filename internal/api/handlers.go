package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tessera/internal/service"
)

// Handler holds API route handlers.
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// decode reads a JSON body into dst and validates it. It answers 400 and
// returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, dst validation.Validatable) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	if err := dst.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody(name+" must be a positive integer"))
		return 0, false
	}
	return v, true
}

// Verify handles POST /api/verify.
//
//	@Summary		Verify pointer URIs against their live sources
//	@Tags			integrity
//	@Accept			json
//	@Produce		json
//	@Param			body	body		VerifyRequest	true	"URIs to verify"
//	@Success		200		{object}	VerifyResponse
//	@Failure		400		{object}	errResponse
//	@Failure		429		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/verify [post]
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	results, err := h.svc.Verify(r.Context(), req.URIs)
	if err != nil {
		writeError(w, "verify", err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{Results: results})
}

// VerifyPointer handles GET /api/pointers/{id}/verify.
//
//	@Summary		Verify one stored pointer
//	@Tags			integrity
//	@Produce		json
//	@Param			id	path		int	true	"Pointer ID"
//	@Success		200	{object}	models.VerifyResult
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pointers/{id}/verify [get]
func (h *Handler) VerifyPointer(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	res, err := h.svc.VerifyPointer(r.Context(), id)
	if err != nil {
		writeError(w, "verify pointer", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// IssuePointer handles POST /api/pointers.
//
//	@Summary		Issue a pointer on a line range of an evidence item
//	@Tags			integrity
//	@Accept			json
//	@Produce		json
//	@Param			body	body		IssuePointerRequest	true	"Line range"
//	@Success		201		{object}	models.IntegrityPointer
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/pointers [post]
func (h *Handler) IssuePointer(w http.ResponseWriter, r *http.Request) {
	var req IssuePointerRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.svc.IssuePointer(r.Context(), req.toService())
	if err != nil {
		writeError(w, "issue pointer", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetMessage handles GET /api/messages/{id}.
//
//	@Summary		Get a message with its link, dedupe records and items
//	@Tags			export
//	@Produce		json
//	@Param			id	path		string	true	"Message ID"
//	@Success		200	{object}	service.MessageView
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/messages/{id} [get]
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Message(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetThread handles GET /api/threads/{id}.
//
//	@Summary		Get the thread containing a message
//	@Tags			export
//	@Produce		json
//	@Param			id	path		string	true	"Any member's ID"
//	@Success		200	{object}	models.Thread
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/threads/{id} [get]
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	th, err := h.svc.Thread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get thread", err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

// GetLink handles GET /api/links/{child}.
//
//	@Summary		Explain a child's parent assignment
//	@Tags			export
//	@Produce		json
//	@Param			child	path		string	true	"Child canonical ID"
//	@Success		200		{object}	audit.Explanation
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/links/{child} [get]
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	ex, err := h.svc.ExplainLink(r.Context(), chi.URLParam(r, "child"))
	if err != nil {
		writeError(w, "explain link", err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

// GetDedupe handles GET /api/dedupe/{id}.
//
//	@Summary		List dedupe records naming a message
//	@Tags			export
//	@Produce		json
//	@Param			id	path		string	true	"Message ID"
//	@Success		200	{array}		models.DedupeRecord
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/dedupe/{id} [get]
func (h *Handler) GetDedupe(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Dedupe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get dedupe", err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// GetAudit handles GET /api/audit?subject=.
//
//	@Summary		Audit entries about a subject
//	@Tags			export
//	@Produce		json
//	@Param			subject	query		string	true	"Subject ID"
//	@Success		200		{object}	AuditResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/audit [get]
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	entries, err := h.svc.Audit(r.Context(), subject)
	if err != nil {
		writeError(w, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, AuditResponse{Subject: subject, Entries: entries})
}

// GetReview handles GET /api/review.
//
//	@Summary		The review queue
//	@Tags			review
//	@Produce		json
//	@Success		200	{object}	service.ReviewQueue
//	@Security		BearerAuth
//	@Router			/review [get]
func (h *Handler) GetReview(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Review(r.Context())
	if err != nil {
		writeError(w, "review", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ResolveDedupe handles POST /api/review/dedupe/{id}/resolve.
//
//	@Summary		Settle an ambiguous dedupe record
//	@Tags			review
//	@Accept			json
//	@Produce		json
//	@Param			id		path		int						true	"Dedupe record ID"
//	@Param			body	body		ResolveDedupeRequest	true	"Winner"
//	@Success		200		{object}	models.DedupeRecord
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/review/dedupe/{id}/resolve [post]
func (h *Handler) ResolveDedupe(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}
	var req ResolveDedupeRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := h.svc.ResolveDedupe(r.Context(), id, req.WinnerID, req.Actor)
	if err != nil {
		writeError(w, "resolve dedupe", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ResolveLink handles POST /api/review/links/{child}/resolve.
//
//	@Summary		Record a reviewer's parent choice
//	@Tags			review
//	@Accept			json
//	@Produce		json
//	@Param			child	path		string				true	"Child canonical ID"
//	@Param			body	body		ResolveLinkRequest	true	"Parent"
//	@Success		200		{object}	models.Link
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/review/links/{child}/resolve [post]
func (h *Handler) ResolveLink(w http.ResponseWriter, r *http.Request) {
	var req ResolveLinkRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := h.svc.ResolveLink(r.Context(), chi.URLParam(r, "child"), req.ParentID, req.Actor)
	if err != nil {
		writeError(w, "resolve link", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}
