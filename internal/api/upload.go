package api

import (
	"io"
	"net/http"

	"github.com/starford/tessera/internal/service"
)

// DefaultMaxUpload bounds one uploaded .eml file.
const DefaultMaxUpload = 32 << 20

// UploadHandler accepts .eml uploads into the corpus.
type UploadHandler struct {
	svc      *service.Service
	maxBytes int64
}

// NewUploadHandler creates a handler; maxBytes <= 0 uses DefaultMaxUpload.
func NewUploadHandler(svc *service.Service, maxBytes int64) *UploadHandler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUpload
	}
	return &UploadHandler{svc: svc, maxBytes: maxBytes}
}

// Ingest handles POST /api/ingest (multipart/form-data, field "file",
// optional field "mailbox").
//
//	@Summary		Upload and ingest one .eml file
//	@Tags			ingest
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"Message file"
//	@Param			mailbox	formData	string	false	"Corpus folder, defaults to uploads"
//	@Success		201		{object}	pipeline.Report
//	@Failure		400		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/ingest [post]
func (h *UploadHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("missing 'file' field in multipart form"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read file"))
		return
	}

	rep, err := h.svc.Upload(r.Context(), r.FormValue("mailbox"), header.Filename, data)
	if err != nil {
		writeError(w, "ingest upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}
