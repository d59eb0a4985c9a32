package web

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/JonMunkholm/serialcheck/internal/dataset"
	"github.com/JonMunkholm/serialcheck/internal/logging"
)

// importResponse is the import report with the failure, if any, replaced by
// its user-facing form.
type importResponse struct {
	*core.ImportResult
	Action string `json:"action,omitempty"`
	Code   string `json:"code,omitempty"`
}

// handleImport replaces the reference dataset with the uploaded workbook.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize)

	if err := r.ParseMultipartForm(s.cfg.Import.MaxFileSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	ds, err := s.loader.Load(file)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, dataset.ErrInvalidWorkbook) && !errors.Is(err, dataset.ErrMissingSheet) {
			status = http.StatusInternalServerError
		}
		respondError(w, r, err, status)
		return
	}

	result, err := s.service.ImportFile(r.Context(), header.Filename, ds)
	if err != nil {
		status := statusFor(err)
		msg := core.MapError(err)
		logging.FromContext(r.Context()).Error("import failed",
			"file", header.Filename,
			"status", status,
			"error", err,
			"code", msg.Code,
		)
		result.Error = msg.Message
		writeJSON(w, r, status, importResponse{ImportResult: result, Action: msg.Action, Code: msg.Code})
		return
	}
	writeJSON(w, r, http.StatusOK, importResponse{ImportResult: result})
}
