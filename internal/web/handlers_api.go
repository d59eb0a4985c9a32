package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/serialcheck/internal/core"
)

// maxCheckBody bounds the JSON body of /api/check.
const maxCheckBody = 4 << 10

type checkRequest struct {
	Code string `json:"code"`
}

// handleCheck runs a serial check for an operator. Nothing is audited or sent.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBody)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	verdict, err := s.service.CheckSerial(r.Context(), req.Code)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, r, http.StatusOK, verdict)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid request: limit must be a number")
			return
		}
		limit = n
	}

	records, err := s.service.RecentAudit(r.Context(), core.ClampHistoryLimit(limit))
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, r, http.StatusOK, records)
}

func (s *Server) handleAuditCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.AuditCounts(r.Context())
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}

type statsResponse struct {
	core.DatasetStats
	ImportRunning bool `json:"importRunning"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	writeJSON(w, r, http.StatusOK, statsResponse{DatasetStats: stats, ImportRunning: s.service.ImportRunning()})
}
