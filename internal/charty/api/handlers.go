package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/will-ku/med-management-ai/common/version"
	"github.com/will-ku/med-management-ai/internal/charty/chat"
	"github.com/will-ku/med-management-ai/internal/charty/conversation"
	"github.com/will-ku/med-management-ai/internal/charty/observability"
	"github.com/will-ku/med-management-ai/internal/medmanager/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	v := s.handlers.Version
	if v == "" {
		v = version.Version
	}
	servers := []string{}
	if s.handlers.Tools != nil {
		servers = append(servers, s.handlers.Tools.Servers()...)
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: v, Servers: servers})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := observability.WithTrace(r.Context())

	var req QueryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	tools := s.handlers.Tools.ListTools(r.Context())
	reply, err := s.handlers.Chat.HandleChat(r.Context(), req.Query, tools)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyUtterance) {
			writeError(w, http.StatusBadRequest, "query is required")
			return
		}
		log.Error("query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to process query")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handlers.History.Filter(conversation.RoleUser, conversation.RoleAssistant))
}

func (s *Server) handleAllMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handlers.History.Messages())
}

func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.handlers.Chat.ClearHistory(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "conversation is busy")
		return
	}
	observability.WithTrace(r.Context()).Info("conversation cleared")
	writeJSON(w, http.StatusOK, map[string]string{"message": "Messages cleared"})
}

func (s *Server) handleListMedications(w http.ResponseWriter, r *http.Request) {
	if !s.requireDomain(w) {
		return
	}
	meds, err := s.handlers.Domain.ListMedications(r.Context())
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meds)
}

func (s *Server) handleGetMedication(w http.ResponseWriter, r *http.Request) {
	if !s.requireDomain(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	med, err := s.handlers.Domain.GetMedication(r.Context(), id)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, med)
}

func (s *Server) handleListPrescriptions(w http.ResponseWriter, r *http.Request) {
	if !s.requireDomain(w) {
		return
	}
	rx, err := s.handlers.Domain.ListPrescriptions(r.Context())
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

func (s *Server) handleUpdatePrescription(w http.ResponseWriter, r *http.Request) {
	if !s.requireDomain(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var patch PrescriptionPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if patch.Dosage == nil && patch.Frequency == nil {
		writeError(w, http.StatusBadRequest, "dosage or frequency is required")
		return
	}
	p, err := s.handlers.Domain.UpdatePrescription(r.Context(), store.PrescriptionUpdate{
		ID:        id,
		Dosage:    patch.Dosage,
		Frequency: patch.Frequency,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePrescription(w http.ResponseWriter, r *http.Request) {
	if !s.requireDomain(w) {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.handlers.Domain.DeletePrescription(r.Context(), id); err != nil {
		s.domainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireDomain(w http.ResponseWriter) bool {
	if s.handlers.Domain == nil {
		writeError(w, http.StatusServiceUnavailable, "medication store not configured")
		return false
	}
	return true
}

func (s *Server) domainError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	observability.WithTrace(r.Context()).Error("domain request failed", "path", r.URL.Path, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
