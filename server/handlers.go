package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/changtimwu/you-kb/storage"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type chatRequest struct {
	KB       string `json:"kb"`
	Question string `json:"question"`
	TopK     int    `json:"top_k"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "write json error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: kind, Message: message})
}

// statusFor maps storage sentinels onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrKBNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrInvalidKBName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) kbsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	metas, err := s.store.ListKBs(r.Context())
	if err != nil {
		s.log.Errorf("list kbs: %v", err)
		writeError(w, statusFor(err), "list_failed", err.Error())
		return
	}
	if metas == nil {
		metas = []storage.KBMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

func (s *Server) kbInfoHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/kbs/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "bad_request", "kb name required")
		return
	}
	meta, err := s.store.KBInfo(r.Context(), name)
	if err != nil {
		writeError(w, statusFor(err), "kb_info_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}
	if req.KB == "" || strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "kb and question required")
		return
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.defaultTopK
	}
	res, err := s.engine.Chat(r.Context(), req.KB, req.Question, topK)
	if err != nil {
		s.log.Errorf("chat in kb %s: %v", req.KB, err)
		writeError(w, statusFor(err), "chat_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
