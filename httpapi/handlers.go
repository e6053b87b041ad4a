package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/coderun/language"
)

// maxBodyBytes caps request bodies; submissions are source files, not data.
const maxBodyBytes = 1 << 20

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

type codeRequest struct {
	Code     string `json:"code"`
	Prompt   string `json:"prompt"`
	Language string `json:"language"`
}

func (req *codeRequest) lang() string {
	if req.Language == "" {
		return language.Python.String()
	}
	return req.Language
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "No code provided")
		return
	}
	if _, err := language.Parse(req.lang()); err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported language")
		return
	}

	result := s.runner.Execute(r.Context(), req.Code, req.lang())
	s.logger.Info("execution finished",
		zap.String("run_id", result.RunID.String()),
		zap.Bool("ok", result.Error == ""),
		zap.Int64("runtime_ms", result.Metrics.RuntimeMs))

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "No prompt provided")
		return
	}
	if !s.assistEnabled() {
		writeError(w, http.StatusNotImplemented, "AI code generation is not configured on the server.")
		return
	}

	code := s.assistant.Generate(r.Context(), req.Prompt, req.lang(), s.cfg.Assist.APIKey)
	writeJSON(w, http.StatusOK, map[string]string{"generated_code": code})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "No code provided for optimization")
		return
	}
	if _, err := language.Parse(req.lang()); err != nil {
		writeError(w, http.StatusBadRequest, "Unsupported language for optimization")
		return
	}
	if !s.assistEnabled() {
		writeError(w, http.StatusNotImplemented, "AI code optimization is not configured on the server.")
		return
	}

	code := s.assistant.Optimize(r.Context(), req.Code, req.lang(), s.cfg.Assist.APIKey)
	if strings.HasPrefix(code, "Error:") {
		writeError(w, http.StatusInternalServerError, code)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"optimized_code": code})
}

func (s *Server) assistEnabled() bool {
	return s.assistant != nil && s.cfg.Assist.APIKey != ""
}
