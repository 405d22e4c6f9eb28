package web

import (
	"encoding/json"
	"net/http"

	"wlink-home/internal/automation"
)

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.scripts.List()
	if err != nil {
		s.fail(w, "list scripts", err)
		return
	}
	if scripts == nil {
		scripts = []*automation.Script{}
	}
	writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	script, err := s.scripts.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "script not found")
		return
	}
	writeJSON(w, http.StatusOK, script)
}

// handleSaveScript creates or updates a script and reloads its VM.
func (s *Server) handleSaveScript(w http.ResponseWriter, r *http.Request) {
	var script automation.Script
	if err := json.NewDecoder(r.Body).Decode(&script); err != nil {
		writeError(w, http.StatusBadRequest, "invalid script body")
		return
	}
	if script.Meta.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	saved, err := s.scripts.Save(&script)
	if err != nil {
		s.fail(w, "save script", err)
		return
	}
	if err := s.auto.ReloadScript(saved.ID); err != nil {
		s.logger.Error("reload script", "id", saved.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.auto.StopScript(id)
	if err := s.scripts.Delete(id); err != nil {
		writeError(w, http.StatusNotFound, "script not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunScript dry-runs a stored script in a throwaway VM.
func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.auto.RunScript(r.PathValue("id")))
}

// handleRunCode dry-runs ad-hoc Lua code without saving it.
func (s *Server) handleRunCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	writeJSON(w, http.StatusOK, s.auto.RunLuaCode(req.Code))
}
