package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"wlink-home/internal/atcore"
	"wlink-home/internal/store"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.gw.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"status":  st,
	})
}

func (s *Server) handleListNetworks(w http.ResponseWriter, r *http.Request) {
	networks, err := s.gw.Store().ListNetworks()
	if err != nil {
		s.fail(w, "list networks", err)
		return
	}
	writeJSON(w, http.StatusOK, networks)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	aps, err := s.gw.ScanNetworks(ctx)
	if err != nil {
		if errors.Is(err, atcore.ErrBusy) {
			writeError(w, http.StatusConflict, "scan already in progress")
			return
		}
		s.fail(w, "scan", err)
		return
	}
	writeJSON(w, http.StatusOK, aps)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SSID     string `json:"ssid"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SSID == "" {
		writeError(w, http.StatusBadRequest, "ssid is required")
		return
	}

	ctx, cancel := contextWithTimeout(r, 45*time.Second)
	defer cancel()

	if err := s.gw.ConnectNetwork(ctx, req.SSID, req.Password); err != nil {
		if errors.Is(err, atcore.ErrCommandFailed) {
			writeError(w, http.StatusBadGateway, "join rejected by the network")
			return
		}
		s.fail(w, "join", err)
		return
	}
	writeJSON(w, http.StatusOK, s.gw.Status())
}

func (s *Server) handleForgetNetwork(w http.ResponseWriter, r *http.Request) {
	ssid := r.PathValue("ssid")
	if err := s.gw.Store().DeleteNetwork(ssid); err != nil {
		s.fail(w, "forget network", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.gw.Store().ListPeers()
	if err != nil {
		s.fail(w, "list peers", err)
		return
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Host string `json:"host"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}

	ctx, cancel := contextWithTimeout(r, 30*time.Second)
	defer cancel()

	ms, err := s.gw.Driver().Ping(ctx, req.Host)
	if err != nil {
		s.fail(w, "ping", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"host": req.Host, "rtt_ms": ms})
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what, "err", err)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if errors.Is(err, atcore.ErrTimeout) {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
