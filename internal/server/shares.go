package server

import (
	"encoding/json"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ssd-technologies/conduit/internal/telemetry"
)

const maxJSONBody = 64 * 1024

type createShareRequest struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type createShareResponse struct {
	ShareID    string `json:"share_id"`
	OwnerToken string `json:"owner_token"`
}

type unshareRequest struct {
	ShareID    string `json:"share_id"`
	OwnerToken string `json:"owner_token"`
}

type statsResponse struct {
	ShareID         string              `json:"share_id"`
	Filename        string              `json:"filename"`
	Size            int64               `json:"size"`
	CreatedAt       time.Time           `json:"created_at"`
	LastHeartbeatAt *time.Time          `json:"last_heartbeat_at,omitempty"`
	ActiveStreams   int                 `json:"active_streams"`
	Telemetry       *telemetry.Snapshot `json:"telemetry,omitempty"`
}

type infoResponse struct {
	ShareID  string `json:"share_id"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
}

// handleCreateShare registers a new share and returns its owner token. The
// token is only ever revealed here.
func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sh, err := s.registry.Create(req.Filename, req.Size)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.logger.Info("share created", "share", sh.ID, "filename", sh.Filename, "size", sh.Size, "remote", getIP(r))
	writeJSON(w, http.StatusCreated, createShareResponse{
		ShareID:    sh.ID,
		OwnerToken: sh.OwnerToken(),
	})
}

// handleUnshare removes a share and aborts its streams. The owner token may
// come from the body or the X-Owner-Token header.
func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	var req unshareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ShareID == "" {
		writeError(w, http.StatusBadRequest, "share_id is required")
		return
	}
	token := req.OwnerToken
	if token == "" {
		token = r.Header.Get(ownerTokenHeader)
	}

	if err := s.broker.Unshare(req.ShareID, token); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"share_id": req.ShareID, "status": "removed"})
}

// handleStats reports a share's metadata, live stream count and transfer
// telemetry if any transfer completed.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sh, err := s.registry.Get(r.PathValue("shareId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := statsResponse{
		ShareID:       sh.ID,
		Filename:      sh.Filename,
		Size:          sh.Size,
		CreatedAt:     sh.CreatedAt,
		ActiveStreams: sh.StreamCount(),
	}
	if at, ok := sh.LastHeartbeat(); ok {
		resp.LastHeartbeatAt = &at
	}
	if snap, ok := s.monitor.Get(sh.ID); ok {
		resp.Telemetry = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleInfo describes a share for a prospective downloader.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	sh, err := s.registry.Get(r.PathValue("shareId"))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infoResponse{
		ShareID:  sh.ID,
		Filename: sh.Filename,
		Size:     sh.Size,
		Type:     contentType(sh.Filename),
	})
}

// contentType infers a media type from the filename extension.
func contentType(filename string) string {
	if t := mime.TypeByExtension(filepath.Ext(filename)); t != "" {
		return t
	}
	return "application/octet-stream"
}
