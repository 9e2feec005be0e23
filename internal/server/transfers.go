package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ssd-technologies/conduit/internal/share"
)

const ownerTokenHeader = "X-Owner-Token"

// sanitizeFilename strips path components and characters that could break
// out of the Content-Disposition header value.
func sanitizeFilename(name string) string {
	// Normalize backslash separators (Windows-style paths) before calling filepath.Base.
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}

// handleDownload parks the request on a new stream until the share owner
// uploads into it. The response body is the uploader's bytes, unbuffered.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	shareID := r.PathValue("shareId")
	sh, err := s.registry.Get(shareID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, sanitizeFilename(sh.Filename)))
	h.Set("Content-Length", strconv.FormatInt(sh.Size, 10))

	sink := share.NewSink(w, rc.Flush, func() {
		rc.SetWriteDeadline(time.Now())
	})
	written, err := s.broker.Download(r.Context(), shareID, sink, getIP(r))
	if err == nil {
		return
	}

	if written > 0 || sink.Interrupted() {
		// Part of the body is already on the wire; the only honest signal
		// left is a broken connection.
		s.logger.Warn("download aborted mid-body", "share", shareID, "written", written, "error", err)
		panic(http.ErrAbortHandler)
	}

	h.Del("Content-Disposition")
	h.Del("Content-Length")
	s.writeFailure(w, r, err)
}

// handleUpload relays the request body into a pending stream. The owner
// token is checked before the body is read.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	shareID, streamID := r.PathValue("shareId"), r.PathValue("streamId")
	token := r.Header.Get(ownerTokenHeader)

	if _, err := s.broker.Authorize(shareID, token); err != nil {
		s.writeFailure(w, r, err)
		return
	}

	body, err := uploadBody(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	src := share.NewSource(body, func() {
		rc.SetReadDeadline(time.Now())
	})
	n, err := s.broker.Upload(r.Context(), shareID, streamID, token, src)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"share_id":  shareID,
		"stream_id": streamID,
		"bytes":     n,
	})
}

// uploadBody returns the file content of an upload request: the first file
// part of a multipart form, or the raw body otherwise.
func uploadBody(r *http.Request) (io.Reader, error) {
	mediaType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(mediaType, "multipart/form-data") {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("reading multipart body: %v: %w", err, share.ErrValidation)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("multipart body has no file part: %w", share.ErrValidation)
		}
		if err != nil {
			return nil, fmt.Errorf("reading multipart body: %v: %w", err, share.ErrValidation)
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}
