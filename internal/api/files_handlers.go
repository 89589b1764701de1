package api

import (
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/hpc-gateway/internal/apperr"
	"github.com/JakeFAU/hpc-gateway/internal/metrics"
)

func (s *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.files.List(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, entries)
}

// readFile streams raw bytes rather than the JSON envelope.
func (s *Server) readFile(w http.ResponseWriter, r *http.Request) {
	content, err := s.files.Read(r.URL.Query().Get("path"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() {
		if cerr := content.Close(); cerr != nil {
			s.logger.Warn("close file failed", zap.String("path", content.Path), zap.Error(cerr))
		}
	}()

	w.Header().Set("Content-Type", content.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	w.Header().Set("Last-Modified", content.ModifiedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, content)
	metrics.AddFileBytes("read", n)
	if err != nil {
		s.logger.Warn("stream file failed",
			zap.String("path", content.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
	}
}

func (s *Server) createFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var dir bool
	switch {
	case q.Get("type") == "directory":
		dir = true
	case q.Get("touch") == "true":
		dir = false
	default:
		s.writeError(w, r, apperr.New(apperr.BadRequest,
			"use type=directory to create a directory or touch=true to create an empty file; upload content with PUT"))
		return
	}
	entry, err := s.files.Create(q.Get("path"), dir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, entry)
}

// writeFile rejects a declared oversize body before reading any of it.
func (s *Server) writeFile(w http.ResponseWriter, r *http.Request) {
	limit := s.files.MaxWriteBytes()
	if r.ContentLength > limit {
		s.writeError(w, r, apperr.Newf(apperr.PayloadTooLarge, "request body exceeds the %d byte write limit", limit))
		return
	}
	body := http.MaxBytesReader(w, r.Body, limit)
	entry, err := s.files.Write(r.URL.Query().Get("path"), body, r.ContentLength)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, entry)
}

func (s *Server) deleteFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	recursive, _ := strconv.ParseBool(q.Get("recursive"))
	if err := s.files.Delete(path, recursive); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"path": path, "deleted": true})
}
