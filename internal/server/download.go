package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const fileNotFoundBody = "File Not Found"

// handleDownload handles GET /download/{identifier}. The file is streamed
// in chunkSize blocks; unknown identifiers and records whose bytes are gone
// both answer 404 with a fixed plain-text body.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rid := RequestIDFromContext(ctx)
	identifier := chi.URLParam(r, "identifier")

	rec, ok, err := s.store.FindByIdentifier(ctx, identifier)
	if err != nil {
		s.logger.Error("lookup identifier", map[string]any{"rid": rid, "identifier": identifier}, err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if !ok || rec.LocalPath == "" {
		s.notFound(w, rid, identifier)
		return
	}

	f, err := os.Open(rec.LocalPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("open stored file", map[string]any{"rid": rid, "path": rec.LocalPath, "error": err.Error()})
		}
		s.notFound(w, rid, identifier)
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.notFound(w, rid, identifier)
		return
	}

	h := w.Header()
	h.Set("Content-Disposition", contentDisposition(rec.Filename))
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(http.StatusOK)

	sent, err := streamChunks(w, NewChunkReader(f, s.chunkSize), ctx.Done())
	if err != nil {
		s.logger.Warn("download aborted", map[string]any{"rid": rid, "identifier": identifier, "sent": sent, "error": err.Error()})
		return
	}
	s.metrics.RecordDownload(sent)
}

func (s *Server) notFound(w http.ResponseWriter, rid, identifier string) {
	s.metrics.RecordDownloadNotFound()
	s.logger.Info("download not found", map[string]any{"rid": rid, "identifier": identifier})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = io.WriteString(w, fileNotFoundBody)
}

var errClientGone = errors.New("client went away")

// streamChunks copies src to w chunk by chunk, stopping when done closes.
func streamChunks(w io.Writer, src ChunkReader, done <-chan struct{}) (int64, error) {
	var sent int64
	for {
		select {
		case <-done:
			return sent, errClientGone
		default:
		}
		chunk, err := src.ReadChunk()
		if err != nil {
			return sent, err
		}
		if len(chunk) == 0 {
			return sent, nil
		}
		n, err := w.Write(chunk)
		sent += int64(n)
		if err != nil {
			return sent, err
		}
	}
}

// contentDisposition renders an attachment header. Plain token names go out
// bare; anything else is quoted or RFC 2231 encoded by mime.FormatMediaType.
func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
