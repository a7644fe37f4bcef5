package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	msgDuplicate       = "A file with the same name already exists."
	msgInvalidFilename = "The file name is not allowed."
)

// UploadError is a per-file problem reported back to the client. The
// request as a whole still succeeds.
type UploadError struct {
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// UploadedFile is a part that was written and registered.
type UploadedFile struct {
	Filename   string `json:"filename"`
	Identifier string `json:"identifier"`
	Size       int64  `json:"size"`
}

// UploadReport is the outcome of one multipart request.
type UploadReport struct {
	Stored []UploadedFile `json:"stored"`
	Errors []UploadError  `json:"errors"`
}

// Uploader drives a multipart stream through the file store and the
// metadata store, one part at a time.
type Uploader struct {
	store     *Store
	files     *FileStore
	chunkSize int
	logger    *Logger
	metrics   *Metrics
	newID     func() string
}

func NewUploader(store *Store, files *FileStore, chunkSize int, logger *Logger, metrics *Metrics) *Uploader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = NopLogger()
	}
	return &Uploader{
		store:     store,
		files:     files,
		chunkSize: chunkSize,
		logger:    logger,
		metrics:   metrics,
		newID:     uuid.NewString,
	}
}

// Process consumes parts until the stream ends or a part arrives without a
// filename. Duplicate and invalid names become report entries; any other
// error aborts the request. Parts stored before an abort stay stored.
func (u *Uploader) Process(ctx context.Context, mr *multipart.Reader) (UploadReport, error) {
	var report UploadReport
	rid := RequestIDFromContext(ctx)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return report, nil
		}
		if err != nil {
			return report, fmt.Errorf("%w: next part: %w", ErrUploadInterrupted, err)
		}

		filename := rawFilename(part)
		if filename == "" {
			_ = part.Close()
			return report, nil
		}

		stored, err := u.processPart(ctx, filename, part)
		_ = part.Close()

		var dup *DuplicateFileError
		switch {
		case err == nil:
			report.Stored = append(report.Stored, stored)
		case errors.As(err, &dup):
			u.reject(rid, filename, "duplicate", msgDuplicate)
			report.Errors = append(report.Errors, UploadError{Filename: filename, Message: msgDuplicate})
		case errors.Is(err, ErrInvalidFilename):
			u.reject(rid, filename, "invalid_name", msgInvalidFilename)
			report.Errors = append(report.Errors, UploadError{Filename: filename, Message: msgInvalidFilename})
		default:
			return report, err
		}
	}
}

// rawFilename returns the filename parameter as sent. Part.FileName strips
// directories, which would hide names that ValidateFilename must reject.
func rawFilename(part *multipart.Part) string {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}

func (u *Uploader) processPart(ctx context.Context, filename string, part io.Reader) (UploadedFile, error) {
	rid := RequestIDFromContext(ctx)
	identifier := u.newID()

	u.logger.Info(fmt.Sprintf("file %s start uploading", filename), map[string]any{"rid": rid, "identifier": identifier})
	stored, err := u.files.Write(ctx, filename, NewChunkReader(part, u.chunkSize))
	if err != nil {
		return UploadedFile{}, err
	}
	u.logger.Info(fmt.Sprintf("file %s uploaded", filename), map[string]any{"rid": rid, "size": stored.Size})

	if _, err := u.store.Insert(ctx, filename, identifier, stored.Path); err != nil {
		return UploadedFile{}, err
	}
	u.logger.Info(fmt.Sprintf("file %s db record created", filename), map[string]any{"rid": rid, "identifier": identifier})

	if u.metrics != nil {
		u.metrics.RecordUpload(stored.Size)
	}
	return UploadedFile{Filename: filename, Identifier: identifier, Size: stored.Size}, nil
}

func (u *Uploader) reject(rid, filename, reason, msg string) {
	u.logger.Warn(msg, map[string]any{"rid": rid, "filename": filename})
	if u.metrics != nil {
		u.metrics.RecordUploadRejected(reason)
	}
}

// multipartReader accepts any multipart/* body (form-data from browsers,
// mixed from scripted clients).
func multipartReader(r *http.Request) (*multipart.Reader, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("missing multipart boundary")
	}
	return multipart.NewReader(r.Body, boundary), nil
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// handleUpload handles POST /upload.
//
// Success (no per-file errors) redirects to the listing with 303. Per-file
// errors produce a 200 error page. Clients asking for application/json get
// the report as the body of either response.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	rid := RequestIDFromContext(r.Context())

	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	mr, err := multipartReader(r)
	if err != nil {
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}

	report, err := s.uploader.Process(r.Context(), mr)
	if err != nil {
		var (
			swe    *StorageWriteError
			tooBig *http.MaxBytesError
		)
		switch {
		case errors.As(err, &tooBig):
			s.metrics.RecordUploadRejected("too_large")
			s.logger.Warn("upload exceeds body limit", map[string]any{"rid": rid, "limit": tooBig.Limit})
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		case errors.As(err, &swe):
			s.metrics.RecordUploadRejected("storage")
			s.logger.Error("storage failure during upload", map[string]any{"rid": rid, "op": swe.Op, "path": swe.Path}, err)
			http.Error(w, "storage error", http.StatusInternalServerError)
		default:
			s.metrics.RecordUploadRejected("interrupted")
			s.logger.Warn("upload interrupted", map[string]any{"rid": rid, "error": err.Error()})
			http.Error(w, "upload interrupted", http.StatusBadRequest)
		}
		return
	}

	status := http.StatusOK
	if len(report.Errors) == 0 {
		status = http.StatusSeeOther
	}

	if wantsJSON(r) {
		if report.Stored == nil {
			report.Stored = []UploadedFile{}
		}
		if report.Errors == nil {
			report.Errors = []UploadError{}
		}
		if status == http.StatusSeeOther {
			w.Header().Set("Location", "/")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
		return
	}

	if status == http.StatusSeeOther {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.renderPage(w, r, errorPage, http.StatusOK, errorView{Errors: report.Errors, Stored: report.Stored})
}
