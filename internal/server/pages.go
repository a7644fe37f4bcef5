// pages.go - Server-rendered HTML pages
package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	indexPage  = mustPage("index.html")
	uploadPage = mustPage("upload.html")
	errorPage  = mustPage("error.html")
)

func mustPage(name string) *template.Template {
	return template.Must(template.New(name).ParseFS(templateFS, "templates/layout.html", "templates/"+name))
}

type indexView struct {
	Files []FileRecord
}

type errorView struct {
	Errors []UploadError
	Stored []UploadedFile
}

// renderPage executes tmpl fully before writing so a template failure
// still produces a clean 500.
func (s *Server) renderPage(w http.ResponseWriter, r *http.Request, tmpl *template.Template, status int, data any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		s.logger.Error("render page", map[string]any{
			"rid":      RequestIDFromContext(r.Context()),
			"template": tmpl.Name(),
		}, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListAll(r.Context())
	if err != nil {
		s.logger.Error("list files", map[string]any{"rid": RequestIDFromContext(r.Context())}, err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	s.renderPage(w, r, indexPage, http.StatusOK, indexView{Files: files})
}

func (s *Server) handleUploadForm(w http.ResponseWriter, r *http.Request) {
	s.renderPage(w, r, uploadPage, http.StatusOK, nil)
}
