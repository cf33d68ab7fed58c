package controlpanel

import (
	_ "embed"
	"html/template"
	"net/http"
)

//go:embed index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := indexTemplate.Execute(w, struct {
		Title   string
		Favicon string
	}{s.config.Title, s.config.Favicon})
	if err != nil {
		s.logger.Error("Failed to render index", "error", err)
	}
}
