package handler

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
)

//go:embed web
var webFS embed.FS

var indexTmpl = template.Must(template.ParseFS(webFS, "web/index.html"))

// staticFiles serves web/ under /files/
func staticFiles() http.Handler {
	sub, err := fs.Sub(webFS, "web")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

// Index handles GET /
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	name := userFrom(r.Context())
	if name == "" {
		name = "guest"
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, struct{ Name string }{name}); err != nil {
		h.Log.Error().Err(err).Msg("[GET /] ❌ Template error")
	}
}
