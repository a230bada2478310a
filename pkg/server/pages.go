package server

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/catalog"
)

// watchTemplate renders a minimal player page around the stream URL. The
// browser's native video element handles range requests and resumption.
var watchTemplate = template.Must(template.New("watch").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body { margin: 0; background: #000; display: flex; align-items: center; justify-content: center; min-height: 100vh; }
    video { max-width: 100%; max-height: 100vh; }
  </style>
</head>
<body>
  <video controls autoplay src="{{.StreamURL}}"></video>
</body>
</html>
`))

type watchPage struct {
	Title     string
	StreamURL string
}

// serveWatch handles GET /watch/{container}: an HTML page embedding the
// stream URL for the requested item.
func (h *streamHandler) serveWatch(w http.ResponseWriter, r *http.Request) {
	container := chi.URLParam(r, "container")

	item, hash, err := itemParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	desc := h.locate(w, r, container, item, hash)
	if desc == nil {
		return
	}

	_, name := describeMedia(desc, item)
	page := watchPage{
		Title: name,
		StreamURL: fmt.Sprintf("/%s/%s?id=%d&hash=%s",
			container, template.URLQueryEscaper(name), item, hash),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := watchTemplate.Execute(w, page); err != nil {
		logger.Debug("watch page render aborted", logger.Err(err))
	}
}

// serveThumb handles GET /api/thumb/{container}.
func (h *streamHandler) serveThumb(thumbs Thumbnailer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if thumbs == nil {
			http.Error(w, "thumbnails not available", http.StatusNotFound)
			return
		}

		container := chi.URLParam(r, "container")
		item, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid item id", http.StatusBadRequest)
			return
		}

		data, mimeType, err := thumbs.Thumb(r.Context(), container, item)
		if err != nil {
			http.Error(w, "thumbnail not found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", mimeType)
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write(data)
	}
}

// serveListing handles GET /api/list/{container}: the catalog's view of a
// container.
func (h *streamHandler) serveListing(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		http.Error(w, "catalog not available", http.StatusNotFound)
		return
	}

	container := chi.URLParam(r, "container")
	entries, err := h.catalog.List(r.Context(), container)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		http.Error(w, "catalog unavailable", http.StatusInternalServerError)
		return
	}

	writeJSON(w, entries)
}
