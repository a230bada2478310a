package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/cache"
	"github.com/surfgate/surfgate/pkg/catalog"
	"github.com/surfgate/surfgate/pkg/predict"
	"github.com/surfgate/surfgate/pkg/remote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/stream"
)

// Deps carries the collaborators the HTTP layer serves with. Remote, Pool
// and Streams are required; the rest are optional and nil-disabled.
type Deps struct {
	Remote  remote.Store
	Pool    *pool.Pool
	Streams *stream.Service

	Cache     *cache.Store
	Populator *cache.Populator
	Predictor *predict.Predictor
	Catalog   catalog.Catalog
	Thumbs    Thumbnailer
	Metrics   Metrics

	// MetricsHandler, when set, is mounted at /metrics.
	MetricsHandler http.Handler
}

// NewRouter builds the chi router with the full middleware stack and all
// routes.
//
// Routes:
//   - GET /health - liveness probe
//   - GET /metrics - Prometheus metrics (when enabled)
//   - GET /watch/{container}?id=&hash= - player page
//   - GET /api/thumb/{container}?id= - thumbnail
//   - GET /api/list/{container} - catalog listing
//   - GET /api/cache/stats - cache and session pool summary
//   - GET /{container}/{name}?id=&hash= - range-capable media stream
//
// There is deliberately no request timeout middleware: a media stream
// legitimately stays open for as long as the client plays it.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	h := &streamHandler{
		remote:    deps.Remote,
		pool:      deps.Pool,
		streams:   deps.Streams,
		cache:     deps.Cache,
		populator: deps.Populator,
		predictor: deps.Predictor,
		catalog:   deps.Catalog,
		metrics:   deps.Metrics,
	}

	r.Get("/health", serveHealth)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Get("/watch/{container}", h.serveWatch)
	r.Get("/api/thumb/{container}", h.serveThumb(deps.Thumbs))
	r.Get("/api/list/{container}", h.serveListing)
	r.Get("/api/cache/stats", h.serveCacheStats)
	r.Get("/{container}/{name}", h.serveStream)

	return r
}

// requestLogger logs request completion through the internal logger. Media
// requests log at debug; with several streams open this fires constantly.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("request completed",
			logger.KeyRequestID, requestID,
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyClientIP, r.RemoteAddr,
			logger.KeyStatus, ww.Status(),
			logger.KeyBytesWritten, ww.BytesWritten(),
			logger.DurationMs(logger.Duration(start)))
	})
}
