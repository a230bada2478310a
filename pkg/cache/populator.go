package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/remote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
	"github.com/surfgate/surfgate/pkg/stream"
)

// Population outcomes reported to metrics.
const (
	ResultCommitted = "committed"
	ResultShortRead = "short_read"
	ResultFailed    = "failed"
	ResultCanceled  = "canceled"
)

// completenessTolerance accepts a download once it reached this fraction
// of the advertised size. The remote store's size reports occasionally
// disagree slightly with the delivered byte count; insisting on exact
// equality would retry such items forever.
const completenessTolerance = 0.99

// PopulatorMetrics counts population outcomes. A nil value disables
// reporting.
type PopulatorMetrics interface {
	ObservePopulation(result string)
}

// PopulateRequest asks for an item to be downloaded into the cache.
type PopulateRequest struct {
	Container string
	Item      int64
	ContentID string

	// Desc is the descriptor the caller already holds. The worker still
	// re-locates before downloading, since handles expire.
	Desc *remote.TransferDescriptor

	// Session is the preferred session for the download.
	Session int
}

// Populator downloads whole items into the cache in the background,
// collapsing concurrent requests for the same key into one download.
type Populator struct {
	store   *Store
	remote  remote.Store
	pool    *pool.Pool
	streams *stream.Service
	metrics PopulatorMetrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// mu guards downloading; check-and-insert during admission is atomic.
	mu          sync.Mutex
	downloading map[string]struct{}
}

// NewPopulator creates a populator. Downloads outlive the requests that
// trigger them; they stop when Shutdown is called.
func NewPopulator(store *Store, rem remote.Store, p *pool.Pool, streams *stream.Service, m PopulatorMetrics) *Populator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Populator{
		store:       store,
		remote:      rem,
		pool:        p,
		streams:     streams,
		metrics:     m,
		baseCtx:     ctx,
		cancel:      cancel,
		downloading: make(map[string]struct{}),
	}
}

// Enqueue admits a population request. It returns true when a new download
// task was started, false when the request was dropped because the key is
// already downloading, already cached, or not cacheable media.
func (p *Populator) Enqueue(req PopulateRequest) bool {
	key := Key(req.Container, req.Item, req.ContentID)

	p.mu.Lock()
	if _, busy := p.downloading[key]; busy {
		p.mu.Unlock()
		return false
	}
	if _, err := p.store.Lookup(p.baseCtx, key); err == nil {
		p.mu.Unlock()
		return false
	}
	if !Cacheable(req.Desc.MIME, req.Desc.Name) {
		p.mu.Unlock()
		return false
	}
	p.downloading[key] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(key, req)
	return true
}

// Downloading reports whether key currently has a download in flight.
func (p *Populator) Downloading(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, busy := p.downloading[key]
	return busy
}

// Shutdown cancels in-flight downloads and waits for their cleanup.
func (p *Populator) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// Wait blocks until all current downloads finished. Test helper.
func (p *Populator) Wait() {
	p.wg.Wait()
}

func (p *Populator) run(key string, req PopulateRequest) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.downloading, key)
		p.mu.Unlock()
	}()

	task := uuid.NewString()[:8]
	start := time.Now()
	log := logger.With(
		logger.KeyTask, task,
		logger.KeyCacheKey, key)

	session := req.Session
	var lastErr error

	for attempt := 0; attempt < p.pool.Len(); attempt++ {
		if p.baseCtx.Err() != nil {
			p.observe(ResultCanceled)
			return
		}

		err := p.download(key, req, session, log)
		if err == nil {
			log.Info("cache population finished",
				logger.KeySize, req.Desc.Size,
				logger.DurationMs(float64(time.Since(start).Milliseconds())))
			p.observe(ResultCommitted)
			return
		}
		if p.baseCtx.Err() != nil {
			p.observe(ResultCanceled)
			return
		}
		if errors.Is(err, errShortRead) {
			// The remote delivered materially less than it advertised;
			// retrying the same item tends to repeat the short read.
			p.observe(ResultShortRead)
			return
		}
		if !remote.IsRetryable(err) {
			log.Warn("cache population failed", logger.Err(err))
			p.observe(ResultFailed)
			return
		}

		lastErr = err
		session = p.pool.PickOther(session)
		log.Debug("rotating population session",
			logger.Session(session),
			logger.KeyAttempt, attempt+1,
			logger.Err(err))
	}

	log.Warn("cache population exhausted all sessions", logger.Err(lastErr))
	p.observe(ResultFailed)
}

// download performs one attempt on one session: fresh locate, space
// reservation, full streamed copy, completeness check, commit.
func (p *Populator) download(key string, req PopulateRequest, session int, log *slog.Logger) error {
	desc, err := p.remote.Locate(p.baseCtx, req.Container, req.Item)
	if err != nil {
		return err
	}

	if err := p.store.Reserve(p.baseCtx, desc.Size); err != nil {
		return err
	}

	finalPath := p.store.Path(key, Extension(desc.Name, desc.MIME))
	partial, err := p.store.CreatePartial(finalPath)
	if err != nil {
		return err
	}

	var lastLogged int64
	written, err := p.streams.CopyFull(p.baseCtx, session, desc, partial, func(w int64) {
		// Progress at 10% steps; purely informational.
		step := desc.Size / 10
		if step > 0 && w-lastLogged >= step {
			lastLogged = w
			log.Debug("population progress",
				logger.Session(session),
				logger.KeyBytesWritten, w,
				logger.KeySize, desc.Size)
		}
	})
	if err != nil {
		partial.Abort()
		return err
	}

	if float64(written) < float64(desc.Size)*completenessTolerance {
		partial.Abort()
		log.Warn("population short read, discarding",
			logger.KeyBytesWritten, written,
			logger.KeySize, desc.Size)
		return errShortRead
	}

	if err := partial.Promote(); err != nil {
		partial.Abort()
		return err
	}
	return p.store.Commit(p.baseCtx, key, finalPath, written, desc.MIME, desc.Name)
}

func (p *Populator) observe(result string) {
	if p.metrics != nil {
		p.metrics.ObservePopulation(result)
	}
}

var errShortRead = errors.New("cache: short download")
