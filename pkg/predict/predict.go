// Package predict pre-fetches the likely next item of a serial.
//
// Streaming serials have tightly correlated sequential access: when
// episode N starts playing, episode N+1 is the most probable next
// request. The predictor parses an episode number out of the filename
// being accessed, looks up the successor title in the catalog, and hands
// it to the cache populator on a session distinct from the live stream.
package predict

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/surfgate/surfgate/internal/logger"
	"github.com/surfgate/surfgate/pkg/cache"
	"github.com/surfgate/surfgate/pkg/catalog"
	"github.com/surfgate/surfgate/pkg/remote"
	"github.com/surfgate/surfgate/pkg/remote/pool"
)

// Filename shapes carrying an episode number, tried in order; the first
// match wins. Each captures (prefix, number, suffix).
var patterns = []*regexp.Regexp{
	// "Title - 04 [1080p]..."
	regexp.MustCompile(`^(.* - )(\d{2,3})( \[.*)$`),
	// "Title--04 720p"
	regexp.MustCompile(`^(.*--)(\d{2,3})(.*)$`),
	// Generic fallback: any space-delimited number.
	regexp.MustCompile(`^(.* )(\d{1,3})( .*)$`),
}

// Predictor resolves successor episodes and schedules their download.
type Predictor struct {
	catalog catalog.Catalog
	pop     *cache.Populator
	pool    *pool.Pool
}

// New creates a predictor.
func New(cat catalog.Catalog, pop *cache.Populator, p *pool.Pool) *Predictor {
	return &Predictor{catalog: cat, pop: pop, pool: p}
}

// Trigger runs one prediction for a live access to currentName in the
// container. session is the session serving the live stream; the
// pre-fetch lands on a different one. It returns true when a download was
// admitted.
//
// Every miss along the way (unparseable name, no successor in the
// catalog, already cached or downloading) is a silent no-op; prediction
// is best effort and must never affect the request that triggered it.
func (p *Predictor) Trigger(ctx context.Context, container, currentName string, session int) bool {
	expr, ok := successorExpr(currentName)
	if !ok {
		return false
	}

	next, err := p.catalog.FindByTitleRegex(ctx, container, expr)
	if errors.Is(err, catalog.ErrNotFound) {
		return false
	}
	if err != nil {
		logger.Debug("predictor catalog lookup failed",
			logger.Container(container),
			logger.Err(err))
		return false
	}

	admitted := p.pop.Enqueue(cache.PopulateRequest{
		Container: container,
		Item:      next.ItemID,
		ContentID: next.ContentID,
		Desc: &remote.TransferDescriptor{
			Size:      next.Size,
			Name:      next.Title,
			ContentID: next.ContentID,
		},
		Session: p.pool.PickOther(session),
	})
	if admitted {
		logger.Info("pre-caching predicted next item",
			logger.Container(container),
			logger.Item(next.ItemID),
			logger.KeyFilename, next.Title)
	}
	return admitted
}

// successorExpr derives the catalog search expression for the episode
// following the one named by name. The episode number keeps its width, so
// "04" advances to "05" and "099" to "100".
func successorExpr(name string) (string, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		next := fmt.Sprintf("%0*d", len(m[2]), n+1)
		return "^" + regexp.QuoteMeta(m[1]+next) + ".*", true
	}
	return "", false
}
