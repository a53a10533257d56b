// Package coverage rolls verse memberships up into per-book, per-testament
// and corpus coverage figures, unfiltered and under a filter.
//
// Each book has a cached aggregate row stamped with the index version it
// was computed at. In eager mode the builder refreshes touched books inside
// the index write path, so rows are current once a write returns. In lazy
// mode writes only mark books dirty; rows are refreshed by a periodic tick
// or on request, and reads in between report which books are stale.
package coverage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/errgroup"

	"github.com/versesung/coverage-server/internal/index"
	"github.com/versesung/coverage-server/internal/metrics"
	"github.com/versesung/coverage-server/internal/scripture"
	"github.com/versesung/coverage-server/internal/sse"
	"github.com/versesung/coverage-server/internal/store"
)

// Mode is the aggregate refresh policy.
type Mode string

const (
	Eager Mode = "eager"
	Lazy  Mode = "lazy"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == Eager || m == Lazy
}

// BookAggregate is the unfiltered coverage of one book as of Version.
type BookAggregate struct {
	Book        scripture.BookID `json:"book"`
	Total       int              `json:"total_verses"`
	Covered     int              `json:"verses_covered"`
	Percentage  float64          `json:"book_percentage"`
	Version     uint64           `json:"version"`
	RefreshedAt time.Time        `json:"refreshed_at"`
}

// Percentage returns covered/total*100, or 0 for an empty total.
func Percentage(covered, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(covered) / float64(total) * 100
}

// Config tunes a Builder.
type Config struct {
	Mode            Mode
	RefreshInterval time.Duration
	Parallelism     int
	MemoEntries     int64
}

// Builder maintains book aggregates over an index.
type Builder struct {
	index   *index.Store
	cfg     Config
	emitter store.EventEmitter
	logger  *slog.Logger
	memo    *ristretto.Cache[string, int]

	rows      []atomic.Pointer[BookAggregate]
	refreshMu sync.Mutex
}

// New creates a builder, computes every row once and, in eager mode,
// subscribes to index mutations.
func New(idx *index.Store, cfg Config, emitter store.EventEmitter, logger *slog.Logger) (*Builder, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown refresh mode %q", cfg.Mode)
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}
	if cfg.MemoEntries <= 0 {
		cfg.MemoEntries = 1 << 16
	}
	if emitter == nil {
		emitter = store.NewNoopEmitter()
	}
	if logger == nil {
		logger = slog.Default()
	}

	memo, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters: cfg.MemoEntries * 10,
		MaxCost:     cfg.MemoEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create filter memo: %w", err)
	}

	b := &Builder{
		index:   idx,
		cfg:     cfg,
		emitter: emitter,
		logger:  logger,
		memo:    memo,
		rows:    make([]atomic.Pointer[BookAggregate], scripture.BookCount),
	}
	for _, book := range scripture.Books() {
		b.refreshBook(book.ID)
	}
	if cfg.Mode == Eager {
		idx.OnMutate(b.onMutate)
	}
	return b, nil
}

// Mode returns the refresh policy.
func (b *Builder) Mode() Mode {
	return b.cfg.Mode
}

// Close releases the filter memo.
func (b *Builder) Close() {
	b.memo.Close()
}

func (b *Builder) onMutate(ctx context.Context, books []scripture.BookID) {
	start := time.Now()
	for _, book := range books {
		b.refreshBook(book)
	}
	metrics.RefreshDuration.WithLabelValues(string(Eager)).Observe(time.Since(start).Seconds())
	b.emitter.Emit(sse.NewBookRefreshedEvent(books, string(Eager)))
}

// Run refreshes dirty books every interval until ctx is canceled. It is a
// no-op in eager mode.
func (b *Builder) Run(ctx context.Context) {
	if b.cfg.Mode != Lazy {
		return
	}
	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.RefreshDirty(ctx)
		}
	}
}

// RefreshDirty recomputes every dirty book and returns them.
func (b *Builder) RefreshDirty(ctx context.Context) []scripture.BookID {
	dirty := b.index.DirtyBooks()
	if len(dirty) == 0 {
		return nil
	}
	start := time.Now()
	for _, book := range dirty {
		if ctx.Err() != nil {
			break
		}
		b.refreshBook(book)
	}
	metrics.RefreshDuration.WithLabelValues(string(Lazy)).Observe(time.Since(start).Seconds())
	b.emitter.Emit(sse.NewBookRefreshedEvent(dirty, string(Lazy)))
	b.logger.Debug("refreshed dirty books", "books", len(dirty), "duration", time.Since(start))
	return dirty
}

// refreshBook recomputes the row of book and clears its dirty flag if no
// write landed meanwhile.
func (b *Builder) refreshBook(book scripture.BookID) *BookAggregate {
	covered, _, version := b.count(book, Filter{})
	row := b.install(book, covered, version)
	b.index.MarkClean(book, version)
	return row
}

// install stores a row computed at version unless a newer one is there.
func (b *Builder) install(book scripture.BookID, covered int, version uint64) *BookAggregate {
	info, _ := scripture.BookByID(book)
	row := &BookAggregate{
		Book:        book,
		Total:       info.Verses,
		Covered:     covered,
		Percentage:  Percentage(covered, info.Verses),
		Version:     version,
		RefreshedAt: time.Now(),
	}

	b.refreshMu.Lock()
	defer b.refreshMu.Unlock()
	if cur := b.rows[book].Load(); cur != nil && cur.Version > version {
		return cur
	}
	b.rows[book].Store(row)
	return row
}

// count walks book once and returns its unfiltered and filtered covered
// counts and the version they were read at.
func (b *Builder) count(book scripture.BookID, f Filter) (covered, filtered int, version uint64) {
	zero := f.IsZero()
	version = b.index.ReadBook(book, func(_ scripture.VerseID, r *index.Record) {
		if r.Empty() {
			return
		}
		covered++
		if !zero && f.Matches(r) {
			filtered++
		}
	})
	if zero {
		filtered = covered
	}
	return covered, filtered, version
}

// Row returns the cached aggregate of book.
func (b *Builder) Row(book scripture.BookID) (*BookAggregate, bool) {
	if _, ok := scripture.BookByID(book); !ok {
		return nil, false
	}
	return b.rows[book].Load(), true
}

// BookView is one book of a coverage report.
type BookView struct {
	Aggregate BookAggregate
	Filtered  int
	Stale     bool
}

// view returns book's row and its filtered count. force refreshes a stale
// row first. A filtered count missing from the memo is computed in the same
// pass as the unfiltered one and that pass becomes the row, so filtered
// never exceeds covered.
func (b *Builder) view(book scripture.BookID, f Filter, force bool) BookView {
	row := b.rows[book].Load()
	if force && row.Version != b.index.Version(book) {
		row = b.refreshBook(book)
	}

	filtered := row.Covered
	if !f.IsZero() {
		key := memoKey(book, f, row.Version)
		if n, ok := b.memo.Get(key); ok {
			metrics.FilterCacheTotal.WithLabelValues("hit").Inc()
			filtered = n
		} else {
			metrics.FilterCacheTotal.WithLabelValues("miss").Inc()
			covered, n, version := b.count(book, f)
			b.memo.Set(memoKey(book, f, version), n, 1)
			filtered = n
			if version != row.Version {
				row = b.install(book, covered, version)
				b.index.MarkClean(book, version)
			}
			if row.Version != version {
				// A newer row raced in; serve the pass's own pair.
				row = &BookAggregate{
					Book:        book,
					Total:       row.Total,
					Covered:     covered,
					Percentage:  Percentage(covered, row.Total),
					Version:     version,
					RefreshedAt: time.Now(),
				}
			}
		}
	}
	return BookView{
		Aggregate: *row,
		Filtered:  filtered,
		Stale:     row.Version != b.index.Version(book),
	}
}

func memoKey(book scripture.BookID, f Filter, version uint64) string {
	return fmt.Sprintf("%d|%d|%s", book, version, f.Key())
}

// Views computes the views of books in parallel. f must be normalized.
func (b *Builder) Views(ctx context.Context, books []scripture.BookID, f Filter, force bool) ([]BookView, error) {
	views := make([]BookView, len(books))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Parallelism)
	for i, book := range books {
		if _, ok := scripture.BookByID(book); !ok {
			return nil, fmt.Errorf("unknown book id %d", book)
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			views[i] = b.view(book, f, force)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stale := 0
	for _, v := range views {
		if v.Stale {
			stale++
		}
	}
	if stale > 0 {
		metrics.StaleReadsTotal.Inc()
	}
	return views, nil
}
