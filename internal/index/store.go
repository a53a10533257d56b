// Package index holds the verse membership store: one record per canonical
// verse naming the works that reference it, partitioned by classification
// dimension.
//
// Records live in an arena indexed by verse id. Each book owns a shard with a
// reader/writer lock, a version counter and a dirty flag. Mutations never
// recompute aggregates; they bump the version and mark the book dirty so the
// coverage builder knows what to refresh.
package index

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/scripture"
)

// Commit is the unit handed to a Persister. It is written in one transaction
// or not at all.
type Commit struct {
	// Records to write. An empty record deletes the verse's entry.
	Records map[scripture.VerseID]*Record
	// Work is the snapshot to store alongside the records, if any.
	Work *domain.Work
	// DeleteWork names a snapshot to remove. A tombstone stamped with
	// DeletedAt replaces it so older events cannot bring the work back.
	DeleteWork string
	DeletedAt  time.Time
}

// Persister makes index state durable.
type Persister interface {
	Commit(ctx context.Context, c *Commit) error
	LoadRecords(ctx context.Context, fn func(scripture.VerseID, *Record) error) error
}

// MemoryPersister keeps nothing. Used in tests and for throwaway indexes.
type MemoryPersister struct{}

// Commit implements Persister.
func (MemoryPersister) Commit(context.Context, *Commit) error { return nil }

// LoadRecords implements Persister.
func (MemoryPersister) LoadRecords(context.Context, func(scripture.VerseID, *Record) error) error {
	return nil
}

// MutationHook is called after a mutation is installed, with the books it
// touched in ascending order. Hooks run on the writer's goroutine before the
// mutating call returns.
type MutationHook func(ctx context.Context, books []scripture.BookID)

type shard struct {
	mu      sync.RWMutex
	version atomic.Uint64
	dirty   atomic.Bool
}

// Store is the in-memory verse membership store.
type Store struct {
	records   []*Record
	shards    []shard
	persister Persister
	logger    *slog.Logger

	hooksMu sync.RWMutex
	hooks   []MutationHook
}

// New creates an empty store. A nil persister keeps the index in memory only.
func New(persister Persister, logger *slog.Logger) *Store {
	if persister == nil {
		persister = MemoryPersister{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:   make([]*Record, scripture.VerseCount),
		shards:    make([]shard, scripture.BookCount),
		persister: persister,
		logger:    logger,
	}
}

// OnMutate registers a hook run after every installed mutation.
func (s *Store) OnMutate(h MutationHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, h)
}

func (s *Store) notify(ctx context.Context, books []scripture.BookID) {
	if len(books) == 0 {
		return
	}
	s.hooksMu.RLock()
	hooks := slices.Clone(s.hooks)
	s.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, books)
	}
}

// AddAssociation records that work references verse with attrs.
// Adding an existing association is a no-op.
func (s *Store) AddAssociation(ctx context.Context, verse scripture.VerseID, workID string, attrs domain.Attributes) error {
	return s.applyOne(ctx, Op{Kind: OpAdd, Verse: verse, Work: workID, Attrs: attrs})
}

// RemoveAssociation drops work from every set of verse.
// Removing an absent association is a no-op.
func (s *Store) RemoveAssociation(ctx context.Context, verse scripture.VerseID, workID string) error {
	return s.applyOne(ctx, Op{Kind: OpRemove, Verse: verse, Work: workID})
}

// Reclassify moves work between the sub-sets of verse that differ between
// old and next. All is not touched.
func (s *Store) Reclassify(ctx context.Context, verse scripture.VerseID, workID string, old, next domain.Attributes) error {
	return s.applyOne(ctx, Op{Kind: OpReclassify, Verse: verse, Work: workID, Old: old, Attrs: next})
}

func (s *Store) applyOne(ctx context.Context, op Op) error {
	res, err := s.Apply(ctx, Batch{Ops: []Op{op}})
	if err != nil {
		return err
	}
	if len(res.Skipped) > 0 {
		return errors.Referentialf("verse %d is outside the canonical table", op.Verse)
	}
	return nil
}

// Record returns a copy of the verse's record. Verses nothing references
// yield an empty record.
func (s *Store) Record(verse scripture.VerseID) (*Record, error) {
	book, ok := scripture.BookOf(verse)
	if !ok {
		return nil, errors.Referentialf("verse %d is outside the canonical table", verse)
	}
	sh := &s.shards[book]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return s.records[verse].Clone(), nil
}

// ReadBook calls fn for every referenced verse of book while holding the
// book's read lock, and returns the version the reads observed. Records
// passed to fn must not be modified or retained past the call.
func (s *Store) ReadBook(book scripture.BookID, fn func(scripture.VerseID, *Record)) uint64 {
	b, ok := scripture.BookByID(book)
	if !ok {
		return 0
	}
	sh := &s.shards[book]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for v := b.FirstVerse; v <= b.LastVerse(); v++ {
		if r := s.records[v]; r != nil {
			fn(v, r)
		}
	}
	return sh.version.Load()
}

// Version returns the mutation counter of book.
func (s *Store) Version(book scripture.BookID) uint64 {
	if _, ok := scripture.BookByID(book); !ok {
		return 0
	}
	return s.shards[book].version.Load()
}

// Dirty reports whether book changed since it was last marked clean.
func (s *Store) Dirty(book scripture.BookID) bool {
	if _, ok := scripture.BookByID(book); !ok {
		return false
	}
	return s.shards[book].dirty.Load()
}

// DirtyBooks lists every dirty book in canonical order.
func (s *Store) DirtyBooks() []scripture.BookID {
	var out []scripture.BookID
	for i := range s.shards {
		if s.shards[i].dirty.Load() {
			out = append(out, scripture.BookID(i))
		}
	}
	return out
}

// MarkClean clears the dirty flag of book if it is still at version.
// It reports whether the flag was cleared.
func (s *Store) MarkClean(book scripture.BookID, version uint64) bool {
	if _, ok := scripture.BookByID(book); !ok {
		return false
	}
	sh := &s.shards[book]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.version.Load() != version {
		return false
	}
	sh.dirty.Store(false)
	return true
}

// ReplaceBook swaps every record of book for records, atomically and
// durably. Verses missing from records end up unreferenced. Used by rebuild.
func (s *Store) ReplaceBook(ctx context.Context, book scripture.BookID, records map[scripture.VerseID]*Record) error {
	b, ok := scripture.BookByID(book)
	if !ok {
		return errors.Validationf("unknown book id %d", book)
	}
	for v := range records {
		if !b.Contains(v) {
			return errors.Validationf("verse %d is not in %s", v, b.Name)
		}
	}

	sh := &s.shards[book]
	sh.mu.Lock()
	commit := &Commit{Records: make(map[scripture.VerseID]*Record)}
	for v := b.FirstVerse; v <= b.LastVerse(); v++ {
		next := records[v]
		if next.Empty() && s.records[v].Empty() {
			continue
		}
		if next == nil {
			next = &Record{}
		}
		commit.Records[v] = next
	}
	if err := s.persister.Commit(ctx, commit); err != nil {
		sh.mu.Unlock()
		return errors.Consistency(err, "replace "+b.Name+" rolled back")
	}
	s.install(commit.Records)
	sh.version.Add(1)
	sh.dirty.Store(true)
	sh.mu.Unlock()

	s.notify(ctx, []scripture.BookID{book})
	return nil
}

// install swaps staged records into the arena. Callers hold the write lock
// of every affected book.
func (s *Store) install(records map[scripture.VerseID]*Record) {
	for v, r := range records {
		if r.Empty() {
			s.records[v] = nil
			continue
		}
		s.records[v] = r
	}
}

// Load restores every persisted record. Records violating an invariant are
// repaired, logged as consistency errors and written back. Load must run
// before the store is shared.
func (s *Store) Load(ctx context.Context) (repaired int, err error) {
	repairs := make(map[scripture.VerseID]*Record)
	loaded := 0
	err = s.persister.LoadRecords(ctx, func(v scripture.VerseID, r *Record) error {
		if !scripture.Valid(v) {
			s.logger.Warn("skipping persisted record",
				"error", errors.Referentialf("verse %d is outside the canonical table", v))
			return nil
		}
		if problems := r.Check(); len(problems) > 0 {
			s.logger.Warn("repairing persisted record",
				"verse", v,
				"error", errors.Consistencyf("record violates index invariants"),
				"problems", problems)
			if r.Repair() {
				repairs[v] = r
			}
		}
		if r.Empty() {
			s.records[v] = nil
		} else {
			s.records[v] = r
			loaded++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "load index records")
	}
	if len(repairs) > 0 {
		if err := s.persister.Commit(ctx, &Commit{Records: repairs}); err != nil {
			return 0, errors.Consistency(err, "persist repaired records")
		}
	}
	for i := range s.shards {
		s.shards[i].version.Add(1)
		s.shards[i].dirty.Store(true)
	}
	s.logger.Info("verse index loaded", "verses", loaded, "repaired", len(repairs))
	return len(repairs), nil
}

// Violation is one invariant breach found by CheckInvariants.
type Violation struct {
	Verse   scripture.VerseID `json:"verse"`
	Ref     string            `json:"ref"`
	Problem string            `json:"problem"`
}

// CheckInvariants walks every record, one book at a time under its read lock.
func (s *Store) CheckInvariants() []Violation {
	var out []Violation
	for _, b := range scripture.Books() {
		s.ReadBook(b.ID, func(v scripture.VerseID, r *Record) {
			for _, p := range r.Check() {
				ref := ""
				if verse, err := scripture.Resolve(v); err == nil {
					ref = verse.String()
				}
				out = append(out, Violation{Verse: v, Ref: ref, Problem: p})
			}
		})
	}
	return out
}

// Stats summarises the store.
type Stats struct {
	ReferencedVerses int `json:"referenced_verses"`
	Associations     int `json:"associations"`
	DirtyBooks       int `json:"dirty_books"`
}

// Stats counts referenced verses and verse/work associations.
func (s *Store) Stats() Stats {
	var st Stats
	for _, b := range scripture.Books() {
		s.ReadBook(b.ID, func(_ scripture.VerseID, r *Record) {
			st.ReferencedVerses++
			st.Associations += len(r.All)
		})
	}
	st.DirtyBooks = len(s.DirtyBooks())
	return st
}
