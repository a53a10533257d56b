package index

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/errors"
	"github.com/versesung/coverage-server/internal/scripture"
)

// OpKind is the kind of a single membership mutation.
type OpKind uint8

const (
	OpAdd OpKind = iota + 1
	OpRemove
	OpReclassify
)

func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpReclassify:
		return "reclassify"
	default:
		return "unknown"
	}
}

// Op is one membership mutation. Attrs is the new tuple for adds and
// reclassifications; Old is the previous tuple for reclassifications.
type Op struct {
	Kind  OpKind
	Verse scripture.VerseID
	Work  string
	Attrs domain.Attributes
	Old   domain.Attributes
}

// Batch is a set of mutations applied as one unit, optionally with the work
// snapshot that produced them. DeletedAt stamps the tombstone left for
// DeleteWork.
type Batch struct {
	Ops        []Op
	Work       *domain.Work
	DeleteWork string
	DeletedAt  time.Time
}

// Result describes an applied batch.
type Result struct {
	Added        int                 `json:"added"`
	Removed      int                 `json:"removed"`
	Reclassified int                 `json:"reclassified"`
	Skipped      []scripture.VerseID `json:"skipped,omitempty"`
	Books        []scripture.BookID  `json:"books,omitempty"`
}

// Changed reports whether any membership changed.
func (r Result) Changed() bool {
	return r.Added+r.Removed+r.Reclassified > 0
}

// Apply applies a batch atomically. Every book the batch touches is
// write-locked in ascending order for the duration, the changed records are
// staged on copies, persisted in one commit and only then installed. A
// failed commit discards the copies and returns a consistency error; the
// index is left exactly as it was.
//
// Ops on verses outside the canonical table are skipped and reported in
// Result.Skipped; the rest of the batch still applies.
func (s *Store) Apply(ctx context.Context, b Batch) (Result, error) {
	var res Result
	ops := make([]Op, 0, len(b.Ops))
	touched := make(map[scripture.BookID]struct{})
	for _, op := range b.Ops {
		book, ok := scripture.BookOf(op.Verse)
		if !ok {
			res.Skipped = append(res.Skipped, op.Verse)
			s.logger.LogAttrs(ctx, slog.LevelWarn, "skipping association",
				slog.String("work_id", op.Work),
				slog.String("op", op.Kind.String()),
				slog.Any("error", errors.Referentialf("verse %d is outside the canonical table", op.Verse)),
			)
			continue
		}
		touched[book] = struct{}{}
		ops = append(ops, op)
	}
	if len(ops) == 0 && b.Work == nil && b.DeleteWork == "" {
		return res, nil
	}

	books := slices.Sorted(maps.Keys(touched))
	applied, err := s.applyLocked(ctx, books, ops, b)
	if err != nil {
		return res, err
	}
	applied.Skipped = res.Skipped
	s.notify(ctx, applied.Books)
	return applied, nil
}

func (s *Store) applyLocked(ctx context.Context, books []scripture.BookID, ops []Op, b Batch) (Result, error) {
	for _, book := range books {
		s.shards[book].mu.Lock()
	}
	defer func() {
		for i := len(books) - 1; i >= 0; i-- {
			s.shards[books[i]].mu.Unlock()
		}
	}()

	var res Result
	staged := make(map[scripture.VerseID]*Record)
	changed := make(map[scripture.VerseID]struct{})
	keyCache := make(map[*domain.Attributes][]Key)
	keysOf := func(a *domain.Attributes) []Key {
		if k, ok := keyCache[a]; ok {
			return k
		}
		k := KeysFor(*a)
		keyCache[a] = k
		return k
	}

	for i := range ops {
		op := &ops[i]
		r, ok := staged[op.Verse]
		if !ok {
			r = s.records[op.Verse].Clone()
			staged[op.Verse] = r
		}
		var did bool
		switch op.Kind {
		case OpAdd:
			if did = r.add(op.Work, keysOf(&op.Attrs)); did {
				res.Added++
			}
		case OpRemove:
			if did = r.remove(op.Work); did {
				res.Removed++
			}
		case OpReclassify:
			if did = r.reclassify(op.Work, keysOf(&op.Old), keysOf(&op.Attrs)); did {
				res.Reclassified++
			}
		}
		if did {
			changed[op.Verse] = struct{}{}
		}
	}

	commit := &Commit{
		Records:    make(map[scripture.VerseID]*Record, len(changed)),
		Work:       b.Work,
		DeleteWork: b.DeleteWork,
		DeletedAt:  b.DeletedAt,
	}
	for v := range changed {
		commit.Records[v] = staged[v]
	}
	if len(commit.Records) == 0 && commit.Work == nil && commit.DeleteWork == "" {
		return Result{}, nil
	}

	if err := ctx.Err(); err != nil {
		return Result{}, errors.Consistency(err, "index mutation abandoned")
	}
	if err := s.persister.Commit(ctx, commit); err != nil {
		s.logger.LogAttrs(ctx, slog.LevelError, "index mutation rolled back",
			slog.Int("records", len(commit.Records)),
			slog.String("error", err.Error()),
		)
		return Result{}, errors.Consistency(err, "index mutation rolled back")
	}

	s.install(commit.Records)
	dirty := make(map[scripture.BookID]struct{})
	for v := range commit.Records {
		book, _ := scripture.BookOf(v)
		dirty[book] = struct{}{}
	}
	for book := range dirty {
		s.shards[book].version.Add(1)
		s.shards[book].dirty.Store(true)
	}
	res.Books = slices.Sorted(maps.Keys(dirty))
	return res, nil
}
