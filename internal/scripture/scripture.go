// Package scripture provides the canonical verse table: 66 books in KJV
// versification, their chapter structure, and the dense verse ids the index
// keys every membership record on.
//
// The table is compiled in and immutable. Verse ids are assigned in canonical
// order, Genesis 1:1 = 0 through Revelation 22:21 = 31101, so a contiguous
// passage is always a contiguous id range.
package scripture

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Testament identifies one half of the canon.
type Testament string

const (
	// OldTestament covers Genesis through Malachi.
	OldTestament Testament = "OT"
	// NewTestament covers Matthew through Revelation.
	NewTestament Testament = "NT"
)

// Valid reports whether t is a known testament.
func (t Testament) Valid() bool {
	return t == OldTestament || t == NewTestament
}

// BookID is the zero-based canonical position of a book.
type BookID int

// VerseID is the dense canonical id of a verse.
type VerseID int32

// Canon sizes.
const (
	BookCount    = 66
	ChapterCount = 1189
	VerseCount   = 31102
)

// Lookup errors.
var (
	ErrUnknownBook      = errors.New("unknown book")
	ErrOutOfRange       = errors.New("chapter or verse out of range")
	ErrUnknownVerse     = errors.New("verse id outside canonical range")
	ErrInvalidReference = errors.New("invalid scripture reference")
)

type bookData struct {
	name      string
	testament Testament
	aliases   []string
	chapters  []int
}

// Book describes one canonical book.
type Book struct {
	ID         BookID    `json:"id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	Testament  Testament `json:"testament"`
	Chapters   int       `json:"chapters"`
	Verses     int       `json:"verses"`
	FirstVerse VerseID   `json:"first_verse"`
}

// LastVerse returns the id of the final verse of the book.
func (b Book) LastVerse() VerseID {
	return b.FirstVerse + VerseID(b.Verses) - 1
}

// Contains reports whether id falls inside the book.
func (b Book) Contains(id VerseID) bool {
	return id >= b.FirstVerse && id <= b.LastVerse()
}

// ChapterVerses returns the verse count of a 1-based chapter, or 0 if out of range.
func (b Book) ChapterVerses(chapter int) int {
	if chapter < 1 || chapter > b.Chapters {
		return 0
	}
	return canon[b.ID].chapters[chapter-1]
}

// Verse is one canonical (book, chapter, verse) address.
type Verse struct {
	ID      VerseID `json:"id"`
	Book    BookID  `json:"book"`
	Chapter int     `json:"chapter"`
	Verse   int     `json:"verse"`
}

// String renders the verse as "Book C:V".
func (v Verse) String() string {
	return fmt.Sprintf("%s %d:%d", books[v.Book].Name, v.Chapter, v.Verse)
}

var (
	books        []Book
	chapterStart [][]VerseID
	verseBook    []BookID
	bookIndex    map[string]BookID
)

func init() {
	books = make([]Book, len(canon))
	chapterStart = make([][]VerseID, len(canon))
	verseBook = make([]BookID, 0, VerseCount)
	bookIndex = make(map[string]BookID, len(canon)*5)

	next := VerseID(0)
	for i, bd := range canon {
		id := BookID(i)
		starts := make([]VerseID, len(bd.chapters))
		total := 0
		for c, n := range bd.chapters {
			starts[c] = next + VerseID(total)
			total += n
		}
		books[i] = Book{
			ID:         id,
			Name:       bd.name,
			Slug:       slugify(bd.name),
			Testament:  bd.testament,
			Chapters:   len(bd.chapters),
			Verses:     total,
			FirstVerse: next,
		}
		chapterStart[i] = starts
		for range total {
			verseBook = append(verseBook, id)
		}
		next += VerseID(total)

		bookIndex[normalizeName(bd.name)] = id
		bookIndex[normalizeName(books[i].Slug)] = id
		for _, alias := range bd.aliases {
			bookIndex[normalizeName(alias)] = id
		}
	}

	if int(next) != VerseCount {
		panic(fmt.Sprintf("scripture: canon has %d verses, want %d", next, VerseCount))
	}
}

// Books returns every canonical book in order.
func Books() []Book {
	out := make([]Book, len(books))
	copy(out, books)
	return out
}

// BooksIn returns the books of one testament in canonical order.
func BooksIn(t Testament) []Book {
	var out []Book
	for _, b := range books {
		if b.Testament == t {
			out = append(out, b)
		}
	}
	return out
}

// BookByID returns the book at a canonical position.
func BookByID(id BookID) (Book, bool) {
	if id < 0 || int(id) >= len(books) {
		return Book{}, false
	}
	return books[id], true
}

// LookupBook resolves a book name, slug or common abbreviation.
// Matching ignores case, punctuation, spacing and diacritics.
func LookupBook(name string) (Book, bool) {
	id, ok := bookIndex[normalizeName(name)]
	if !ok {
		return Book{}, false
	}
	return books[id], true
}

// Valid reports whether id is inside the canonical verse universe.
func Valid(id VerseID) bool {
	return id >= 0 && int(id) < len(verseBook)
}

// BookOf returns the book owning a verse id.
func BookOf(id VerseID) (BookID, bool) {
	if !Valid(id) {
		return 0, false
	}
	return verseBook[id], true
}

// Lookup returns the verse id for a 1-based chapter and verse.
func Lookup(book BookID, chapter, verse int) (VerseID, error) {
	b, ok := BookByID(book)
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrUnknownBook, book)
	}
	n := b.ChapterVerses(chapter)
	if n == 0 || verse < 1 || verse > n {
		return 0, fmt.Errorf("%w: %s %d:%d", ErrOutOfRange, b.Name, chapter, verse)
	}
	return chapterStart[book][chapter-1] + VerseID(verse-1), nil
}

// Resolve expands a verse id into its canonical address.
func Resolve(id VerseID) (Verse, error) {
	book, ok := BookOf(id)
	if !ok {
		return Verse{}, fmt.Errorf("%w: %d", ErrUnknownVerse, id)
	}
	starts := chapterStart[book]
	// Last chapter whose start is <= id.
	c := sort.Search(len(starts), func(i int) bool { return starts[i] > id }) - 1
	return Verse{
		ID:      id,
		Book:    book,
		Chapter: c + 1,
		Verse:   int(id-starts[c]) + 1,
	}, nil
}

// TotalVerses returns the verse count of a testament, or of the whole canon
// when t is empty.
func TotalVerses(t Testament) int {
	if t == "" {
		return VerseCount
	}
	total := 0
	for _, b := range books {
		if b.Testament == t {
			total += b.Verses
		}
	}
	return total
}

// normalizeName folds a book name to its lookup key: diacritics stripped,
// case folded, and everything except letters and digits removed.
// Leading ordinals are written as digits.
func normalizeName(s string) string {
	s = norm.NFKD.String(strings.TrimSpace(s))
	// Casers are stateful, so each call gets its own.
	s = cases.Fold().String(s)
	for word, digit := range ordinalWords {
		if strings.HasPrefix(s, word+" ") {
			s = digit + s[len(word)+1:]
			break
		}
	}
	return strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

var ordinalWords = map[string]string{
	"first":  "1",
	"second": "2",
	"third":  "3",
}

// slugify renders a book name as a URL-safe slug ("1 Samuel" -> "1-samuel").
func slugify(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}
