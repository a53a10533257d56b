package scripture

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Passage is a resolved, inclusive run of consecutive verses.
type Passage struct {
	Start VerseID `json:"start"`
	End   VerseID `json:"end"`
}

// Verses expands the passage into individual ids.
func (p Passage) Verses() []VerseID {
	out := make([]VerseID, 0, p.End-p.Start+1)
	for id := p.Start; id <= p.End; id++ {
		out = append(out, id)
	}
	return out
}

// String renders the passage as a human readable reference.
func (p Passage) String() string {
	start, err := Resolve(p.Start)
	if err != nil {
		return "?"
	}
	if p.Start == p.End {
		return start.String()
	}
	end, err := Resolve(p.End)
	if err != nil {
		return start.String() + "-?"
	}
	if start.Chapter == end.Chapter {
		return fmt.Sprintf("%s-%d", start, end.Verse)
	}
	return fmt.Sprintf("%s-%d:%d", start, end.Chapter, end.Verse)
}

var (
	// "<book> <locator>" where the locator is optional. The book is matched
	// lazily so numbered books ("1 John 3:16") keep their prefix.
	segmentPattern = regexp.MustCompile(`^\s*(.*?)\s*(\d+(?:\s*[:.]\s*\d+)?(?:\s*[-–—]\s*\d+(?:\s*[:.]\s*\d+)?)?)?\s*$`)
	locatorPattern = regexp.MustCompile(`^\s*(\d+)(?:\s*[:.]\s*(\d+))?(?:\s*[-–—]\s*(\d+)(?:\s*[:.]\s*(\d+))?)?\s*$`)
	hasLetter      = regexp.MustCompile(`\p{L}`)
)

// parseState carries context between comma and semicolon separated parts, so
// "John 3:16, 18; 4:1" continues in John chapter 3, then chapter 4.
type parseState struct {
	book      Book
	haveBook  bool
	chapter   int
	verseMode bool
}

// ParseReference resolves a free-text reference such as "Jude 1:24-25",
// "Ps 23", "1 John 3:16-4:2" or "John 3:16, 18; Rom 8" into passages.
// A bare book name covers the whole book. In single-chapter books a lone
// number is a verse ("Jude 24").
func ParseReference(ref string) ([]Passage, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	var st parseState
	var out []Passage
	for _, segment := range strings.Split(ref, ";") {
		for i, part := range strings.Split(segment, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			// A new semicolon segment resets verse context.
			if i == 0 {
				st.verseMode = false
			}
			p, err := st.parsePart(part)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", strings.TrimSpace(part), err)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// ParseVerses is ParseReference flattened into deduplicated verse ids in
// canonical order.
func ParseVerses(ref string) ([]VerseID, error) {
	passages, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}
	seen := make(map[VerseID]struct{})
	var ids []VerseID
	for _, p := range passages {
		for id := p.Start; id <= p.End; id++ {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (st *parseState) parsePart(part string) (Passage, error) {
	locator := part
	if hasLetter.MatchString(part) {
		m := segmentPattern.FindStringSubmatch(part)
		if m == nil || m[1] == "" {
			return Passage{}, ErrInvalidReference
		}
		book, ok := LookupBook(m[1])
		if !ok {
			return Passage{}, fmt.Errorf("%w: %s", ErrUnknownBook, m[1])
		}
		st.book, st.haveBook = book, true
		st.chapter, st.verseMode = 0, false
		locator = m[2]
		if strings.TrimSpace(locator) == "" {
			return Passage{Start: book.FirstVerse, End: book.LastVerse()}, nil
		}
	}
	if !st.haveBook {
		return Passage{}, fmt.Errorf("%w: missing book", ErrInvalidReference)
	}
	return st.parseLocator(locator)
}

func (st *parseState) parseLocator(locator string) (Passage, error) {
	m := locatorPattern.FindStringSubmatch(locator)
	if m == nil {
		return Passage{}, ErrInvalidReference
	}
	a, b, c, d := atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4])
	book := st.book

	var startC, startV, endC, endV int
	switch {
	case m[2] != "":
		// c:v, c:v-v, c:v-c:v
		startC, startV = a, b
		endC, endV = a, b
		if m[3] != "" {
			if m[4] != "" {
				endC, endV = c, d
			} else {
				endV = c
			}
		}
		st.verseMode = true
	case st.verseMode || book.Chapters == 1:
		// v or v-v within the current (or only) chapter.
		ch := st.chapter
		if book.Chapters == 1 {
			ch = 1
		}
		startC, startV, endC, endV = ch, a, ch, a
		if m[3] != "" {
			if m[4] != "" {
				endC, endV = c, d
			} else {
				endV = c
			}
		}
		st.verseMode = true
	default:
		// c, c-c, c-c:v
		startC, startV = a, 1
		endC = a
		if m[3] != "" {
			endC = c
		}
		if m[4] != "" {
			endV = d
		} else {
			endV = book.ChapterVerses(endC)
		}
	}

	start, err := Lookup(book.ID, startC, startV)
	if err != nil {
		return Passage{}, err
	}
	end, err := Lookup(book.ID, endC, endV)
	if err != nil {
		return Passage{}, err
	}
	if end < start {
		return Passage{}, fmt.Errorf("%w: range ends before it starts", ErrInvalidReference)
	}
	st.chapter = endC
	return Passage{Start: start, End: end}, nil
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

