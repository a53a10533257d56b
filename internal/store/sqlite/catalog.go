// Package sqlite reads the song catalog's SQLite export, the snapshot a full
// coverage rebuild reconstructs the index from.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/scripture"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// CatalogWork is one song as exported, before references are resolved.
type CatalogWork struct {
	Work       domain.Work
	Title      string
	References []string
}

// Catalog provides read access to a song catalog export.
type Catalog struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens the export at path, creating the tables if they are missing.
func Open(path string, logger *slog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Streaming songs and verses side by side needs two connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}

	return &Catalog{db: db, path: path, logger: logger}, nil
}

// Close closes the underlying database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Name identifies the export in rebuild checkpoints.
func (c *Catalog) Name() string {
	return c.path
}

// Count returns the number of songs in the export.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM songs`).Scan(&n)
	return n, err
}

// EachWork streams every song ordered by id, with its references attached.
// Songs and verses are read as two ordered cursors and merged, so memory
// stays flat however large the catalog is.
func (c *Catalog) EachWork(ctx context.Context, fn func(*CatalogWork) error) error {
	songs, err := c.db.QueryContext(ctx, `
		SELECT id, title, lyric_origin, music_origin, continuity, adherence,
			translation, genres, updated_at
		FROM songs ORDER BY id`)
	if err != nil {
		return fmt.Errorf("query songs: %w", err)
	}
	defer songs.Close()

	verses, err := c.db.QueryContext(ctx, `
		SELECT song_id, verse_id, reference
		FROM song_verses ORDER BY song_id, rowid`)
	if err != nil {
		return fmt.Errorf("query song verses: %w", err)
	}
	defer verses.Close()

	var pending *verseRow
	nextVerse := func() (*verseRow, error) {
		if pending != nil {
			r := pending
			pending = nil
			return r, nil
		}
		if !verses.Next() {
			return nil, verses.Err()
		}
		var r verseRow
		if err := verses.Scan(&r.songID, &r.verseID, &r.reference); err != nil {
			return nil, fmt.Errorf("scan song verse: %w", err)
		}
		return &r, nil
	}

	for songs.Next() {
		cw, err := scanSong(songs)
		if err != nil {
			return err
		}
		for {
			r, err := nextVerse()
			if err != nil {
				return err
			}
			if r == nil {
				break
			}
			if r.songID < cw.Work.ID {
				// Orphaned verse row; the foreign key should prevent these.
				continue
			}
			if r.songID > cw.Work.ID {
				pending = r
				break
			}
			if r.verseID.Valid {
				cw.Work.Verses = append(cw.Work.Verses, scripture.VerseID(r.verseID.Int64))
			}
			if r.reference.Valid && r.reference.String != "" {
				cw.References = append(cw.References, r.reference.String)
			}
		}
		if err := fn(cw); err != nil {
			return err
		}
	}
	return songs.Err()
}

type verseRow struct {
	songID    string
	verseID   sql.NullInt64
	reference sql.NullString
}

func scanSong(scanner interface{ Scan(dest ...any) error }) (*CatalogWork, error) {
	var (
		cw                                            CatalogWork
		lyric, music, continuity, adherence, genreRaw string
		updatedAt                                     string
	)
	err := scanner.Scan(
		&cw.Work.ID,
		&cw.Title,
		&lyric,
		&music,
		&continuity,
		&adherence,
		&cw.Work.Attributes.Translation,
		&genreRaw,
		&updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan song: %w", err)
	}

	cw.Work.Attributes.LyricOrigin = domain.Origin(lyric)
	cw.Work.Attributes.MusicOrigin = domain.Origin(music)
	cw.Work.Attributes.Continuity = domain.Continuity(continuity)
	cw.Work.Attributes.Adherence = domain.Adherence(adherence)

	if genreRaw != "" {
		if err := json.Unmarshal([]byte(genreRaw), &cw.Work.Attributes.Genres); err != nil {
			return nil, fmt.Errorf("song %s: decode genres: %w", cw.Work.ID, err)
		}
	}
	cw.Work.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("song %s: parse updated_at: %w", cw.Work.ID, err)
	}
	return &cw, nil
}

// InsertWork writes a song and its references. Used to seed exports.
func (c *Catalog) InsertWork(ctx context.Context, w *domain.Work, title string, refs []string) error {
	genres, err := json.Marshal(w.Attributes.Genres)
	if err != nil {
		return fmt.Errorf("encode genres: %w", err)
	}
	if w.Attributes.Genres == nil {
		genres = []byte("[]")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO songs (id, title, lyric_origin, music_origin, continuity, adherence,
			translation, genres, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			lyric_origin = excluded.lyric_origin,
			music_origin = excluded.music_origin,
			continuity = excluded.continuity,
			adherence = excluded.adherence,
			translation = excluded.translation,
			genres = excluded.genres,
			updated_at = excluded.updated_at`,
		w.ID,
		title,
		string(w.Attributes.LyricOrigin),
		string(w.Attributes.MusicOrigin),
		string(w.Attributes.Continuity),
		string(w.Attributes.Adherence),
		w.Attributes.Translation,
		string(genres),
		formatTime(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert song %s: %w", w.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM song_verses WHERE song_id = ?`, w.ID); err != nil {
		return fmt.Errorf("clear song verses: %w", err)
	}
	for _, v := range w.Verses {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO song_verses (song_id, verse_id) VALUES (?, ?)`, w.ID, int64(v)); err != nil {
			return fmt.Errorf("insert verse %d: %w", v, err)
		}
	}
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO song_verses (song_id, reference) VALUES (?, ?)`, w.ID, ref); err != nil {
			return fmt.Errorf("insert reference %q: %w", ref, err)
		}
	}
	return tx.Commit()
}

// DeleteWork removes a song and its references.
// The foreign key pragma is per connection, so verses are removed explicitly.
func (c *Catalog) DeleteWork(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM song_verses WHERE song_id = ?`, id); err != nil {
		return fmt.Errorf("delete song verses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM songs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete song: %w", err)
	}
	return tx.Commit()
}

// formatTime formats a time.Time to RFC3339Nano for storage.
func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a RFC3339Nano string back to time.Time.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
