package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/versesung/coverage-server/internal/domain"
	"github.com/versesung/coverage-server/internal/store/sqlite"
)

// SeedSong is one entry of a seed file.
type SeedSong struct {
	ID         string            `json:"id"`
	Title      string            `json:"title"`
	Attributes domain.Attributes `json:"attributes"`
	References []string          `json:"references"`
}

// SeedResult summarises a seed run.
type SeedResult struct {
	Catalog string `json:"catalog"`
	Songs   int    `json:"songs"`
}

// sampleSongs is written when no seed file is given.
var sampleSongs = []SeedSong{
	{
		ID:    "sample-jude-doxology",
		Title: "Now to Him Who Is Able",
		Attributes: domain.Attributes{
			LyricOrigin: domain.OriginHuman,
			MusicOrigin: domain.OriginHuman,
			Continuity:  domain.Continuous,
			Adherence:   domain.WordForWord,
			Genres:      []string{"Hymn"},
			Translation: "ESV",
		},
		References: []string{"Jude 1:24-25"},
	},
	{
		ID:    "sample-shepherd",
		Title: "The Lord Is My Shepherd",
		Attributes: domain.Attributes{
			LyricOrigin: domain.OriginHuman,
			MusicOrigin: domain.OriginAI,
			Continuity:  domain.Continuous,
			Adherence:   domain.CloseParaphrase,
			Genres:      []string{"Folk"},
			Translation: "KJV",
		},
		References: []string{"Ps 23"},
	},
	{
		ID:    "sample-love",
		Title: "So Loved",
		Attributes: domain.Attributes{
			LyricOrigin: domain.OriginAI,
			MusicOrigin: domain.OriginAI,
			Continuity:  domain.NonContinuous,
			Adherence:   domain.CreativeInspiration,
			Genres:      []string{"Worship", "Pop"},
		},
		References: []string{"John 3:16", "1 John 4:9-10"},
	},
}

// NewSeedCommand creates the seed command.
func NewSeedCommand(rootOpts *RootOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Write songs into a Song Catalog export",
		Long: `Insert or update songs in the catalog export given with --catalog,
creating its tables if needed. Without --file a small sample set is written.

A seed file is a JSON array of {id, title, attributes, references}.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, rootOpts, file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON seed file")

	return cmd
}

func runSeed(cmd *cobra.Command, opts *RootOptions, file string) error {
	ctx := cmd.Context()
	log := opts.logger(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	if cfg.Catalog.SQLitePath == "" {
		return NewExitError(ExitCommandError, "no catalog export configured (use --catalog)")
	}

	songs := sampleSongs
	if file != "" {
		if songs, err = readSeedFile(file); err != nil {
			return WrapExitError(ExitCommandError, "read seed file", err)
		}
	}

	catalog, err := sqlite.Open(cfg.Catalog.SQLitePath, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "open catalog", err)
	}
	defer catalog.Close()

	now := time.Now().UTC()
	for _, s := range songs {
		w := &domain.Work{ID: s.ID, Attributes: s.Attributes, UpdatedAt: now}
		if err := catalog.InsertWork(ctx, w, s.Title, s.References); err != nil {
			return WrapExitError(ExitFailure, "seed "+s.ID, err)
		}
		log.Debug("seeded song", "id", s.ID, "references", s.References)
	}

	result := SeedResult{Catalog: cfg.Catalog.SQLitePath, Songs: len(songs)}
	return opts.formatter(cmd).Emit(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Seeded %d songs into %s\n", result.Songs, result.Catalog)
		return err
	})
}

func readSeedFile(path string) ([]SeedSong, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- Seed file path from user input is expected
	if err != nil {
		return nil, err
	}
	var songs []SeedSong
	if err := json.Unmarshal(data, &songs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, s := range songs {
		if s.ID == "" {
			return nil, fmt.Errorf("song %d has no id", i)
		}
	}
	return songs, nil
}
