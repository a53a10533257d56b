package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions(t *testing.T) {
	defaults := Options{}
	defaults.setDefaults()

	assert.Equal(t, "*.json", defaults.Pattern)
	assert.Equal(t, 100*time.Millisecond, defaults.SettleDelay)
	assert.True(t, defaults.IgnoreHidden)
	assert.ElementsMatch(t, []string{".DS_Store", "*.tmp", "*.part", "*.swp"}, defaults.IgnorePatterns)

	custom := Options{Pattern: "*.event", SettleDelay: time.Second, IgnorePatterns: []string{}}
	custom.setDefaults()
	assert.Equal(t, "*.event", custom.Pattern)
	assert.Equal(t, time.Second, custom.SettleDelay)
	assert.False(t, custom.IgnoreHidden, "explicit patterns leave hidden files to the caller")
	assert.Empty(t, custom.IgnorePatterns)

	tests := []struct {
		opts   Options
		path   string
		ignore bool
	}{
		{defaults, "/spool/0001-created.json", false},
		{defaults, "/spool/.0001-created.json", true},
		{defaults, "/spool/0001.json.part", true},
		{defaults, "/spool/failed/0001.json.err", true},
		{defaults, "/spool/notes.txt", true},
		{defaults, "/spool/.DS_Store", true},
		{custom, "/spool/.hidden.event", false},
		{custom, "/spool/0001.json", true},
		{Options{Pattern: "*.json", IgnorePatterns: []string{"draft-*"}}, "/spool/draft-1.json", true},
		{Options{Pattern: "[", IgnorePatterns: []string{}}, "/spool/a.json", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.ignore, tt.opts.shouldIgnore(tt.path))
		})
	}
}
