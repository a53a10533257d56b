package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultWriter(t *testing.T) {
	logger := New(Config{Level: slog.LevelInfo, Format: "json"})
	assert.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
}

func TestNew_FormatAutoDetection(t *testing.T) {
	tests := []struct {
		name        string
		environment string
		format      string
		wantJSON    bool
	}{
		{name: "production uses json", environment: "production", wantJSON: true},
		{name: "development uses pretty", environment: "development"},
		{name: "staging uses pretty", environment: "staging"},
		{name: "explicit json wins", environment: "development", format: "json", wantJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			New(Config{
				Level:       slog.LevelInfo,
				Environment: tt.environment,
				Format:      tt.format,
				Writer:      &buf,
			}).Info("book refreshed")

			if tt.wantJSON {
				assert.Contains(t, buf.String(), `"msg":"book refreshed"`)
			} else {
				assert.Contains(t, buf.String(), "INF")
				assert.Contains(t, buf.String(), "book refreshed")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DeBuG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "json", Writer: &buf}).Component("engine").Info("event applied")

	assert.Contains(t, buf.String(), `"component":"engine"`)
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "json", Writer: &buf}).
		WithError(errors.New("commit failed")).
		Warn("apply rolled back")

	assert.Contains(t, buf.String(), `"error":"commit failed"`)
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelWarn, Format: "json", Writer: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	assert.NotContains(t, buf.String(), "debug message")
	assert.NotContains(t, buf.String(), "info message")
	assert.Contains(t, buf.String(), "warn message")
	assert.Contains(t, buf.String(), "error message")
}

func TestPrettyHandler_Enabled(t *testing.T) {
	tests := []struct {
		name         string
		handlerLevel slog.Level
		checkLevel   slog.Level
		want         bool
	}{
		{"debug handler allows debug", slog.LevelDebug, slog.LevelDebug, true},
		{"info handler blocks debug", slog.LevelInfo, slog.LevelDebug, false},
		{"info handler allows error", slog.LevelInfo, slog.LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: tt.handlerLevel})
			assert.Equal(t, tt.want, h.Enabled(context.Background(), tt.checkLevel))
		})
	}
}

func TestPrettyHandler_NilOptions(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	require.NotNil(t, h.opts)

	slog.New(h).Info("started")
	assert.Contains(t, buf.String(), "started")
}

func TestPrettyHandler_Attributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil))

	logger.Info("query served",
		"book", "Jude",
		"covered", 2,
		"stale", false,
		"pct", 8.0,
		"filter", "adherence=direct aiMusic=false",
	)

	out := buf.String()
	assert.Contains(t, out, "book=Jude")
	assert.Contains(t, out, "covered=2")
	assert.Contains(t, out, "stale=false")
	assert.Contains(t, out, "pct=8")
	assert.Contains(t, out, `filter="adherence=direct aiMusic=false"`)
}

func TestPrettyHandler_WithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	assert.Same(t, h, h.WithGroup(""))
	assert.Same(t, h, h.WithAttrs(nil))

	logger := slog.New(h).
		With("component", "rebuild").
		WithGroup("run").
		With("id", "r1")
	logger.Info("book done", "book", "Ps", slog.Group("progress", "done", 3, "total", 66))

	out := buf.String()
	assert.Contains(t, out, "component=rebuild")
	assert.Contains(t, out, "run.id=r1")
	assert.Contains(t, out, "run.book=Ps")
	assert.Contains(t, out, "run.progress.done=3")
	assert.Contains(t, out, "run.progress.total=66")
}

func TestPrettyHandler_ErrorAttrIsRed(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil)).Warn("rejected", "error", "bad filter")

	assert.Contains(t, buf.String(), colorRed+"error=")
}

func TestPrettyHandler_WithSource(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{AddSource: true})).Info("here")

	assert.Contains(t, buf.String(), "logger_test.go:")
}

func TestPrettyHandler_TimePrefix(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil)).Info("tick")

	assert.Regexp(t, regexp.MustCompile(`^`+regexp.QuoteMeta(colorDim)+`\d{2}:\d{2}:\d{2}`), buf.String())
}

func TestFormatLevel(t *testing.T) {
	tests := []struct {
		level     slog.Level
		wantStr   string
		wantColor string
	}{
		{slog.LevelDebug, "DBG", colorMagenta},
		{slog.LevelInfo, "INF", colorGreen},
		{slog.LevelWarn, "WRN", colorYellow},
		{slog.LevelError, "ERR", colorRed},
		{slog.LevelError + 4, "ERROR+4", colorGray},
	}

	for _, tt := range tests {
		t.Run(tt.wantStr, func(t *testing.T) {
			str, color := formatLevel(tt.level)
			assert.Equal(t, tt.wantStr, str)
			assert.Equal(t, tt.wantColor, color)
		})
	}
}

func TestFormatValue(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		value slog.Value
		want  string
	}{
		{"string", slog.StringValue("Jude"), "Jude"},
		{"string with space", slog.StringValue("1 John"), `"1 John"`},
		{"empty string", slog.StringValue(""), `""`},
		{"time", slog.TimeValue(now), now.Format(time.RFC3339)},
		{"duration", slog.DurationValue(1500 * time.Millisecond), "1.5s"},
		{"int", slog.IntValue(42), "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.value))
		})
	}
}
