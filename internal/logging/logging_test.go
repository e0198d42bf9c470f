package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":         slog.LevelInfo,
		"DEBUG":    slog.LevelDebug,
		" warn ":   slog.LevelWarn,
		"critical": slog.LevelError,
		"bogus":    slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestSetOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, Options{Level: "debug", JSON: true})
	t.Cleanup(func() { SetOutput(&bytes.Buffer{}, Options{}) })

	L().Debug("hello", "stream", "users")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
	assert.Contains(t, buf.String(), `"stream":"users"`)
}
