package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestInitAndHelpers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})

	Debug().Str("k", "v").Msg("debug line")
	Info().Msg("info line")
	Logger().Warn().Msg("warn line")

	out := buf.String()
	for _, want := range []string{
		`"level":"debug"`, `"k":"v"`, "debug line",
		`"level":"info"`, "info line",
		`"level":"warn"`, "warn line",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})

	Trace().Msg("too quiet")
	Debug().Msg("too quiet")
	Info().Msg("too quiet")
	Error().Msg("loud enough")

	out := buf.String()
	if strings.Contains(out, "too quiet") {
		t.Errorf("below-threshold events were written:\n%s", out)
	}
	if !strings.Contains(out, "loud enough") {
		t.Errorf("error event missing:\n%s", out)
	}
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "nonsense", Format: "json", Output: &buf})

	Debug().Msg("hidden")
	Info().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected filtering with fallback level:\n%s", out)
	}
}
