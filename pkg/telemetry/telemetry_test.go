package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoggerSinkEmitsOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLoggerSink(zerolog.New(&buf))

	sink.Record(Event{Format: "hl7v2", Template: "ADT_A01", Duration: 5 * time.Millisecond})
	sink.Record(Event{Format: "json", Template: "root", Err: errors.New("boom")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 log lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first["level"] != "info" || first["format"] != "hl7v2" || first["template"] != "ADT_A01" {
		t.Fatalf("unexpected first line %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second line is not JSON: %v", err)
	}
	if second["level"] != "error" || second["error"] != "boom" || second["format"] != "json" {
		t.Fatalf("unexpected second line %v", second)
	}
}
