package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelGatesOutput(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(WarnLevel), WithOutput(NewWriterOutput(&buf)))
	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("low-severity entries leaked: %q", out)
	}
	if !strings.Contains(out, "visible") {
		t.Fatalf("warn entry missing: %q", out)
	}
}

func TestWithFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(DebugLevel), WithOutput(NewWriterOutput(&buf)))
	l.With(Component("ingest"), Int("channel", 2)).Info("chunk stored", Uint64("seq", 7))
	out := buf.String()
	for _, want := range []string{"component=ingest", "channel=2", "seq=7", "chunk stored"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}

func TestJSONFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(InfoLevel), WithFormatter(&JSONFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.Info("started", Str("http", ":8080"))
	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if m["msg"] != "started" || m["http"] != ":8080" || m["level"] != "INFO" {
		t.Fatalf("unexpected entry: %v", m)
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel("debug"); err != nil || lvl != DebugLevel {
		t.Fatalf("parse debug: %v %v", lvl, err)
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
