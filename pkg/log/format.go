package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"time"
)

// TextFormatter renders entries as "ts LEVEL message key=value ...".
type TextFormatter struct{}

func (f *TextFormatter) Format(e *Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(e.Timestamp.Format(time.RFC3339Nano))
	buf.WriteByte(' ')
	buf.WriteString(e.Level.String())
	buf.WriteByte(' ')
	buf.WriteString(e.Message)
	for _, fld := range sortedFields(e.Fields) {
		fmt.Fprintf(&buf, " %s=%v", fld.Key, fld.Value)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(e *Entry) ([]byte, error) {
	m := make(map[string]interface{}, len(e.Fields)+3)
	m["ts"] = e.Timestamp.Format(time.RFC3339Nano)
	m["level"] = e.Level.String()
	m["msg"] = e.Message
	for _, fld := range e.Fields {
		m[fld.Key] = fld.Value
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// ConsoleOutput writes formatted entries to a single writer (stderr by
// default).
type ConsoleOutput struct {
	w io.Writer
}

// NewConsoleOutput returns an output writing to stderr.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{w: os.Stderr} }

// NewWriterOutput returns an output writing to w (tests use a buffer).
func NewWriterOutput(w io.Writer) *ConsoleOutput { return &ConsoleOutput{w: w} }

func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	_, err := o.w.Write(formatted)
	return err
}

// Config is the logging configuration consumed at startup.
type Config struct {
	Level  string
	Format string
}

// ApplyConfig builds a Logger from Config; unknown values fall back to
// info/text.
func ApplyConfig(cfg *Config) (Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil && cfg.Level != "" {
		return nil, err
	}
	var f Formatter = &TextFormatter{}
	if cfg.Format == "json" {
		f = &JSONFormatter{}
	}
	return NewLogger(WithLevel(lvl), WithFormatter(f)), nil
}

// RedirectStdLog routes standard-library log output (Pebble uses it)
// through the provided logger at info level.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(stdLogWriter{l})
}

type stdLogWriter struct{ l Logger }

func (w stdLogWriter) Write(p []byte) (int, error) {
	w.l.Info(string(bytes.TrimRight(p, "\n")), Component("stdlog"))
	return len(p), nil
}
