package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		" Debug ": slog.LevelDebug,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFileWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{Dir: dir}
	w := cfg.Writer()
	if w == nil {
		t.Fatalf("expected writer non-nil when Dir is set")
	}
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = w.Close()
	if _, err := os.Stat(filepath.Join(dir, "sentinel.log")); err != nil {
		t.Fatalf("log not created at derived path: %v", err)
	}
}

func TestFileWriter_Defaults(t *testing.T) {
	cfg := FileConfig{}
	if w := cfg.Writer(); w != nil {
		t.Fatalf("expected nil writer when no Dir/Path set")
	}
	cfg = FileConfig{Path: "x"}
	w := cfg.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	_ = w.Close()
}

func TestFileWriter_Overrides(t *testing.T) {
	cfg := FileConfig{Path: "y", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	l := cfg.Writer().(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	_ = l.Close()
}

func TestColorTextHandler_LevelTagAndTime(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, false)
	log := slog.New(h)
	log.Warn("disk low", slog.String("probe", "disk"))
	out := buf.String()
	if !strings.Contains(out, "WARN") {
		t.Fatalf("expected level tag in output, got %q", out)
	}
	if !strings.Contains(out, "probe=disk") {
		t.Fatalf("expected attrs in output, got %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("expected no time attr with showTime=false, got %q", out)
	}

	buf.Reset()
	h = NewColorTextHandler(&buf, nil, true)
	slog.New(h).Info("ok")
	if !strings.Contains(buf.String(), "time=") {
		t.Fatalf("expected time attr with showTime=true, got %q", buf.String())
	}
}
