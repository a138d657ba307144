package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

// FuzzLoadTOML feeds random-ish fields into a tiny TOML and ensures the
// loader does not panic and handles constraints reasonably.
func FuzzLoadTOML(f *testing.F) {
	f.Add("router", 8751, "/health", 9000, 9010)
	f.Add("", 0, "", -1, 70000)

	f.Fuzz(func(t *testing.T, name string, port int, path string, start int, end int) {
		name = strings.ReplaceAll(strings.TrimSpace(name), "\"", "")
		path = strings.ReplaceAll(strings.TrimSpace(path), "\"", "")
		b := strings.Builder{}
		b.WriteString("[ports]\nstart = ")
		b.WriteString(strconv.Itoa(start))
		b.WriteString("\nend = ")
		b.WriteString(strconv.Itoa(end))
		b.WriteString("\n")
		if name != "" {
			b.WriteString("[[services]]\nname = \"")
			b.WriteString(name)
			b.WriteString("\"\nport = ")
			b.WriteString(strconv.Itoa(port))
			b.WriteString("\npath = \"")
			b.WriteString(path)
			b.WriteString("\"\n")
		}
		file := filepath.Join(t.TempDir(), "fuzz.toml")
		if err := os.WriteFile(file, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		_, _ = Load(file) // must not panic
	})
}
