package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(base, "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in base", filepath.Join(base, "a.csv"), false},
		{"nested new file", filepath.Join(base, "sub", "new", "b.csv"), false},
		{"dot dot", filepath.Join(base, "..", "c.csv"), true},
		{"symlink out", filepath.Join(base, "escape", "d.csv"), true},
		{"absolute elsewhere", filepath.Join(outside, "e.csv"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, base)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePathWithinDirectory(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPathEscapes) {
				t.Errorf("error %v does not wrap ErrPathEscapes", err)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"mouse_07-day3":  "mouse_07-day3",
		"a b  c":         "a_b_c",
		"../../etc":      "etc",
		"":               "unknown",
		"...":            "unknown",
		"trial#1?.csv":   "trial_1_.csv",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveSinkPath(t *testing.T) {
	base := t.TempDir()
	tests := map[string]string{
		"session1":            "session1.csv",
		"session1.csv":        "session1.csv",
		"../../tmp/evil":      "evil.csv",
		`C:\data\mouse 3`:     "mouse_3.csv",
	}
	for dest, want := range tests {
		got, err := ResolveSinkPath(base, dest, ".csv")
		if err != nil {
			t.Fatalf("ResolveSinkPath(%q) error: %v", dest, err)
		}
		if got != filepath.Join(base, want) {
			t.Errorf("ResolveSinkPath(%q) = %q, want %q", dest, got, filepath.Join(base, want))
		}
	}
}
