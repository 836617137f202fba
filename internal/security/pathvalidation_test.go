package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWithinDir(t *testing.T) {
	tmp := t.TempDir()
	safe := filepath.Join(tmp, "exports")
	outside := filepath.Join(tmp, "outside")
	for _, d := range []string{safe, outside} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatalf("mkdir %s: %v", d, err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(safe, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"file in dir", filepath.Join(safe, "volume.obj"), false},
		{"missing nested dir", filepath.Join(safe, "a", "b", "volume.obj"), false},
		{"dot dot", filepath.Join(safe, "..", "volume.obj"), true},
		{"sibling", filepath.Join(outside, "volume.obj"), true},
		{"through symlink", filepath.Join(safe, "link", "volume.obj"), true},
		{"dir itself", safe, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WithinDir(tt.path, safe)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WithinDir(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrPathEscape) {
				t.Errorf("expected ErrPathEscape, got %v", err)
			}
		})
	}

	if err := WithinDir(filepath.Join(tmp, "nope", "x"), filepath.Join(tmp, "nope")); err == nil {
		t.Error("expected an error for a missing export directory")
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"default", "default"},
		{"cell 3/left arm", "cell_3_left_arm"},
		{"../../etc/passwd", "etc_passwd"},
		{"  ", "volume"},
		{"", "volume"},
		{"vol.v2-final", "vol.v2-final"},
		{"a///b", "a_b"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := SanitizeName(string(long)); len(got) != maxNameLen {
		t.Errorf("expected names capped at %d, got %d", maxNameLen, len(got))
	}
}

func TestExportPath(t *testing.T) {
	dir := t.TempDir()
	p, err := ExportPath(dir, "cell 3", ".obj")
	if err != nil {
		t.Fatalf("ExportPath: %v", err)
	}
	if filepath.Base(p) != "cell_3.obj" {
		t.Errorf("unexpected file name %q", filepath.Base(p))
	}
	if filepath.Dir(p) != dir {
		t.Errorf("expected %s to live in %s", p, dir)
	}
}
