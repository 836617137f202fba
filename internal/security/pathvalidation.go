// Package security guards the files the fusion node writes on request.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned when a path resolves outside its directory.
var ErrPathEscape = errors.New("path escapes directory")

const maxNameLen = 96

// canonical resolves symlinks on the longest existing prefix of p.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	rest := ""
	for cur := abs; ; cur = filepath.Dir(cur) {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
	}
}

// WithinDir reports ErrPathEscape unless path stays inside dir once both are
// made absolute and symlinks are resolved. dir must exist.
func WithinDir(path, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("export directory: %w", err)
	}
	base, err := canonical(dir)
	if err != nil {
		return err
	}
	target, err := canonical(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, path, dir)
	}
	return nil
}

// SanitizeName turns an identifier such as a volume ID into a file name
// stem: runs of anything other than ASCII letters, digits, dot, dash and
// underscore collapse to one underscore.
func SanitizeName(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range s {
		ok := r == '.' || r == '-' || r == '_' ||
			(r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if !ok {
			pending = b.Len() > 0
			continue
		}
		if pending {
			b.WriteByte('_')
			pending = false
		}
		b.WriteRune(r)
		if b.Len() >= maxNameLen {
			break
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "volume"
	}
	return out
}

// ExportPath builds dir/<sanitized name><ext> and checks it stays in dir.
func ExportPath(dir, name, ext string) (string, error) {
	p := filepath.Join(dir, SanitizeName(name)+ext)
	if err := WithinDir(p, dir); err != nil {
		return "", err
	}
	return p, nil
}
