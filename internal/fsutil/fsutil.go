package fsutil

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// RelDir returns the directory part of a client-supplied relative path
// ("photos/2024/a.jpg" -> "photos/2024"), cleaned like CleanRelPath.
func RelDir(rel string) string {
	rel = CleanRelPath(rel)
	if rel == "" {
		return ""
	}
	d := path.Dir(rel)
	if d == "." {
		return ""
	}
	return d
}

// SanitizeName reduces a client-supplied file name to a single path element.
func SanitizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, 0) {
		return "", errors.New("invalid file name")
	}
	return name, nil
}

// AbsRequestPath turns a wildcard URL tail like "data/photos" into the
// absolute path "/data/photos".
func AbsRequestPath(tail string) string {
	return filepath.FromSlash("/" + CleanRelPath(tail))
}

func SanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func SanitizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimPrefix(p, "../")
	p = strings.ReplaceAll(p, "\x00", "")
	p = strings.Trim(p, "/")
	if p == "." || p == "" {
		return ""
	}
	// Avoid extremely long zip paths.
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}
