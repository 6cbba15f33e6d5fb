package storage

import (
	"path/filepath"
	"regexp"
	"strings"
)

// UploadPolicy restricts uploaded artifact names.
type UploadPolicy struct {
	Extensions map[string]struct{}
}

// NewUploadPolicy builds a policy from extensions without dots.
func NewUploadPolicy(extensions []string) UploadPolicy {
	set := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			set[ext] = struct{}{}
		}
	}
	return UploadPolicy{Extensions: set}
}

// Allowed reports whether filename has an allowed extension.
func (p UploadPolicy) Allowed(filename string) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return false
	}
	_, ok := p.Extensions[ext]
	return ok
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces a client supplied name to a safe base name.
func SecureFilename(filename string) string {
	name := strings.ReplaceAll(filename, "\\", "/")
	name = filepath.Base(name)
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.Trim(name, "._")
	return name
}
