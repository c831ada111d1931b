package domain

import (
	"path/filepath"
	"strings"
)

// PhotoEntry is one attachment reference: the local cache path and the URL
// that humans (admins reading an export) can open.
type PhotoEntry struct {
	Local  string
	Public string
}

// PublicPhotoURL derives a public location for a cached file: the CDN base
// plus the file name when a base is configured, the absolute path otherwise.
func PublicPhotoURL(local, cdnBase string) string {
	if cdnBase != "" {
		return strings.TrimRight(cdnBase, "/") + "/" + filepath.Base(local)
	}
	if abs, err := filepath.Abs(local); err == nil {
		return abs
	}
	return local
}

// ParsePhotoEntries decodes "local|public;local|public". Entries without a
// public part get one from PublicPhotoURL. Blank chunks are skipped.
func ParsePhotoEntries(raw, cdnBase string) []PhotoEntry {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []PhotoEntry
	for _, chunk := range strings.Split(raw, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		local, public, ok := strings.Cut(chunk, "|")
		if !ok || public == "" {
			public = PublicPhotoURL(local, cdnBase)
		}
		out = append(out, PhotoEntry{Local: local, Public: public})
	}
	return out
}

// PackPhotoEntries is the inverse of ParsePhotoEntries.
func PackPhotoEntries(entries []PhotoEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Local == "" {
			continue
		}
		parts = append(parts, e.Local+"|"+e.Public)
	}
	return strings.Join(parts, ";")
}

// LocalPaths returns the cache paths of entries in order.
func LocalPaths(entries []PhotoEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Local != "" {
			out = append(out, e.Local)
		}
	}
	return out
}
