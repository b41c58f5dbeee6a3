// Package naming computes canonical device-relative paths for songs
// from a per-device template, falling back to an Artist/Album layout.
package naming

import (
	"fmt"
	"io"
	"strings"
	"text/template"
)

// DefaultTemplate is the Artist/Album naming strategy used when a device
// has no template of its own.
const DefaultTemplate = "{{.Artist}}/{{.Album}}/{{.Title}}{{.Ext}}"

// Metadata is the song metadata a template may reference.
type Metadata struct {
	Title  string
	Artist string
	Album  string
	Genre  string
	Track  int
	Year   int
	// Ext is the file extension including the dot, e.g. ".mp3".
	Ext string
}

var funcs = template.FuncMap{
	// pad zero-pads a track number: {{pad .Track}} -> "03".
	"pad": func(n int) string { return fmt.Sprintf("%02d", n) },
	// lower folds a segment to lower case for case-insensitive targets.
	"lower": strings.ToLower,
}

// Resolver evaluates naming templates into sanitized relative paths.
type Resolver struct {
	defaultTemplate string
}

// NewResolver returns a resolver using defaultTemplate for devices
// without a template of their own; pass "" for the built-in default.
func NewResolver(defaultTemplate string) *Resolver {
	if defaultTemplate == "" {
		defaultTemplate = DefaultTemplate
	}
	return &Resolver{defaultTemplate: defaultTemplate}
}

// Resolve produces the canonical device-relative path for md. tmpl is
// the device's naming template; nil selects the resolver default.
func (r *Resolver) Resolve(tmpl *string, md Metadata) (string, error) {
	text := r.defaultTemplate
	if tmpl != nil && *tmpl != "" {
		text = *tmpl
	}

	t, err := template.New("naming").Funcs(funcs).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing naming template: %w", err)
	}

	var sb strings.Builder
	if err := t.Execute(&sb, fillUnknowns(md)); err != nil {
		return "", fmt.Errorf("evaluating naming template: %w", err)
	}

	path := SanitizePath(sb.String())
	if path == "" {
		return "", fmt.Errorf("naming template %q produced an empty path", text)
	}
	return path, nil
}

// ValidateTemplate checks that text parses and evaluates against song
// metadata. A trial execution catches references to fields Metadata
// does not have, which Parse alone would accept.
func ValidateTemplate(text string) error {
	t, err := template.New("naming").Funcs(funcs).Parse(text)
	if err != nil {
		return fmt.Errorf("parsing naming template: %w", err)
	}
	if err := t.Execute(io.Discard, fillUnknowns(Metadata{Ext: ".mp3"})); err != nil {
		return fmt.Errorf("evaluating naming template: %w", err)
	}
	return nil
}

func fillUnknowns(md Metadata) Metadata {
	if md.Title == "" {
		md.Title = "Untitled"
	}
	if md.Artist == "" {
		md.Artist = "Unknown Artist"
	}
	if md.Album == "" {
		md.Album = "Unknown Album"
	}
	return md
}

// Canonical normalizes a device-submitted path: forward slashes, no
// leading separator, no empty segments.
func Canonical(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	segments := strings.Split(path, "/")
	kept := segments[:0]
	for _, seg := range segments {
		if seg != "" {
			kept = append(kept, seg)
		}
	}
	return strings.Join(kept, "/")
}

// SanitizePath makes a template-produced path filesystem-safe. Each
// /-delimited segment is sanitized independently so legitimate
// directory separators survive.
func SanitizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	segments := strings.Split(path, "/")
	kept := segments[:0]
	for _, seg := range segments {
		seg = sanitizeSegment(seg)
		if seg != "" {
			kept = append(kept, seg)
		}
	}
	return strings.Join(kept, "/")
}

// sanitizeSegment strips characters invalid in file names on common
// targets and trims trailing separators and dots.
func sanitizeSegment(seg string) string {
	var sb strings.Builder
	sb.Grow(len(seg))
	for _, r := range seg {
		switch {
		case r < 0x20 || r == 0x7F:
			// control characters
		case strings.ContainsRune(`<>:"|?*`, r):
		default:
			sb.WriteRune(r)
		}
	}
	return strings.TrimRight(strings.TrimSpace(sb.String()), ". ")
}
