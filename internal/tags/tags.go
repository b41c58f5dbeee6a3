// Package tags is the metadata-codec capability: reading structured
// metadata out of an audio byte stream.
package tags

import (
	"fmt"
	"io"

	"github.com/dhowden/tag"
)

// Metadata is the structured tag set extracted from an audio file.
type Metadata struct {
	Title  string
	Artist string
	Album  string
	Genre  string
	Track  int
	Year   int
}

// Reader extracts metadata from an audio stream. Implementations must
// not assume the stream position afterwards.
type Reader interface {
	Read(r io.ReadSeeker) (Metadata, error)
}

// CodecReader reads ID3v1/ID3v2/MP4/FLAC/OGG tags.
type CodecReader struct{}

// Read extracts tags from the stream.
func (CodecReader) Read(r io.ReadSeeker) (Metadata, error) {
	m, err := tag.ReadFrom(r)
	if err != nil {
		return Metadata{}, fmt.Errorf("reading tags: %w", err)
	}
	track, _ := m.Track()
	return Metadata{
		Title:  m.Title(),
		Artist: m.Artist(),
		Album:  m.Album(),
		Genre:  m.Genre(),
		Track:  track,
		Year:   m.Year(),
	}, nil
}
