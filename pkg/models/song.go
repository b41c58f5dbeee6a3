package models

import "time"

// Song is a catalog entry. ObjectKey addresses the audio bytes in the
// blob store; Checksum is computed once, at upload ingestion.
type Song struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist,omitempty"`
	Album     string    `json:"album,omitempty"`
	Genre     string    `json:"genre,omitempty"`
	Track     int       `json:"track,omitempty"`
	Year      int       `json:"year,omitempty"`
	ObjectKey string    `json:"-"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
