package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/cratesync/cratesync/pkg/models"
)

// CreateSong inserts a new catalog entry and fills in its ID.
func (s *Store) CreateSong(song *models.Song) error {
	now := time.Now().UTC()
	song.CreatedAt = now
	song.UpdatedAt = now
	res, err := s.Exec(`
		INSERT INTO songs (title, artist, album, genre, track, year, object_key, size, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, song.Title, song.Artist, song.Album, song.Genre, song.Track, song.Year,
		song.ObjectKey, song.Size, song.Checksum, song.CreatedAt, song.UpdatedAt)
	if err != nil {
		return err
	}
	song.ID, err = res.LastInsertId()
	return err
}

// UpdateSong persists a changed catalog entry.
func (s *Store) UpdateSong(song *models.Song) error {
	song.UpdatedAt = time.Now().UTC()
	res, err := s.Exec(`
		UPDATE songs SET title = ?, artist = ?, album = ?, genre = ?, track = ?,
			year = ?, object_key = ?, size = ?, checksum = ?, updated_at = ?
		WHERE id = ?
	`, song.Title, song.Artist, song.Album, song.Genre, song.Track, song.Year,
		song.ObjectKey, song.Size, song.Checksum, song.UpdatedAt, song.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSong retrieves a song by id.
func (s *Store) GetSong(id int64) (*models.Song, error) {
	return s.scanSong(s.QueryRow(songSelect+` WHERE id = ?`, id))
}

// GetSongByChecksum retrieves a song by its content checksum.
func (s *Store) GetSongByChecksum(checksum string) (*models.Song, error) {
	return s.scanSong(s.QueryRow(songSelect+` WHERE checksum = ?`, checksum))
}

// CountSongs returns the number of catalog entries.
func (s *Store) CountSongs() (int64, error) {
	var n int64
	err := s.QueryRow(`SELECT COUNT(*) FROM songs`).Scan(&n)
	return n, err
}

const songSelect = `
	SELECT id, title, artist, album, genre, track, year, object_key, size, checksum, created_at, updated_at
	FROM songs`

func (s *Store) scanSong(row rowScanner) (*models.Song, error) {
	var song models.Song
	err := row.Scan(&song.ID, &song.Title, &song.Artist, &song.Album, &song.Genre,
		&song.Track, &song.Year, &song.ObjectKey, &song.Size, &song.Checksum,
		&song.CreatedAt, &song.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &song, nil
}
