package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cratesync/cratesync/internal/engine"
	"github.com/cratesync/cratesync/internal/logging"
	"github.com/cratesync/cratesync/pkg/models"
)

// Audio types the host's mime tables commonly lack.
func init() {
	for ext, typ := range map[string]string{
		".mp3":  "audio/mpeg",
		".flac": "audio/flac",
		".ogg":  "audio/ogg",
		".m4a":  "audio/mp4",
		".wav":  "audio/wav",
	} {
		_ = mime.AddExtensionType(ext, typ)
	}
}

type createDeviceRequest struct {
	Name           string  `json:"name" validate:"required,max=128"`
	Owner          string  `json:"owner" validate:"max=128"`
	Icon           string  `json:"icon" validate:"max=64"`
	Color          string  `json:"color" validate:"max=32"`
	NamingTemplate *string `json:"namingTemplate"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := s.decode(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	d, err := s.engine.CreateDevice(req.Name, req.Owner, req.Icon, req.Color, req.NamingTemplate)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.engine.ListDevices()
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	d, err := s.engine.GetDevice(deviceID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type updateDeviceRequest struct {
	Owner          *string `json:"owner" validate:"omitempty,max=128"`
	Icon           *string `json:"icon" validate:"omitempty,max=64"`
	Color          *string `json:"color" validate:"omitempty,max=32"`
	NamingTemplate *string `json:"namingTemplate"`
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	var req updateDeviceRequest
	if err := s.decode(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	d, err := s.engine.UpdateDevice(deviceID, engine.DeviceUpdate{
		Owner:          req.Owner,
		Icon:           req.Icon,
		Color:          req.Color,
		NamingTemplate: req.NamingTemplate,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

type startSyncRequest struct {
	DryRun bool `json:"dryRun"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	req := startSyncRequest{}
	if r.ContentLength > 0 {
		if err := s.decode(r, &req); err != nil {
			respondDecodeError(w, err)
			return
		}
	}
	sess, err := s.engine.StartSync(deviceID, req.DryRun)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

type checkSyncRequest struct {
	Files []models.FileFingerprint `json:"files" validate:"required"`
	Force bool                     `json:"force"`
}

func (s *Server) handleCheckSync(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	var req checkSyncRequest
	if err := s.decode(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	result, err := s.engine.CheckSync(deviceID, req.Files, req.Force)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type recordChunkRequest struct {
	Records []models.SyncRecord `json:"records" validate:"required"`
}

func (s *Server) handleRecordChunk(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	var req recordChunkRequest
	if err := s.decode(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}
	ack, err := s.engine.RecordChunk(deviceID, chi.URLParam(r, "sessionID"), req.Records)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ack)
}

func (s *Server) handleCompleteSync(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	summary, err := s.engine.CompleteSync(deviceID, chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancelSync(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	if err := s.engine.CancelSync(deviceID, chi.URLParam(r, "sessionID")); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		count, err = strconv.Atoi(raw)
		if err != nil {
			respondDecodeError(w, errors.New("count must be an integer"))
			return
		}
	}
	sessions, err := s.engine.ListSessions(deviceID, count)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleListSessionRecords(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	q := r.URL.Query()
	var actions []models.SyncAction
	for _, a := range q["action"] {
		actions = append(actions, models.SyncAction(a))
	}
	var source *models.RecordSource
	if raw := q.Get("source"); raw != "" {
		src := models.RecordSource(raw)
		source = &src
	}
	records, err := s.engine.ListSessionRecords(deviceID, chi.URLParam(r, "sessionID"), actions, source)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// handleUpload ingests one file per request as multipart form data:
// a "file" part plus "path", "modifiedAt", "createdAt" and optional
// "checksum" fields.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondDecodeError(w, errors.New("request is not valid multipart form data"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	filePath := r.FormValue("path")
	if filePath == "" {
		respondDecodeError(w, errors.New("path field is required"))
		return
	}
	modifiedAt, err := parseFormTime(r, "modifiedAt")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	createdAt, err := parseFormTime(r, "createdAt")
	if err != nil {
		respondDecodeError(w, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondDecodeError(w, errors.New("file part is required"))
		return
	}
	defer file.Close()

	result, err := s.engine.UploadFile(r.Context(), deviceID, engine.UploadRequest{
		Path:            filePath,
		ModifiedAt:      modifiedAt,
		CreatedAt:       createdAt,
		Size:            header.Size,
		Content:         file,
		ClaimedChecksum: r.FormValue("checksum"),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func parseFormTime(r *http.Request, field string) (time.Time, error) {
	raw := r.FormValue(field)
	if raw == "" {
		return time.Time{}, errors.New(field + " field is required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New(field + " must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	items, err := s.engine.GetPendingActions(deviceID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

type markPendingRequest struct {
	Action models.PendingAction `json:"action" validate:"required,oneof=download remove"`
}

func (s *Server) handleMarkPending(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	songID, err := pathID(r, "songID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	var req markPendingRequest
	if err := s.decode(r, &req); err != nil {
		respondDecodeError(w, err)
		return
	}

	switch req.Action {
	case models.PendingDownload:
		item, err := s.engine.MarkForDownload(deviceID, songID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, item)
	case models.PendingRemove:
		if err := s.engine.MarkForRemoval(deviceID, songID); err != nil {
			respondError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, models.PendingItem{
			SongID: songID,
			Action: models.PendingRemove,
		})
	}
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	deviceID, err := pathID(r, "deviceID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	songID, err := pathID(r, "songID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	if err := s.engine.AcknowledgeAction(deviceID, songID); err != nil {
		respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleDownloadSong(w http.ResponseWriter, r *http.Request) {
	songID, err := pathID(r, "songID")
	if err != nil {
		respondDecodeError(w, err)
		return
	}
	rc, song, err := s.engine.DownloadSong(r.Context(), songID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	defer rc.Close()

	ext := path.Ext(song.ObjectKey)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if song.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(song.Size, 10))
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": song.Title + ext,
	}))
	if _, err := io.Copy(w, rc); err != nil {
		logging.Error().Err(err).Int64("song", songID).Msg("streaming download")
	}
}
