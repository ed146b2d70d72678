package uploadmodule

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/events"
	"github.com/hlsvault/hlsvault/internal/storage"
	"github.com/hlsvault/hlsvault/internal/utils"
)

var (
	// ErrInvalidExtension rejects filenames outside the allowed media set.
	ErrInvalidExtension = errors.New("invalid file type")

	// ErrTotalMismatch rejects a chunk whose declared total disagrees with
	// the total pinned by the session's first chunk.
	ErrTotalMismatch = errors.New("total_chunks does not match upload session")

	// ErrBadChunkIndex rejects an out-of-range chunk index.
	ErrBadChunkIndex = errors.New("chunk_index out of range")

	// ErrChunkMissing signals a merge attempted with a staged chunk absent.
	// Staging is left intact so the client can resubmit the chunk.
	ErrChunkMissing = errors.New("staged chunk missing")
)

const (
	stagingDir   = "temp"
	chunkPrefix  = "chunk_"
	manifestName = "manifest"
)

// sessionManifest pins the totals declared by the first chunk of a session.
type sessionManifest struct {
	TotalChunks      int    `json:"total_chunks"`
	OriginalFilename string `json:"original_filename"`
}

// ChunkResult reports the state of an upload session after a chunk write.
type ChunkResult struct {
	Completed bool
	Received  int
	Total     int
}

// Coordinator assembles chunked and whole-file uploads and registers the
// resulting Video and its initial source-quality encoding job. All file I/O
// goes through the upload Storage; registration is exactly-once per video.
type Coordinator struct {
	db         *gorm.DB
	store      storage.Storage
	bus        events.EventBus
	logger     hclog.Logger
	allowedExt map[string]bool

	finalize singleflight.Group
}

// NewCoordinator creates an upload coordinator.
func NewCoordinator(db *gorm.DB, store storage.Storage, bus events.EventBus, logger hclog.Logger, allowedExtensions []string) *Coordinator {
	allowed := make(map[string]bool, len(allowedExtensions))
	for _, ext := range allowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Coordinator{
		db:         db,
		store:      store,
		bus:        bus,
		logger:     logger.Named("upload-coordinator"),
		allowedExt: allowed,
	}
}

// ValidateFilename checks the extension against the allowed media set.
func (co *Coordinator) ValidateFilename(filename string) error {
	if !co.allowedExt[utils.FileExtension(filename)] {
		return ErrInvalidExtension
	}
	return nil
}

// SubmitWhole stores a complete file and registers the video. Returns the
// generated video ID.
func (co *Coordinator) SubmitWhole(filename string, r io.Reader) (string, error) {
	if err := co.ValidateFilename(filename); err != nil {
		return "", err
	}

	videoID := utils.GenerateUUID()
	finalPath := videoID + "." + utils.FileExtension(filename)

	size, err := co.store.WriteFrom(finalPath, r)
	if err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}

	if err := co.register(videoID, filename, finalPath, size); err != nil {
		return "", err
	}
	return videoID, nil
}

// SubmitChunk persists one chunk of a session and, when the session holds
// every declared chunk, assembles the final file and registers the video.
// Rewriting an already-staged index is idempotent (last write wins), and a
// submission after the session has been finalized is a no-op reporting
// completion.
func (co *Coordinator) SubmitChunk(videoID string, chunkIndex, totalChunks int, originalFilename string, r io.Reader) (*ChunkResult, error) {
	if err := co.ValidateFilename(originalFilename); err != nil {
		return nil, err
	}
	if totalChunks < 1 {
		return nil, ErrTotalMismatch
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return nil, ErrBadChunkIndex
	}

	// Retries after a lost completion response land here.
	var existing database.Video
	err := co.db.Where("id = ?", videoID).First(&existing).Error
	if err == nil {
		return &ChunkResult{Completed: true, Received: totalChunks, Total: totalChunks}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up video: %w", err)
	}

	sessionDir := path.Join(stagingDir, videoID)
	if err := co.pinManifest(sessionDir, totalChunks, originalFilename); err != nil {
		return nil, err
	}

	chunkPath := path.Join(sessionDir, chunkPrefix+strconv.Itoa(chunkIndex))
	if _, err := co.store.WriteFrom(chunkPath, r); err != nil {
		return nil, fmt.Errorf("failed to stage chunk %d: %w", chunkIndex, err)
	}

	received, err := co.countChunks(sessionDir)
	if err != nil {
		return nil, err
	}
	if received < totalChunks {
		return &ChunkResult{Completed: false, Received: received, Total: totalChunks}, nil
	}

	if err := co.finalizeSession(videoID, sessionDir, originalFilename, totalChunks); err != nil {
		return nil, err
	}
	return &ChunkResult{Completed: true, Received: totalChunks, Total: totalChunks}, nil
}

// pinManifest writes the session manifest on first contact and verifies
// agreement on every later chunk. The write is exclusive-create, so two
// concurrent first chunks declaring different totals pin exactly one total
// and the loser is checked against it.
func (co *Coordinator) pinManifest(sessionDir string, totalChunks int, originalFilename string) error {
	manifestPath := path.Join(sessionDir, manifestName)

	data, err := co.store.Read(manifestPath)
	if errors.Is(err, storage.ErrNotFound) {
		m := sessionManifest{TotalChunks: totalChunks, OriginalFilename: originalFilename}
		encoded, merr := json.Marshal(m)
		if merr != nil {
			return merr
		}
		werr := co.store.WriteNew(manifestPath, encoded)
		if werr == nil {
			return nil
		}
		if !errors.Is(werr, storage.ErrExists) {
			return fmt.Errorf("failed to write session manifest: %w", werr)
		}
		// Lost the create race; verify against the winner's pin.
		data, err = co.store.Read(manifestPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read session manifest: %w", err)
	}

	var m sessionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("corrupt session manifest: %w", err)
	}
	if m.TotalChunks != totalChunks {
		return ErrTotalMismatch
	}
	return nil
}

// countChunks counts distinct staged chunk files. Counting files rather
// than keeping a counter keeps duplicates and retries from inflating the
// completion check.
func (co *Coordinator) countChunks(sessionDir string) (int, error) {
	names, err := co.store.List(sessionDir)
	if err != nil {
		return 0, fmt.Errorf("failed to list staging area: %w", err)
	}
	count := 0
	for _, name := range names {
		if strings.HasPrefix(name, chunkPrefix) {
			count++
		}
	}
	return count, nil
}

// finalizeSession merges the staged chunks and registers the video. Guarded
// so concurrent last-chunk submissions produce exactly one Video row and one
// EncodingJob row.
func (co *Coordinator) finalizeSession(videoID, sessionDir, originalFilename string, totalChunks int) error {
	_, err, _ := co.finalize.Do(videoID, func() (interface{}, error) {
		// A racer may have finished while we waited on the flight.
		var existing database.Video
		err := co.db.Where("id = ?", videoID).First(&existing).Error
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to look up video: %w", err)
		}

		finalPath := videoID + "." + utils.FileExtension(originalFilename)
		if err := co.mergeChunks(sessionDir, finalPath, totalChunks); err != nil {
			return nil, err
		}

		size, err := co.store.Size(finalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat assembled file: %w", err)
		}

		if err := co.register(videoID, originalFilename, finalPath, size); err != nil {
			return nil, err
		}

		// Staging is only removed once the assembled file and the rows are
		// durable, so a failed merge can resume from what was received.
		if err := co.store.Delete(sessionDir); err != nil {
			co.logger.Warn("failed to remove staging area", "video_id", videoID, "error", err)
		}
		return nil, nil
	})
	return err
}

// mergeChunks concatenates staged chunks in strict ascending index order.
func (co *Coordinator) mergeChunks(sessionDir, finalPath string, totalChunks int) error {
	for i := 0; i < totalChunks; i++ {
		chunkPath := path.Join(sessionDir, chunkPrefix+strconv.Itoa(i))
		data, err := co.store.Read(chunkPath)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: index %d", ErrChunkMissing, i)
		}
		if err != nil {
			return fmt.Errorf("failed to read chunk %d: %w", i, err)
		}
		if i == 0 {
			err = co.store.Write(finalPath, data)
		} else {
			err = co.store.Append(finalPath, data)
		}
		if err != nil {
			return fmt.Errorf("failed to write assembled file: %w", err)
		}
	}
	return nil
}

// register inserts the Video row and its initial source-quality job in one
// transaction. The primary key makes a duplicate insert fail rather than
// create a second row.
func (co *Coordinator) register(videoID, originalFilename, finalPath string, size int64) error {
	err := co.db.Transaction(func(tx *gorm.DB) error {
		video := database.Video{
			ID:               videoID,
			OriginalFilename: utils.SanitizeFilename(originalFilename),
			OriginalPath:     finalPath,
			FileSize:         size,
			Status:           database.VideoStatusPending,
			CreatedAt:        time.Now(),
		}
		if err := tx.Create(&video).Error; err != nil {
			return err
		}
		job := database.EncodingJob{
			VideoID:   videoID,
			Quality:   database.QualitySource,
			Status:    database.JobStatusPending,
			CreatedAt: time.Now(),
		}
		return tx.Create(&job).Error
	})
	if err != nil {
		return fmt.Errorf("failed to register video: %w", err)
	}

	co.logger.Info("upload registered", "video_id", videoID, "size", size)

	if co.bus != nil {
		event := events.NewEvent(
			events.EventUploadCompleted,
			"uploadmodule",
			"Upload Completed",
			fmt.Sprintf("Video %s assembled (%s)", videoID, utils.FormatBytes(size)),
		)
		event.Data = map[string]interface{}{
			"video_id":  videoID,
			"file_size": size,
			"path":      finalPath,
		}
		co.bus.PublishAsync(event)
	}
	return nil
}

// Artifacts lists every upload-side path belonging to a video, relative to
// the upload root: the staging directory and the assembled source file.
// Delivery-side output is owned by the stream store.
func (co *Coordinator) Artifacts(videoID string) []string {
	paths := []string{path.Join(stagingDir, videoID)}

	var video database.Video
	if err := co.db.Where("id = ?", videoID).First(&video).Error; err == nil {
		paths = append(paths, video.OriginalPath)
	}
	return paths
}

// RemoveArtifacts deletes all upload-side files for a video.
func (co *Coordinator) RemoveArtifacts(videoID string) error {
	var firstErr error
	artifacts := co.Artifacts(videoID)
	sort.Strings(artifacts)
	for _, p := range artifacts {
		if err := co.store.Delete(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
