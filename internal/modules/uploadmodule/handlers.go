package uploadmodule

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/events"
	"github.com/hlsvault/hlsvault/internal/httputil"
	"github.com/hlsvault/hlsvault/internal/utils"
)

// uploadVideo handles POST /api/videos: either a whole file in the "video"
// field or one chunk of a chunked session.
func (m *Module) uploadVideo(c *gin.Context) {
	if file, err := c.FormFile("video"); err == nil {
		m.handleWholeUpload(c, file)
		return
	}
	m.handleChunkUpload(c)
}

func (m *Module) handleWholeUpload(c *gin.Context, file *multipart.FileHeader) {
	if file.Size > m.maxUploadSize {
		httputil.Abort(c, httputil.ValidationError("file exceeds maximum upload size"))
		return
	}

	src, err := file.Open()
	if err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}
	defer src.Close()

	videoID, err := m.coordinator.SubmitWhole(file.Filename, src)
	if err != nil {
		m.abortUploadError(c, err)
		return
	}

	httputil.Success(c, gin.H{
		"video_id":        videoID,
		"upload_complete": true,
	})
}

func (m *Module) handleChunkUpload(c *gin.Context) {
	chunk, err := c.FormFile("chunk")
	if err != nil {
		httputil.Abort(c, httputil.ValidationError("No file provided"))
		return
	}

	videoID := strings.TrimSpace(c.PostForm("video_id"))
	originalFilename := c.PostForm("original_filename")
	if videoID == "" || originalFilename == "" {
		httputil.Abort(c, httputil.ValidationError("video_id and original_filename are required"))
		return
	}
	if !utils.IsValidUUID(videoID) {
		httputil.Abort(c, httputil.ValidationError("video_id must be a UUID"))
		return
	}

	chunkIndex, err := strconv.Atoi(c.DefaultPostForm("chunk_index", "0"))
	if err != nil {
		httputil.Abort(c, httputil.ValidationError("chunk_index must be an integer"))
		return
	}
	totalChunks, err := strconv.Atoi(c.DefaultPostForm("total_chunks", "1"))
	if err != nil {
		httputil.Abort(c, httputil.ValidationError("total_chunks must be an integer"))
		return
	}
	if chunk.Size > m.maxUploadSize {
		httputil.Abort(c, httputil.ValidationError("chunk exceeds maximum upload size"))
		return
	}

	src, err := chunk.Open()
	if err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}
	defer src.Close()

	result, err := m.coordinator.SubmitChunk(videoID, chunkIndex, totalChunks, originalFilename, src)
	if err != nil {
		m.abortUploadError(c, err)
		return
	}

	if result.Completed {
		httputil.Success(c, gin.H{
			"video_id":        videoID,
			"upload_complete": true,
		})
		return
	}
	httputil.Success(c, gin.H{
		"video_id":        videoID,
		"chunk_received":  chunkIndex,
		"chunks_total":    result.Total,
		"upload_complete": false,
	})
}

func (m *Module) abortUploadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidExtension):
		httputil.Abort(c, httputil.ValidationError("Invalid file type"))
	case errors.Is(err, ErrTotalMismatch):
		httputil.Abort(c, httputil.ValidationError("total_chunks does not match upload session"))
	case errors.Is(err, ErrBadChunkIndex):
		httputil.Abort(c, httputil.ValidationError("chunk_index out of range"))
	case errors.Is(err, ErrChunkMissing):
		httputil.Abort(c, httputil.ConflictError("upload session incomplete, resubmit missing chunks"))
	default:
		m.logger.Error("upload failed", "error", err)
		httputil.Abort(c, httputil.InternalError(err))
	}
}

// listVideos handles GET /api/videos with status filtering and pagination.
func (m *Module) listVideos(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	query := m.db.Model(&database.Video{})
	if status := c.Query("status"); status != "" {
		switch database.VideoStatus(status) {
		case database.VideoStatusPending, database.VideoStatusProcessing,
			database.VideoStatusCompleted, database.VideoStatusFailed:
			query = query.Where("status = ?", status)
		default:
			httputil.Abort(c, httputil.ValidationError("invalid status filter"))
			return
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	var videos []database.Video
	if err := query.Order("created_at DESC").
		Limit(limit).Offset((page - 1) * limit).
		Find(&videos).Error; err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	formatted := make([]gin.H, 0, len(videos))
	for i := range videos {
		formatted = append(formatted, m.formatVideo(&videos[i]))
	}

	pages := (total + int64(limit) - 1) / int64(limit)
	httputil.Success(c, gin.H{
		"videos": formatted,
		"pagination": gin.H{
			"total": total,
			"page":  page,
			"limit": limit,
			"pages": pages,
		},
	})
}

// getVideo handles GET /api/videos/:id.
func (m *Module) getVideo(c *gin.Context) {
	var video database.Video
	if err := m.db.Where("id = ?", c.Param("id")).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httputil.Abort(c, httputil.NotFoundError("Video not found"))
			return
		}
		httputil.Abort(c, httputil.InternalError(err))
		return
	}
	httputil.Success(c, gin.H{"video": m.formatVideo(&video)})
}

// deleteVideo handles DELETE /api/videos/:id: rows, upload-side artifacts,
// and HLS output all go.
func (m *Module) deleteVideo(c *gin.Context) {
	videoID := c.Param("id")

	var video database.Video
	if err := m.db.Where("id = ?", videoID).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httputil.Abort(c, httputil.NotFoundError("Video not found"))
			return
		}
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	if err := m.coordinator.RemoveArtifacts(videoID); err != nil {
		m.logger.Warn("failed to remove upload artifacts", "video_id", videoID, "error", err)
	}
	if err := m.hlsStore.Delete(videoID); err != nil {
		m.logger.Warn("failed to remove hls output", "video_id", videoID, "error", err)
	}

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("video_id = ?", videoID).Delete(&database.EncodingJob{}).Error; err != nil {
			return err
		}
		return tx.Delete(&video).Error
	})
	if err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	if m.bus != nil {
		event := events.NewEvent(events.EventVideoDeleted, "uploadmodule",
			"Video Deleted", fmt.Sprintf("Video %s removed", videoID))
		event.Data = map[string]interface{}{"video_id": videoID}
		m.bus.PublishAsync(event)
	}

	httputil.Success(c, gin.H{"video_id": videoID})
}

// markerFields are the player marker columns settable via the metadata
// endpoint. Each is independently nullable.
var markerFields = map[string]string{
	"intro_start": "intro_start",
	"intro_end":   "intro_end",
	"outro_start": "outro_start",
	"outro_end":   "outro_end",
}

// updateMetadata handles PATCH /api/videos/:id/metadata. Absent fields are
// untouched; explicit nulls clear the marker.
func (m *Module) updateMetadata(c *gin.Context) {
	videoID := c.Param("id")

	var video database.Video
	if err := m.db.Where("id = ?", videoID).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httputil.Abort(c, httputil.NotFoundError("Video not found"))
			return
		}
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	var body map[string]json.RawMessage
	if err := c.ShouldBindJSON(&body); err != nil {
		httputil.Abort(c, httputil.ValidationError("invalid JSON body"))
		return
	}

	updates := make(map[string]interface{})
	for field, column := range markerFields {
		raw, ok := body[field]
		if !ok {
			continue
		}
		if string(raw) == "null" {
			updates[column] = nil
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil || v < 0 {
			httputil.Abort(c, httputil.ValidationError(field+" must be a non-negative number or null"))
			return
		}
		updates[column] = v
	}

	if len(updates) > 0 {
		if err := m.db.Model(&video).Updates(updates).Error; err != nil {
			httputil.Abort(c, httputil.InternalError(err))
			return
		}
	}

	httputil.Success(c, gin.H{"video_id": videoID})
}

func (m *Module) formatVideo(video *database.Video) gin.H {
	out := gin.H{
		"id":                  video.ID,
		"original_filename":   video.OriginalFilename,
		"status":              video.Status,
		"file_size":           video.FileSize,
		"file_size_formatted": utils.FormatBytes(video.FileSize),
		"intro_start":         video.IntroStart,
		"intro_end":           video.IntroEnd,
		"outro_start":         video.OutroStart,
		"outro_end":           video.OutroEnd,
		"created_at":          video.CreatedAt,
		"completed_at":        video.CompletedAt,
	}
	if video.Duration != nil {
		out["duration"] = *video.Duration
		out["duration_formatted"] = utils.FormatDuration(*video.Duration)
	}
	if video.Status == database.VideoStatusCompleted {
		out["embed_url"] = m.baseURL + "/embed/" + video.ID
	}
	return out
}
