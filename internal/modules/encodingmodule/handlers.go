package encodingmodule

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/httputil"
)

// getProgress handles GET /api/progress/:videoId, the player poll endpoint.
func (m *Module) getProgress(c *gin.Context) {
	progress, err := m.store.Progress(c.Param("videoId"))
	if err != nil {
		m.abortJobError(c, err)
		return
	}

	jobs := make([]gin.H, 0, len(progress.Jobs))
	for _, job := range progress.Jobs {
		jobs = append(jobs, formatJob(&job))
	}

	httputil.Success(c, gin.H{
		"video_id":         progress.VideoID,
		"status":           progress.Status,
		"overall_progress": progress.OverallProgress,
		"is_complete":      progress.IsComplete,
		"jobs":             jobs,
	})
}

// listPendingJobs handles GET /api/jobs/pending, the worker pickup queue.
func (m *Module) listPendingJobs(c *gin.Context) {
	jobs, err := m.store.PendingJobs(0)
	if err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	formatted := make([]gin.H, 0, len(jobs))
	for _, job := range jobs {
		formatted = append(formatted, formatJob(&job))
	}
	httputil.Success(c, gin.H{"jobs": formatted})
}

// startJob handles POST /api/jobs/:videoId/:quality/start.
func (m *Module) startJob(c *gin.Context) {
	videoID, quality, ok := m.jobParams(c)
	if !ok {
		return
	}
	if err := m.store.StartJob(videoID, quality); err != nil {
		m.abortJobError(c, err)
		return
	}
	httputil.Success(c, gin.H{"video_id": videoID, "quality": quality})
}

// updateProgress handles POST /api/jobs/:videoId/:quality/progress.
func (m *Module) updateProgress(c *gin.Context) {
	videoID, quality, ok := m.jobParams(c)
	if !ok {
		return
	}

	var telemetry Telemetry
	if err := c.ShouldBindJSON(&telemetry); err != nil {
		httputil.Abort(c, httputil.ValidationError("invalid telemetry body"))
		return
	}

	if err := m.store.UpdateProgress(videoID, quality, telemetry); err != nil {
		m.abortJobError(c, err)
		return
	}
	httputil.Success(c, gin.H{"video_id": videoID, "quality": quality})
}

// completeJob handles POST /api/jobs/:videoId/:quality/complete.
func (m *Module) completeJob(c *gin.Context) {
	videoID, quality, ok := m.jobParams(c)
	if !ok {
		return
	}

	var body struct {
		OutputPath string `json:"output_path"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httputil.Abort(c, httputil.ValidationError("invalid completion body"))
		return
	}
	if body.OutputPath == "" {
		httputil.Abort(c, httputil.ValidationError("output_path is required"))
		return
	}

	if err := m.store.CompleteJob(videoID, quality, body.OutputPath); err != nil {
		m.abortJobError(c, err)
		return
	}
	httputil.Success(c, gin.H{"video_id": videoID, "quality": quality})
}

// failJob handles POST /api/jobs/:videoId/:quality/fail.
func (m *Module) failJob(c *gin.Context) {
	videoID, quality, ok := m.jobParams(c)
	if !ok {
		return
	}

	var body struct {
		ErrorMessage string `json:"error_message"`
		Error        string `json:"error"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httputil.Abort(c, httputil.ValidationError("invalid failure body"))
		return
	}
	message := body.ErrorMessage
	if message == "" {
		message = body.Error
	}
	if message == "" {
		message = "encoding failed"
	}

	if err := m.store.FailJob(videoID, quality, message); err != nil {
		m.abortJobError(c, err)
		return
	}
	httputil.Success(c, gin.H{"video_id": videoID, "quality": quality})
}

// queueJobs handles POST /api/videos/:id/jobs, queuing extra qualities.
func (m *Module) queueJobs(c *gin.Context) {
	videoID := c.Param("id")

	var body struct {
		Quality   string   `json:"quality"`
		Qualities []string `json:"qualities"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		httputil.Abort(c, httputil.ValidationError("invalid request body"))
		return
	}
	if body.Quality != "" {
		body.Qualities = append(body.Qualities, body.Quality)
	}
	if len(body.Qualities) == 0 {
		httputil.Abort(c, httputil.ValidationError("quality is required"))
		return
	}

	qualities := make([]database.Quality, 0, len(body.Qualities))
	for _, q := range body.Qualities {
		qualities = append(qualities, database.Quality(q))
	}

	jobs, err := m.store.QueueJobs(videoID, qualities)
	if err != nil {
		m.abortJobError(c, err)
		return
	}

	queued := make([]gin.H, 0, len(jobs))
	for i := range jobs {
		queued = append(queued, formatJob(&jobs[i]))
	}
	httputil.Success(c, gin.H{"video_id": videoID, "jobs": queued})
}

func (m *Module) jobParams(c *gin.Context) (string, database.Quality, bool) {
	videoID := c.Param("videoId")
	quality := database.Quality(c.Param("quality"))
	if !quality.Valid() {
		httputil.Abort(c, httputil.ValidationError("invalid quality"))
		return "", "", false
	}
	return videoID, quality, true
}

func (m *Module) abortJobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrVideoNotFound):
		httputil.Abort(c, httputil.NotFoundError("Video not found"))
	case errors.Is(err, ErrJobNotFound):
		httputil.Abort(c, httputil.NotFoundError("Encoding job not found"))
	case errors.Is(err, ErrJobTerminal):
		httputil.Abort(c, httputil.ConflictError("job already finished"))
	case errors.Is(err, ErrInvalidTransition):
		httputil.Abort(c, httputil.ConflictError("job is not in the required state"))
	case errors.Is(err, ErrDuplicateJob):
		httputil.Abort(c, httputil.ConflictError("job already exists for this quality"))
	case errors.Is(err, ErrInvalidQuality):
		httputil.Abort(c, httputil.ValidationError("invalid quality"))
	default:
		m.logger.Error("job operation failed", "error", err)
		httputil.Abort(c, httputil.InternalError(err))
	}
}

func formatJob(job *database.EncodingJob) gin.H {
	out := gin.H{
		"video_id":                 job.VideoID,
		"quality":                  job.Quality,
		"status":                   job.Status,
		"progress":                 job.Progress,
		"current_frame":            job.CurrentFrame,
		"total_frames":             job.TotalFrames,
		"fps":                      job.FPS,
		"bitrate":                  job.Bitrate,
		"estimated_time_remaining": job.EstimatedTimeRemaining,
		"error_message":            job.ErrorMessage,
		"created_at":               job.CreatedAt,
	}
	if job.StartedAt != nil {
		out["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		out["completed_at"] = job.CompletedAt
	}
	if job.OutputPath != "" {
		out["output_path"] = job.OutputPath
	}
	return out
}
