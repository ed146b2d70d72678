package encodingmodule

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/events"
)

var (
	// ErrVideoNotFound signals an unknown video id.
	ErrVideoNotFound = errors.New("video not found")

	// ErrJobNotFound signals an unknown (video, quality) job.
	ErrJobNotFound = errors.New("encoding job not found")

	// ErrJobTerminal rejects any write to a completed or failed job.
	// Terminal states are final; a late worker report is a bug signal.
	ErrJobTerminal = errors.New("encoding job is in a terminal state")

	// ErrInvalidTransition rejects a state change the machine does not
	// permit, e.g. starting a job twice or reporting progress while pending.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrDuplicateJob rejects a second job for the same (video, quality).
	ErrDuplicateJob = errors.New("encoding job already exists for this quality")

	// ErrInvalidQuality rejects a quality outside the closed set.
	ErrInvalidQuality = errors.New("invalid quality")
)

// Telemetry is the worker-reported progress snapshot for a running job.
type Telemetry struct {
	Progress               float64 `json:"progress"`
	CurrentFrame           int64   `json:"current_frame"`
	TotalFrames            int64   `json:"total_frames"`
	FPS                    float64 `json:"fps"`
	Bitrate                string  `json:"bitrate"`
	EstimatedTimeRemaining int64   `json:"estimated_time_remaining"`
}

// VideoProgress is the aggregate view across all jobs of a video.
type VideoProgress struct {
	VideoID         string
	Status          database.VideoStatus
	OverallProgress float64
	IsComplete      bool
	Jobs            []database.EncodingJob
}

// JobStore owns the per-(video, quality) encoding job lifecycle. Workers
// report transitions and telemetry; terminal states are enforced with
// status-constrained updates so concurrent reports cannot resurrect a
// finished job.
type JobStore struct {
	db     *gorm.DB
	bus    events.EventBus
	logger hclog.Logger
}

// NewJobStore creates a job store.
func NewJobStore(db *gorm.DB, bus events.EventBus, logger hclog.Logger) *JobStore {
	return &JobStore{
		db:     db,
		bus:    bus,
		logger: logger.Named("job-store"),
	}
}

// QueueJob creates a pending job for an additional quality of a video.
func (s *JobStore) QueueJob(videoID string, quality database.Quality) (*database.EncodingJob, error) {
	jobs, err := s.QueueJobs(videoID, []database.Quality{quality})
	if err != nil {
		return nil, err
	}
	return &jobs[0], nil
}

// QueueJobs creates pending jobs for additional qualities of a video. The
// batch is all-or-nothing: any invalid or duplicate quality rolls back the
// whole request, so a partial failure never leaves strays queued.
func (s *JobStore) QueueJobs(videoID string, qualities []database.Quality) ([]database.EncodingJob, error) {
	if len(qualities) == 0 {
		return nil, ErrInvalidQuality
	}
	seen := make(map[database.Quality]bool, len(qualities))
	for _, quality := range qualities {
		if !quality.Valid() {
			return nil, ErrInvalidQuality
		}
		if seen[quality] {
			return nil, ErrDuplicateJob
		}
		seen[quality] = true
	}

	var jobs []database.EncodingJob
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var video database.Video
		if err := tx.Where("id = ?", videoID).First(&video).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrVideoNotFound
			}
			return fmt.Errorf("failed to look up video: %w", err)
		}

		for _, quality := range qualities {
			var count int64
			if err := tx.Model(&database.EncodingJob{}).
				Where("video_id = ? AND quality = ?", videoID, quality).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check existing job: %w", err)
			}
			if count > 0 {
				return ErrDuplicateJob
			}

			job := database.EncodingJob{
				VideoID:   videoID,
				Quality:   quality,
				Status:    database.JobStatusPending,
				CreatedAt: time.Now(),
			}
			if err := tx.Create(&job).Error; err != nil {
				// The unique index is the authoritative guard under races.
				return ErrDuplicateJob
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		s.publish(events.EventJobQueued, videoID, job.Quality, "Encoding Job Queued", nil)
	}
	return jobs, nil
}

// PendingJobs returns jobs awaiting a worker, oldest first.
func (s *JobStore) PendingJobs(limit int) ([]database.EncodingJob, error) {
	query := s.db.Where("status = ?", database.JobStatusPending).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var jobs []database.EncodingJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return jobs, nil
}

// StartJob transitions pending → processing and records startedAt.
func (s *JobStore) StartJob(videoID string, quality database.Quality) error {
	now := time.Now()
	res := s.db.Model(&database.EncodingJob{}).
		Where("video_id = ? AND quality = ? AND status = ?", videoID, quality, database.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     database.JobStatusProcessing,
			"started_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to start job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.transitionError(videoID, quality)
	}

	if err := s.refreshVideoStatus(videoID); err != nil {
		return err
	}
	s.publish(events.EventJobStarted, videoID, quality, "Encoding Job Started", nil)
	return nil
}

// UpdateProgress writes worker telemetry. Only permitted while processing.
func (s *JobStore) UpdateProgress(videoID string, quality database.Quality, t Telemetry) error {
	progress := math.Min(100, math.Max(0, t.Progress))

	res := s.db.Model(&database.EncodingJob{}).
		Where("video_id = ? AND quality = ? AND status = ?", videoID, quality, database.JobStatusProcessing).
		Updates(map[string]interface{}{
			"progress":                 progress,
			"current_frame":            t.CurrentFrame,
			"total_frames":             t.TotalFrames,
			"fps":                      t.FPS,
			"bitrate":                  t.Bitrate,
			"estimated_time_remaining": t.EstimatedTimeRemaining,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.transitionError(videoID, quality)
	}
	return nil
}

// CompleteJob transitions processing → completed, forcing progress to 100
// and recording the output path.
func (s *JobStore) CompleteJob(videoID string, quality database.Quality, outputPath string) error {
	now := time.Now()
	res := s.db.Model(&database.EncodingJob{}).
		Where("video_id = ? AND quality = ? AND status = ?", videoID, quality, database.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       database.JobStatusCompleted,
			"progress":     100.0,
			"output_path":  outputPath,
			"completed_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.transitionError(videoID, quality)
	}

	if err := s.refreshVideoStatus(videoID); err != nil {
		return err
	}
	s.publish(events.EventJobCompleted, videoID, quality, "Encoding Job Completed",
		map[string]interface{}{"output_path": outputPath})
	return nil
}

// FailJob transitions processing → failed and records the error message.
func (s *JobStore) FailJob(videoID string, quality database.Quality, errorMessage string) error {
	now := time.Now()
	res := s.db.Model(&database.EncodingJob{}).
		Where("video_id = ? AND quality = ? AND status = ?", videoID, quality, database.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":        database.JobStatusFailed,
			"error_message": errorMessage,
			"completed_at":  &now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to fail job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.transitionError(videoID, quality)
	}

	if err := s.refreshVideoStatus(videoID); err != nil {
		return err
	}
	s.publish(events.EventJobFailed, videoID, quality, "Encoding Job Failed",
		map[string]interface{}{"error_message": errorMessage})
	return nil
}

// transitionError inspects the job to explain why a guarded update matched
// no rows.
func (s *JobStore) transitionError(videoID string, quality database.Quality) error {
	var job database.EncodingJob
	err := s.db.Where("video_id = ? AND quality = ?", videoID, quality).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}
	if job.Status.Terminal() {
		s.logger.Warn("rejected write to terminal job",
			"video_id", videoID, "quality", quality, "status", job.Status)
		return ErrJobTerminal
	}
	return ErrInvalidTransition
}

// Progress returns the aggregate progress view for a video.
func (s *JobStore) Progress(videoID string) (*VideoProgress, error) {
	var video database.Video
	if err := s.db.Where("id = ?", videoID).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("failed to look up video: %w", err)
	}

	var jobs []database.EncodingJob
	if err := s.db.Where("video_id = ?", videoID).Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	overall, complete := Aggregate(jobs)
	return &VideoProgress{
		VideoID:         videoID,
		Status:          video.Status,
		OverallProgress: overall,
		IsComplete:      complete,
		Jobs:            jobs,
	}, nil
}

// Aggregate computes the arithmetic-mean progress across jobs, rounded to
// two decimal places, and whether every job has completed.
func Aggregate(jobs []database.EncodingJob) (float64, bool) {
	if len(jobs) == 0 {
		return 0, false
	}
	total := 0.0
	completed := 0
	for _, job := range jobs {
		total += job.Progress
		if job.Status == database.JobStatusCompleted {
			completed++
		}
	}
	overall := math.Round(total/float64(len(jobs))*100) / 100
	return overall, completed == len(jobs)
}

// refreshVideoStatus derives the video's status from its jobs: failed if
// any job failed, completed only when every job completed, processing once
// any job has left pending.
func (s *JobStore) refreshVideoStatus(videoID string) error {
	var jobs []database.EncodingJob
	if err := s.db.Where("video_id = ?", videoID).Find(&jobs).Error; err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	status := database.VideoStatusPending
	anyActive := false
	allCompleted := true
	for _, job := range jobs {
		if job.Status != database.JobStatusPending {
			anyActive = true
		}
		if job.Status != database.JobStatusCompleted {
			allCompleted = false
		}
		if job.Status == database.JobStatusFailed {
			status = database.VideoStatusFailed
		}
	}
	if status != database.VideoStatusFailed {
		switch {
		case allCompleted:
			status = database.VideoStatusCompleted
		case anyActive:
			status = database.VideoStatusProcessing
		}
	}

	updates := map[string]interface{}{"status": status}
	now := time.Now()
	switch status {
	case database.VideoStatusProcessing:
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
	case database.VideoStatusCompleted:
		updates["completed_at"] = &now
	}

	if err := s.db.Model(&database.Video{}).Where("id = ?", videoID).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update video status: %w", err)
	}

	switch status {
	case database.VideoStatusCompleted:
		s.publish(events.EventVideoCompleted, videoID, "", "Video Completed", nil)
	case database.VideoStatusFailed:
		s.publish(events.EventVideoFailed, videoID, "", "Video Failed", nil)
	}
	return nil
}

func (s *JobStore) publish(eventType events.EventType, videoID string, quality database.Quality, title string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := events.NewEvent(eventType, "encodingmodule", title, "")
	if data == nil {
		data = make(map[string]interface{})
	}
	data["video_id"] = videoID
	if quality != "" {
		data["quality"] = quality
	}
	event.Data = data
	s.bus.PublishAsync(event)
}
