package database

import (
	"time"
)

// VideoStatus represents the lifecycle status of a video
type VideoStatus string

const (
	VideoStatusPending    VideoStatus = "pending"
	VideoStatusProcessing VideoStatus = "processing"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// JobStatus represents the status of an encoding job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Quality represents an encoding output quality
type Quality string

const (
	Quality360p   Quality = "360p"
	Quality720p   Quality = "720p"
	Quality1080p  Quality = "1080p"
	QualitySource Quality = "source"
)

// Valid reports whether q is one of the closed set of qualities.
func (q Quality) Valid() bool {
	switch q {
	case Quality360p, Quality720p, Quality1080p, QualitySource:
		return true
	}
	return false
}

// Video represents an ingested upload and its transcode lifecycle
type Video struct {
	ID               string      `json:"id" gorm:"primaryKey;type:varchar(64)"`
	OriginalFilename string      `json:"original_filename" gorm:"not null"`
	OriginalPath     string      `json:"original_path" gorm:"not null"`
	FileSize         int64       `json:"file_size" gorm:"not null"`
	Duration         *float64    `json:"duration"`
	Status           VideoStatus `json:"status" gorm:"type:varchar(32);not null;index;default:pending"`

	// Player markers, seconds from start; independently nullable
	IntroStart *float64 `json:"intro_start"`
	IntroEnd   *float64 `json:"intro_end"`
	OutroStart *float64 `json:"outro_start"`
	OutroEnd   *float64 `json:"outro_end"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Jobs []EncodingJob `json:"jobs,omitempty" gorm:"foreignKey:VideoID;constraint:OnDelete:CASCADE"`
}

// TableName returns the table name for GORM
func (Video) TableName() string {
	return "videos"
}

// EncodingJob tracks one quality rendition of a video. At most one row may
// exist per (video, quality).
type EncodingJob struct {
	ID      uint      `json:"id" gorm:"primaryKey"`
	VideoID string    `json:"video_id" gorm:"type:varchar(64);not null;index;uniqueIndex:idx_video_quality"`
	Quality Quality   `json:"quality" gorm:"type:varchar(16);not null;uniqueIndex:idx_video_quality"`
	Status  JobStatus `json:"status" gorm:"type:varchar(32);not null;index;default:pending"`

	// Worker-reported telemetry, writable only while processing
	Progress               float64 `json:"progress" gorm:"default:0"`
	CurrentFrame           int64   `json:"current_frame" gorm:"default:0"`
	TotalFrames            int64   `json:"total_frames" gorm:"default:0"`
	FPS                    float64 `json:"fps" gorm:"default:0"`
	Bitrate                string  `json:"bitrate"`
	EstimatedTimeRemaining int64   `json:"estimated_time_remaining" gorm:"default:0"`

	OutputPath   string `json:"output_path"`
	ErrorMessage string `json:"error_message"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// TableName returns the table name for GORM
func (EncodingJob) TableName() string {
	return "encoding_jobs"
}
