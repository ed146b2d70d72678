package encodingmodule

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/database"
)

func newTestStore(t *testing.T) (*JobStore, *gorm.DB) {
	t.Helper()
	db, err := database.ConnectTest()
	require.NoError(t, err)
	return NewJobStore(db, nil, hclog.NewNullLogger()), db
}

func seedVideo(t *testing.T, db *gorm.DB, id string, qualities ...database.Quality) {
	t.Helper()
	require.NoError(t, db.Create(&database.Video{
		ID:               id,
		OriginalFilename: id + ".mp4",
		OriginalPath:     id + ".mp4",
		Status:           database.VideoStatusPending,
	}).Error)
	for _, q := range qualities {
		require.NoError(t, db.Create(&database.EncodingJob{
			VideoID: id,
			Quality: q,
			Status:  database.JobStatusPending,
		}).Error)
	}
}

func jobStatus(t *testing.T, db *gorm.DB, videoID string, quality database.Quality) database.EncodingJob {
	t.Helper()
	var job database.EncodingJob
	require.NoError(t, db.Where("video_id = ? AND quality = ?", videoID, quality).
		First(&job).Error)
	return job
}

func TestJobLifecycle(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)

	require.NoError(t, store.StartJob("vid-1", database.QualitySource))
	job := jobStatus(t, db, "vid-1", database.QualitySource)
	assert.Equal(t, database.JobStatusProcessing, job.Status)
	assert.NotNil(t, job.StartedAt)

	require.NoError(t, store.UpdateProgress("vid-1", database.QualitySource, Telemetry{
		Progress:     42.5,
		CurrentFrame: 1020,
		TotalFrames:  2400,
		FPS:          31.2,
		Bitrate:      "2400kbps",
	}))
	job = jobStatus(t, db, "vid-1", database.QualitySource)
	assert.Equal(t, 42.5, job.Progress)
	assert.Equal(t, int64(1020), job.CurrentFrame)

	require.NoError(t, store.CompleteJob("vid-1", database.QualitySource, "vid-1/video.m3u8"))
	job = jobStatus(t, db, "vid-1", database.QualitySource)
	assert.Equal(t, database.JobStatusCompleted, job.Status)
	assert.Equal(t, 100.0, job.Progress)
	assert.Equal(t, "vid-1/video.m3u8", job.OutputPath)
	assert.NotNil(t, job.CompletedAt)
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)

	require.NoError(t, store.StartJob("vid-1", database.QualitySource))
	require.NoError(t, store.CompleteJob("vid-1", database.QualitySource, "out"))

	// Every late worker report bounces off the terminal state.
	assert.ErrorIs(t, store.StartJob("vid-1", database.QualitySource), ErrJobTerminal)
	assert.ErrorIs(t, store.UpdateProgress("vid-1", database.QualitySource, Telemetry{Progress: 10}), ErrJobTerminal)
	assert.ErrorIs(t, store.FailJob("vid-1", database.QualitySource, "boom"), ErrJobTerminal)
	assert.ErrorIs(t, store.CompleteJob("vid-1", database.QualitySource, "other"), ErrJobTerminal)

	job := jobStatus(t, db, "vid-1", database.QualitySource)
	assert.Equal(t, database.JobStatusCompleted, job.Status)
	assert.Equal(t, "out", job.OutputPath)
	assert.Equal(t, 100.0, job.Progress)
}

func TestProgressRequiresProcessingState(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)

	err := store.UpdateProgress("vid-1", database.QualitySource, Telemetry{Progress: 5})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = store.CompleteJob("vid-1", database.QualitySource, "out")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = store.StartJob("vid-1", database.Quality720p)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestProgressIsClamped(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)
	require.NoError(t, store.StartJob("vid-1", database.QualitySource))

	require.NoError(t, store.UpdateProgress("vid-1", database.QualitySource, Telemetry{Progress: 180}))
	assert.Equal(t, 100.0, jobStatus(t, db, "vid-1", database.QualitySource).Progress)

	require.NoError(t, store.UpdateProgress("vid-1", database.QualitySource, Telemetry{Progress: -3}))
	assert.Equal(t, 0.0, jobStatus(t, db, "vid-1", database.QualitySource).Progress)
}

func TestFailJobRecordsError(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)

	require.NoError(t, store.StartJob("vid-1", database.QualitySource))
	require.NoError(t, store.FailJob("vid-1", database.QualitySource, "ffmpeg exited 1"))

	job := jobStatus(t, db, "vid-1", database.QualitySource)
	assert.Equal(t, database.JobStatusFailed, job.Status)
	assert.Equal(t, "ffmpeg exited 1", job.ErrorMessage)

	var video database.Video
	require.NoError(t, db.Where("id = ?", "vid-1").First(&video).Error)
	assert.Equal(t, database.VideoStatusFailed, video.Status)
}

func TestAggregateProgress(t *testing.T) {
	jobs := []database.EncodingJob{
		{Progress: 0, Status: database.JobStatusPending},
		{Progress: 50, Status: database.JobStatusProcessing},
		{Progress: 100, Status: database.JobStatusCompleted},
	}
	overall, complete := Aggregate(jobs)
	assert.Equal(t, 50.0, overall)
	assert.False(t, complete)

	jobs = []database.EncodingJob{
		{Progress: 100, Status: database.JobStatusCompleted},
		{Progress: 100, Status: database.JobStatusCompleted},
	}
	overall, complete = Aggregate(jobs)
	assert.Equal(t, 100.0, overall)
	assert.True(t, complete)

	// A failed job parks its partial progress but never counts as complete.
	jobs = []database.EncodingJob{
		{Progress: 100, Status: database.JobStatusCompleted},
		{Progress: 33.333, Status: database.JobStatusFailed},
	}
	overall, complete = Aggregate(jobs)
	assert.Equal(t, 66.67, overall)
	assert.False(t, complete)

	overall, complete = Aggregate(nil)
	assert.Equal(t, 0.0, overall)
	assert.False(t, complete)
}

func TestVideoStatusDerivation(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource, database.Quality720p)

	videoStatus := func() database.VideoStatus {
		var video database.Video
		require.NoError(t, db.Where("id = ?", "vid-1").First(&video).Error)
		return video.Status
	}

	require.NoError(t, store.StartJob("vid-1", database.QualitySource))
	assert.Equal(t, database.VideoStatusProcessing, videoStatus())

	// One of two done: still processing overall.
	require.NoError(t, store.CompleteJob("vid-1", database.QualitySource, "out-src"))
	assert.Equal(t, database.VideoStatusProcessing, videoStatus())

	require.NoError(t, store.StartJob("vid-1", database.Quality720p))
	require.NoError(t, store.CompleteJob("vid-1", database.Quality720p, "out-720"))
	assert.Equal(t, database.VideoStatusCompleted, videoStatus())

	var video database.Video
	require.NoError(t, db.Where("id = ?", "vid-1").First(&video).Error)
	assert.NotNil(t, video.CompletedAt)
}

func TestQueueJobRejectsDuplicatesAndUnknowns(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)

	job, err := store.QueueJob("vid-1", database.Quality1080p)
	require.NoError(t, err)
	assert.Equal(t, database.JobStatusPending, job.Status)

	_, err = store.QueueJob("vid-1", database.Quality1080p)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = store.QueueJob("vid-1", database.QualitySource)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	_, err = store.QueueJob("missing", database.Quality720p)
	assert.ErrorIs(t, err, ErrVideoNotFound)

	_, err = store.QueueJob("vid-1", database.Quality("4k"))
	assert.ErrorIs(t, err, ErrInvalidQuality)
}

func TestQueueJobsBatchIsAllOrNothing(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)

	countJobs := func() int64 {
		var n int64
		require.NoError(t, db.Model(&database.EncodingJob{}).
			Where("video_id = ?", "vid-1").Count(&n).Error)
		return n
	}

	// A bad quality at the tail rejects the whole batch.
	_, err := store.QueueJobs("vid-1", []database.Quality{
		database.Quality720p, database.Quality("8k"),
	})
	assert.ErrorIs(t, err, ErrInvalidQuality)
	assert.Equal(t, int64(1), countJobs())

	// A duplicate at the tail rolls back the valid head.
	_, err = store.QueueJobs("vid-1", []database.Quality{
		database.Quality720p, database.QualitySource,
	})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, int64(1), countJobs())

	// Same quality twice in one request is a duplicate too.
	_, err = store.QueueJobs("vid-1", []database.Quality{
		database.Quality720p, database.Quality720p,
	})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, int64(1), countJobs())

	jobs, err := store.QueueJobs("vid-1", []database.Quality{
		database.Quality720p, database.Quality1080p,
	})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, int64(3), countJobs())
}

func TestPendingJobsOldestFirst(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource)
	seedVideo(t, db, "vid-2", database.QualitySource)

	require.NoError(t, store.StartJob("vid-1", database.QualitySource))

	jobs, err := store.PendingJobs(0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "vid-2", jobs[0].VideoID)
}

func TestProgressEndpointView(t *testing.T) {
	store, db := newTestStore(t)
	seedVideo(t, db, "vid-1", database.QualitySource, database.Quality720p)

	require.NoError(t, store.StartJob("vid-1", database.QualitySource))
	require.NoError(t, store.UpdateProgress("vid-1", database.QualitySource, Telemetry{Progress: 40}))

	progress, err := store.Progress("vid-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, progress.OverallProgress)
	assert.False(t, progress.IsComplete)
	assert.Len(t, progress.Jobs, 2)

	_, err = store.Progress("missing")
	assert.ErrorIs(t, err, ErrVideoNotFound)
}
