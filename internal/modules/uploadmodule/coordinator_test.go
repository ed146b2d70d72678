package uploadmodule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/storage"
	"github.com/hlsvault/hlsvault/internal/utils"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.Memory) {
	t.Helper()
	db, err := database.ConnectTest()
	require.NoError(t, err)
	store := storage.NewMemory()
	co := NewCoordinator(db, store, nil, hclog.NewNullLogger(),
		[]string{"mp4", "mkv", "webm"})
	return co, store
}

func TestSubmitWholeRegistersVideoAndSourceJob(t *testing.T) {
	co, store := newTestCoordinator(t)

	content := []byte("whole file bytes")
	videoID, err := co.SubmitWhole("movie.mp4", bytes.NewReader(content))
	require.NoError(t, err)
	require.True(t, utils.IsValidUUID(videoID))

	stored, err := store.Read(videoID + ".mp4")
	require.NoError(t, err)
	assert.Equal(t, content, stored)

	var video database.Video
	require.NoError(t, co.db.Where("id = ?", videoID).First(&video).Error)
	assert.Equal(t, "movie.mp4", video.OriginalFilename)
	assert.Equal(t, int64(len(content)), video.FileSize)
	assert.Equal(t, database.VideoStatusPending, video.Status)

	var jobs []database.EncodingJob
	require.NoError(t, co.db.Where("video_id = ?", videoID).Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, database.QualitySource, jobs[0].Quality)
	assert.Equal(t, database.JobStatusPending, jobs[0].Status)
}

func TestSubmitWholeRejectsUnknownExtension(t *testing.T) {
	co, _ := newTestCoordinator(t)

	_, err := co.SubmitWhole("payload.exe", strings.NewReader("nope"))
	assert.ErrorIs(t, err, ErrInvalidExtension)

	_, err = co.SubmitWhole("noextension", strings.NewReader("nope"))
	assert.ErrorIs(t, err, ErrInvalidExtension)
}

func TestChunkedUploadAssemblesInIndexOrder(t *testing.T) {
	co, store := newTestCoordinator(t)
	videoID := utils.GenerateUUID()

	// Chunks arrive out of order; the assembled file must follow the
	// declared index order, not arrival order.
	parts := []string{"alpha-", "bravo-", "charlie"}
	order := []int{2, 0, 1}

	var last *ChunkResult
	for _, idx := range order {
		result, err := co.SubmitChunk(videoID, idx, len(parts), "clip.mkv",
			strings.NewReader(parts[idx]))
		require.NoError(t, err)
		last = result
	}

	require.True(t, last.Completed)
	assembled, err := store.Read(videoID + ".mkv")
	require.NoError(t, err)
	assert.Equal(t, "alpha-bravo-charlie", string(assembled))

	// Staging is gone once the file and the rows are durable.
	assert.False(t, store.Exists("temp/"+videoID))

	var video database.Video
	require.NoError(t, co.db.Where("id = ?", videoID).First(&video).Error)
	assert.Equal(t, int64(len("alpha-bravo-charlie")), video.FileSize)
}

func TestChunkResubmitIsIdempotent(t *testing.T) {
	co, store := newTestCoordinator(t)
	videoID := utils.GenerateUUID()

	_, err := co.SubmitChunk(videoID, 0, 2, "clip.mp4", strings.NewReader("first"))
	require.NoError(t, err)

	// Same index again: last write wins, count does not inflate.
	result, err := co.SubmitChunk(videoID, 0, 2, "clip.mp4", strings.NewReader("FIRST"))
	require.NoError(t, err)
	assert.False(t, result.Completed)
	assert.Equal(t, 1, result.Received)

	result, err = co.SubmitChunk(videoID, 1, 2, "clip.mp4", strings.NewReader("-second"))
	require.NoError(t, err)
	require.True(t, result.Completed)

	assembled, err := store.Read(videoID + ".mp4")
	require.NoError(t, err)
	assert.Equal(t, "FIRST-second", string(assembled))
}

func TestChunkTotalsMustAgreeWithSession(t *testing.T) {
	co, _ := newTestCoordinator(t)
	videoID := utils.GenerateUUID()

	_, err := co.SubmitChunk(videoID, 0, 3, "clip.mp4", strings.NewReader("a"))
	require.NoError(t, err)

	_, err = co.SubmitChunk(videoID, 1, 4, "clip.mp4", strings.NewReader("b"))
	assert.ErrorIs(t, err, ErrTotalMismatch)
}

func TestConcurrentFirstChunksPinOneTotal(t *testing.T) {
	co, store := newTestCoordinator(t)
	videoID := utils.GenerateUUID()

	// Two racing first chunks disagree on the total. Exactly one pins the
	// session; the other is rejected against the pinned manifest.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	totals := []int{5, 7}
	for i := range totals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = co.pinManifest("temp/"+videoID, totals[i], "clip.mp4")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, ErrTotalMismatch)
		}
	}
	assert.Equal(t, 1, winners)

	// The pinned total keeps governing later chunks.
	data, err := store.Read("temp/" + videoID + "/manifest")
	require.NoError(t, err)
	var m sessionManifest
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, totals, m.TotalChunks)

	_, err = co.SubmitChunk(videoID, 0, 9, "clip.mp4", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrTotalMismatch)
}

func TestChunkIndexBounds(t *testing.T) {
	co, _ := newTestCoordinator(t)
	videoID := utils.GenerateUUID()

	_, err := co.SubmitChunk(videoID, -1, 2, "clip.mp4", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrBadChunkIndex)

	_, err = co.SubmitChunk(videoID, 2, 2, "clip.mp4", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrBadChunkIndex)

	_, err = co.SubmitChunk(videoID, 0, 0, "clip.mp4", strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrTotalMismatch)
}

func TestChunkAfterCompletionIsNoOp(t *testing.T) {
	co, store := newTestCoordinator(t)
	videoID := utils.GenerateUUID()

	_, err := co.SubmitChunk(videoID, 0, 1, "clip.mp4", strings.NewReader("done"))
	require.NoError(t, err)

	// A retry of the last chunk after a lost response reports completion
	// without touching the assembled file.
	result, err := co.SubmitChunk(videoID, 0, 1, "clip.mp4", strings.NewReader("OVERWRITE"))
	require.NoError(t, err)
	assert.True(t, result.Completed)

	assembled, err := store.Read(videoID + ".mp4")
	require.NoError(t, err)
	assert.Equal(t, "done", string(assembled))

	var count int64
	require.NoError(t, co.db.Model(&database.Video{}).
		Where("id = ?", videoID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestConcurrentFinalChunksRegisterExactlyOnce(t *testing.T) {
	co, _ := newTestCoordinator(t)
	videoID := utils.GenerateUUID()

	const total = 4
	for i := 0; i < total-1; i++ {
		_, err := co.SubmitChunk(videoID, i, total, "clip.mp4",
			strings.NewReader(fmt.Sprintf("part%d-", i)))
		require.NoError(t, err)
	}

	// Several racers all deliver the final chunk.
	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = co.SubmitChunk(videoID, total-1, total, "clip.mp4",
				strings.NewReader("final"))
		}()
	}
	wg.Wait()

	var videos int64
	require.NoError(t, co.db.Model(&database.Video{}).
		Where("id = ?", videoID).Count(&videos).Error)
	assert.Equal(t, int64(1), videos)

	var jobs int64
	require.NoError(t, co.db.Model(&database.EncodingJob{}).
		Where("video_id = ?", videoID).Count(&jobs).Error)
	assert.Equal(t, int64(1), jobs)
}

func TestMergeWithMissingChunkLeavesStagingIntact(t *testing.T) {
	co, store := newTestCoordinator(t)
	videoID := utils.GenerateUUID()
	sessionDir := "temp/" + videoID

	_, err := co.SubmitChunk(videoID, 0, 3, "clip.mp4", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = co.SubmitChunk(videoID, 2, 3, "clip.mp4", strings.NewReader("c"))
	require.NoError(t, err)

	err = co.finalizeSession(videoID, sessionDir, "clip.mp4", 3)
	assert.ErrorIs(t, err, ErrChunkMissing)

	// The received chunks survive so the client can resubmit index 1.
	assert.True(t, store.Exists(sessionDir+"/chunk_0"))
	assert.True(t, store.Exists(sessionDir+"/chunk_2"))
}

func TestRemoveArtifactsClearsStagingAndAssembledFile(t *testing.T) {
	co, store := newTestCoordinator(t)

	videoID, err := co.SubmitWhole("movie.mp4", strings.NewReader("bytes"))
	require.NoError(t, err)

	require.NoError(t, co.RemoveArtifacts(videoID))
	assert.False(t, store.Exists(videoID+".mp4"))
	assert.False(t, store.Exists("temp/"+videoID))
}
