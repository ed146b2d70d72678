package streammodule

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/httputil"
	"github.com/hlsvault/hlsvault/internal/storage"
	"github.com/hlsvault/hlsvault/internal/token"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
	playlistName        = "video.m3u8"
)

// segmentNamePattern is the only shape a segment request may take. Checked
// before any token or filesystem work so traversal attempts never reach
// either.
var segmentNamePattern = regexp.MustCompile(`^seg_\d+\.ts$`)

// segmentRefPattern matches segment references inside a playlist body.
var segmentRefPattern = regexp.MustCompile(`seg_(\d+)\.ts`)

// getPlaylist handles GET /api/stream/playlist?token=...: validates the
// token, loads the video's playlist and rewrites every segment reference
// into an absolute tokenized segment URL.
func (m *Module) getPlaylist(c *gin.Context) {
	rawToken := c.Query("token")
	videoID, err := m.tokens.Validate(rawToken)
	if err != nil {
		m.abortTokenError(c, err)
		return
	}

	data, err := m.store.Read(path.Join(videoID, playlistName))
	if errors.Is(err, storage.ErrNotFound) {
		httputil.Abort(c, httputil.NotFoundError("Playlist not found"))
		return
	}
	if err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	rewritten := RewritePlaylist(string(data), m.baseURL, rawToken)

	c.Header("Content-Type", playlistContentType)
	c.Header("Cache-Control", "no-cache")
	c.String(200, rewritten)
}

// RewritePlaylist replaces every relative segment reference with an absolute
// tokenized segment URL so players fetch segments back through the gate.
func RewritePlaylist(playlist, baseURL, rawToken string) string {
	encodedToken := url.QueryEscape(rawToken)
	return segmentRefPattern.ReplaceAllStringFunc(playlist, func(match string) string {
		return fmt.Sprintf("%s/api/stream/segment?token=%s&segment=%s", baseURL, encodedToken, match)
	})
}

// getSegment handles GET /api/stream/segment?token=...&segment=seg_N.ts.
func (m *Module) getSegment(c *gin.Context) {
	segment := c.Query("segment")
	if !segmentNamePattern.MatchString(segment) {
		httputil.Abort(c, httputil.ValidationError("invalid segment name"))
		return
	}

	videoID, err := m.tokens.Validate(c.Query("token"))
	if err != nil {
		m.abortTokenError(c, err)
		return
	}

	data, err := m.store.Read(path.Join(videoID, segment))
	if errors.Is(err, storage.ErrNotFound) {
		httputil.Abort(c, httputil.NotFoundError("Segment not found"))
		return
	}
	if err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	// Segment bytes are immutable once encoded; playlists are not.
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(200, segmentContentType, data)
}

// mintToken handles POST /api/stream/tokens, issuing a playback token for a
// known video.
func (m *Module) mintToken(c *gin.Context) {
	var body struct {
		VideoID string `json:"video_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.VideoID == "" {
		httputil.Abort(c, httputil.ValidationError("video_id is required"))
		return
	}

	var video database.Video
	if err := m.db.Where("id = ?", body.VideoID).First(&video).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httputil.Abort(c, httputil.NotFoundError("Video not found"))
			return
		}
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	minted, err := m.tokens.Issue(body.VideoID)
	if err != nil {
		httputil.Abort(c, httputil.InternalError(err))
		return
	}

	httputil.Success(c, gin.H{
		"token": minted,
		"playlist_url": fmt.Sprintf("%s/api/stream/playlist?token=%s",
			m.baseURL, url.QueryEscape(minted)),
	})
}

func (m *Module) abortTokenError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		httputil.Abort(c, httputil.AuthError("token expired"))
	case errors.Is(err, token.ErrInvalidToken):
		httputil.Abort(c, httputil.AuthError("invalid token"))
	default:
		httputil.Abort(c, httputil.InternalError(err))
	}
}
