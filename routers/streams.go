package routers

import (
	"errors"
	"net/http"
	"time"

	"github.com/EasyDarwin/EasyCapture/capture"
	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/gin-gonic/gin"
)

/**
 * @apiDefine stream Stream management
 */

/**
 * @api {get} /api/v1/streams List streams
 * @apiGroup stream
 * @apiName Streams
 * @apiSuccess (200) {Array} streams every supervised camera, ordered by stream_id
 */
func (h *APIHandler) Streams(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, h.Registry.List())
}

/**
 * @api {post} /api/v1/streams/start Start recording a camera
 * @apiGroup stream
 * @apiName StreamStart
 * @apiParam {String} user_id
 * @apiParam {String} camera_id
 * @apiParam {String} [rtsp_url] required unless the stream is already live
 * @apiParam {Number} [segment_seconds]
 * @apiParam {Boolean} [align_first_cut]
 * @apiParam {Number} [startup_deadline_ts] unix seconds after which failures are no longer retried
 * @apiSuccess (200) {Object} stream the live or newly started stream
 */
func (h *APIHandler) StreamStart(c *gin.Context) {
	type Form struct {
		UserID            string `json:"user_id" binding:"required"`
		CameraID          string `json:"camera_id" binding:"required"`
		RTSPURL           string `json:"rtsp_url"`
		SegmentSeconds    *int   `json:"segment_seconds"`
		AlignFirstCut     *bool  `json:"align_first_cut"`
		StartupDeadlineTS *int64 `json:"startup_deadline_ts"`
	}
	var form Form
	if err := c.Bind(&form); err != nil {
		log.Error("start stream: ", err)
		return
	}

	params := capture.StartParams{
		SourceURL:      form.RTSPURL,
		SegmentSeconds: form.SegmentSeconds,
		AlignFirstCut:  form.AlignFirstCut,
	}
	if form.StartupDeadlineTS != nil {
		window := time.Until(time.Unix(*form.StartupDeadlineTS, 0))
		if window <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "startup_deadline_ts is in the past"})
			return
		}
		params.StartupWindow = &window
	}

	rec, err := h.Registry.Start(capture.Key{OwnerID: form.UserID, CameraID: form.CameraID}, params)
	if err != nil {
		abortWithCaptureError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, rec.Info())
}

/**
 * @api {post} /api/v1/streams/stop Stop recording a camera
 * @apiGroup stream
 * @apiName StreamStop
 * @apiParam {String} user_id
 * @apiParam {String} camera_id
 * @apiDescription Returns immediately; the writer is shut down in the background.
 */
func (h *APIHandler) StreamStop(c *gin.Context) {
	type Form struct {
		UserID   string `json:"user_id" binding:"required"`
		CameraID string `json:"camera_id" binding:"required"`
	}
	var form Form
	if err := c.Bind(&form); err != nil {
		log.Error("stop stream: ", err)
		return
	}
	key := capture.Key{OwnerID: form.UserID, CameraID: form.CameraID}
	go h.Registry.Stop(key)
	c.IndentedJSON(http.StatusOK, gin.H{"ok": true})
}

/**
 * @api {patch} /api/v1/streams/update Change a camera's source or segmenting
 * @apiGroup stream
 * @apiName StreamUpdate
 * @apiParam {String} user_id
 * @apiParam {String} camera_id
 * @apiParam {String} [rtsp_url]
 * @apiParam {Number} [segment_seconds]
 * @apiParam {Boolean} [align_first_cut]
 * @apiParam {Boolean} [graceful=true] swap at the next boundary of the new segment length
 * @apiSuccess (200) {Boolean} scheduled false when the stream did not exist and was started directly
 */
func (h *APIHandler) StreamUpdate(c *gin.Context) {
	type Form struct {
		UserID         string `json:"user_id" binding:"required"`
		CameraID       string `json:"camera_id" binding:"required"`
		RTSPURL        string `json:"rtsp_url"`
		SegmentSeconds *int   `json:"segment_seconds"`
		AlignFirstCut  *bool  `json:"align_first_cut"`
		Graceful       *bool  `json:"graceful"`
	}
	var form Form
	if err := c.Bind(&form); err != nil {
		log.Error("update stream: ", err)
		return
	}
	graceful := true
	if form.Graceful != nil {
		graceful = *form.Graceful
	}
	res, err := h.Registry.Update(capture.Key{OwnerID: form.UserID, CameraID: form.CameraID}, capture.UpdateParams{
		SourceURL:      form.RTSPURL,
		SegmentSeconds: form.SegmentSeconds,
		AlignFirstCut:  form.AlignFirstCut,
		Graceful:       graceful,
	})
	if err != nil {
		abortWithCaptureError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, res)
}

func abortWithCaptureError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, capture.ErrInvalidKey),
		errors.Is(err, capture.ErrSourceRequired),
		errors.Is(err, capture.ErrSegmentSeconds):
		status = http.StatusBadRequest
	case errors.Is(err, capture.ErrRegistryShutdown):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": err.Error()})
}
