package routers

import (
	"net/http"

	"github.com/EasyDarwin/EasyCapture/log"
	"github.com/EasyDarwin/EasyCapture/models"
	"github.com/gin-gonic/gin"
)

/**
 * @apiDefine segment Upload outbox
 */

/**
 * @api {get} /api/v1/segments List outbox rows
 * @apiGroup segment
 * @apiName Segments
 * @apiParam {String=pending,uploading,uploaded} [status]
 * @apiParam {Number} [limit=100]
 * @apiSuccess (200) {Number} total
 * @apiSuccess (200) {Array} rows newest first
 */
func (h *APIHandler) Segments(c *gin.Context) {
	type Form struct {
		Status string `form:"status"`
		Limit  int    `form:"limit,default=100" binding:"gte=0,lte=1000"`
	}
	var form Form
	if err := c.Bind(&form); err != nil {
		log.Error("list segments: ", err)
		return
	}
	status := models.SegmentStatus(form.Status)
	if status != "" && !status.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "unknown status " + form.Status})
		return
	}
	rows, err := h.Outbox.List(c.Request.Context(), status, form.Limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"total": len(rows), "rows": rows})
}

/**
 * @api {get} /api/v1/segments/stats Outbox rows per status
 * @apiGroup segment
 * @apiName SegmentStats
 */
func (h *APIHandler) SegmentStats(c *gin.Context) {
	counts, err := h.Outbox.Counts(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, counts)
}
