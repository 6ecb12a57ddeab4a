package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/disk"
)

/**
 * @api {get} /healthz Liveness
 * @apiName Healthz
 * @apiSuccess (200) {Boolean} ok
 * @apiSuccess (200) {Object} [disk] usage of the filesystem holding the capture root
 */
func (h *APIHandler) Healthz(c *gin.Context) {
	resp := gin.H{
		"ok":      true,
		"version": BuildVersion,
		"streams": len(h.Registry.List()),
	}
	if h.CaptureRoot != "" {
		if usage, err := disk.Usage(h.CaptureRoot); err == nil {
			resp["disk"] = gin.H{
				"path":        usage.Path,
				"total":       usage.Total,
				"free":        usage.Free,
				"usedPercent": usage.UsedPercent,
			}
		}
	}
	c.IndentedJSON(http.StatusOK, resp)
}
