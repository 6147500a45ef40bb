package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	climatebridge "climate_bridge"
	"climate_bridge/internal/upstream"
)

const (
	statusOK     = "ok"
	statusQueued = "queued"

	errPollFailed  = "poll cycle failed"
	errNoSnapshot  = "no data fetched yet"
	errInvalidZone = "invalid zone id"
)

// OverlayRequest is the PUT overlay payload.
type OverlayRequest struct {
	// Type of the zone. Allowed: HEATING, AIR_CONDITIONING, HOT_WATER
	Type string `json:"type" example:"HEATING"`
	// Power to set. Allowed: ON, OFF
	Power string `json:"power" binding:"required" example:"ON"`
	// AC mode (AC zones only). Allowed: COOL, HEAT, DRY, FAN, AUTO
	Mode string `json:"mode,omitempty" example:"COOL"`
	// Target temperature in Celsius
	TemperatureC *float64 `json:"temperature_c,omitempty" example:"21.5"`
	// Termination: MANUAL, TIMER or NEXT_TIME_BLOCK (default MANUAL)
	Termination string `json:"termination,omitempty" example:"TIMER"`
	// Timer duration in seconds (required when termination=TIMER)
	DurationSec int `json:"duration_sec,omitempty" example:"1800"`
	// Zones for bulk application; ignored on the single-zone route
	ZoneIDs []int `json:"zone_ids,omitempty"`
}

func (r OverlayRequest) toOverlay() climatebridge.Overlay {
	o := climatebridge.Overlay{
		Setting: climatebridge.OverlaySetting{
			Type:  r.Type,
			Power: r.Power,
			Mode:  r.Mode,
		},
		Termination: climatebridge.OverlayTermination{
			Type:            r.Termination,
			DurationSeconds: r.DurationSec,
		},
	}
	if o.Termination.Type == "" {
		o.Termination.Type = climatebridge.TerminationManual
	}
	if r.TemperatureC != nil {
		o.Setting.Temperature = &climatebridge.Temperature{Celsius: *r.TemperatureC}
	}
	return o
}

// queueErr maps a queueing failure onto the right HTTP status: local
// validation failures are the caller's fault, anything else is ours.
func (h *Handler) queueErr(c *gin.Context, err error) {
	if upstream.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.log != nil {
		h.log.Errorw("queue_failed", "err", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue command"})
}

func zoneParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidZone})
		return 0, false
	}
	return id, true
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Connection status and quota
// @Tags         bridge
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status, rate_limit, interval_seconds"
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/status [get]
// @Security     BearerAuth
func (h *Handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           h.core.Status(),
		"rate_limit":       h.core.CurrentRateLimit(),
		"interval_seconds": h.core.CurrentInterval().Seconds(),
	})
}

// @Summary      Trigger an immediate poll
// @Description  Invalidates caches and runs one full fetch cycle.
// @Tags         bridge
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status, state"
// @Failure      401  {object}  map[string]string
// @Failure      502  {object}  map[string]string
// @Router       /api/v1/poll [post]
// @Security     BearerAuth
func (h *Handler) manualPoll(c *gin.Context) {
	if err := h.core.ManualPoll(c.Request.Context()); err != nil {
		if h.log != nil {
			h.log.Errorw("manual_poll_failed", "err", err)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": errPollFailed})
		return
	}
	snap, _ := h.core.StateView()
	c.JSON(http.StatusOK, gin.H{"status": statusOK, "state": snap})
}

// @Summary      Current state
// @Description  Last successful snapshot with still-live optimistic values layered on top.
// @Tags         bridge
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/state [get]
// @Security     BearerAuth
func (h *Handler) getState(c *gin.Context) {
	snap, ok := h.core.StateView()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errNoSnapshot})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// @Summary      Set a zone overlay
// @Tags         zones
// @Accept       json
// @Produce      json
// @Param        id  path  int  true  "Zone id"
// @Success      202  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/zones/{id}/overlay [put]
// @Security     BearerAuth
func (h *Handler) setOverlay(c *gin.Context) {
	id, ok := zoneParam(c)
	if !ok {
		return
	}
	var req OverlayRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	if err := h.core.QueueOverlay(id, req.toOverlay()); err != nil {
		h.queueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}

// @Summary      Resume the automatic schedule for a zone
// @Tags         zones
// @Produce      json
// @Param        id  path  int  true  "Zone id"
// @Success      202  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/zones/{id}/overlay [delete]
// @Security     BearerAuth
func (h *Handler) resumeSchedule(c *gin.Context) {
	id, ok := zoneParam(c)
	if !ok {
		return
	}
	if err := h.core.QueueResume(id); err != nil {
		h.queueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}

// @Summary      Set one overlay on many zones
// @Description  Applies the overlay to the given zones, or to every heating zone when zone_ids is empty, as a single bulk call.
// @Tags         zones
// @Accept       json
// @Produce      json
// @Success      202  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/zones/overlay [post]
// @Security     BearerAuth
func (h *Handler) setBulkOverlay(c *gin.Context) {
	var req OverlayRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	if err := h.core.QueueBulkOverlay(req.ZoneIDs, req.toOverlay()); err != nil {
		h.queueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}

type resumeAllRequest struct {
	ZoneIDs []int `json:"zone_ids,omitempty"`
}

// @Summary      Resume the schedule on many zones
// @Description  Resumes the given zones, or every heating zone when zone_ids is empty, as a single bulk call.
// @Tags         zones
// @Accept       json
// @Produce      json
// @Success      202  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/zones/resume-all [post]
// @Security     BearerAuth
func (h *Handler) resumeAll(c *gin.Context) {
	var req resumeAllRequest
	if c.Request.ContentLength > 0 {
		if ok := h.bindJSONOrBadRequest(c, &req); !ok {
			return
		}
	}
	if err := h.core.QueueBulkResume(req.ZoneIDs); err != nil {
		h.queueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}

type presenceRequest struct {
	Presence string `json:"presence" binding:"required"` // HOME | AWAY
}

// @Summary      Set home/away presence
// @Tags         bridge
// @Accept       json
// @Produce      json
// @Success      202  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/presence [put]
// @Security     BearerAuth
func (h *Handler) setPresence(c *gin.Context) {
	var req presenceRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	if err := h.core.QueuePresence(req.Presence); err != nil {
		h.queueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}

// Pointer so an explicit zero offset passes required-field binding.
type offsetRequest struct {
	CelsiusC *float64 `json:"celsius" binding:"required"`
}

// @Summary      Set a device calibration offset
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        serial  path  string  true  "Device serial"
// @Success      202  {object}  map[string]string
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /api/v1/devices/{serial}/offset [put]
// @Security     BearerAuth
func (h *Handler) setOffset(c *gin.Context) {
	var req offsetRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	if err := h.core.QueueOffset(c.Param("serial"), *req.CelsiusC); err != nil {
		h.queueErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": statusQueued})
}
