package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atoniolo76/dreamgate/pkg/api"
	"github.com/atoniolo76/dreamgate/pkg/config"
	"github.com/atoniolo76/dreamgate/pkg/gateway"
	"github.com/atoniolo76/dreamgate/pkg/slot"
)

// statusClientClosedRequest is nginx's code for a client that went away
const statusClientClosedRequest = 499

const maxBodyBytes = 1 << 20

func detail(msg string) api.ErrorResponse {
	return api.ErrorResponse{Detail: msg}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.gateway.Health().IsHealthy())
}

func (s *Server) handlePredict(c *gin.Context) {
	arrival := arrivalOf(c)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, detail("failed to read request body"))
		return
	}
	req, err := decodePredictRequest(body)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadRequest, detail(err.Error()))
		return
	}

	result, err := s.gateway.Handle(c.Request.Context(), req.ToBatch(c.GetString(ctxRequestID), arrival))
	if err != nil {
		_ = c.Error(err)
		status, body := errorResponse(err)
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, result.Artifacts)
}

// errorResponse maps gateway and slot errors onto HTTP
func errorResponse(err error) (int, api.ErrorResponse) {
	switch {
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusRequestTimeout, detail(api.TimeoutDetail)
	case errors.Is(err, gateway.ErrInvalidBatch), errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, detail(err.Error())
	case errors.Is(err, slot.ErrSlotSaturated):
		return http.StatusServiceUnavailable, detail("Server is busy, try again later.")
	case errors.Is(err, slot.ErrSlotClosed):
		return http.StatusServiceUnavailable, detail("Server is shutting down.")
	case errors.Is(err, gateway.ErrBackendFailure):
		return http.StatusInternalServerError, detail("Image generation failed.")
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, detail("Request cancelled.")
	default:
		return http.StatusInternalServerError, detail("Internal server error.")
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	hm := s.gateway.Health()
	c.JSON(http.StatusOK, api.StatusResponse{
		Backend:    s.gateway.Backend(),
		Generation: s.gateway.Generation(),
		State:      s.gateway.State(),
		Health: api.HealthCounters{
			Healthy:   hm.IsHealthy(),
			Failures:  hm.Failures(),
			Tolerable: hm.Tolerable(),
		},
		Stats:          s.gateway.Stats(),
		RequestTimeout: s.gateway.Timeout().Seconds(),
		StartedAt:      s.started,
	})
}

func (s *Server) handleMonitor(c *gin.Context) {
	if s.monitor == nil {
		c.JSON(http.StatusNotFound, detail("request monitor is disabled"))
		return
	}

	limit := config.DefaultMonitorRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, detail("limit must be a positive integer"))
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	summary, err := s.monitor.Summary(ctx)
	if err != nil {
		s.logger.Error("monitor_summary_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, detail("Internal server error."))
		return
	}
	recent, err := s.monitor.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("monitor_recent_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, detail("Internal server error."))
		return
	}
	c.JSON(http.StatusOK, api.MonitorResponse{Summary: summary, Recent: recent})
}
