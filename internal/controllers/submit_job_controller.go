package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/osvaldoandrade/pixelq/internal/middleware"
	"github.com/osvaldoandrade/pixelq/internal/services"

	"github.com/gin-gonic/gin"
)

type submitJobController struct{ svc services.MasterService }

func NewSubmitJobController(svc services.MasterService) *submitJobController {
	return &submitJobController{svc}
}

func (h *submitJobController) Handle(c *gin.Context) {
	var req services.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	job, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidSubmission):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrNoWorkers):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			middleware.Logger(c, slog.Default()).Error("submit failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, job)
}
